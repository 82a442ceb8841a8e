// Command relay runs the JSON-RPC reverse-proxy: it loads an on-disk
// configuration, wires the Config Store, Endpoint Registry, Rate
// Accountant, Load Balancer, TTL Cache, Health Monitor, and Dispatcher
// together, and serves client requests over HTTP until an interrupt or
// SIGTERM asks it to shut down.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/relaysprint/rpc-relay/internal/api"
	"github.com/relaysprint/rpc-relay/internal/balancer"
	"github.com/relaysprint/rpc-relay/internal/cache"
	"github.com/relaysprint/rpc-relay/internal/config"
	"github.com/relaysprint/rpc-relay/internal/dispatcher"
	"github.com/relaysprint/rpc-relay/internal/metrics"
	"github.com/relaysprint/rpc-relay/internal/monitor"
	"github.com/relaysprint/rpc-relay/internal/outbound"
	"github.com/relaysprint/rpc-relay/internal/registry"
	"github.com/relaysprint/rpc-relay/internal/throttle"
)

func main() {
	os.Exit(run())
}

// run wires the relay and blocks until shutdown; it returns the process
// exit code so main can stay a one-liner, matching spec.md §6: 0 on clean
// shutdown, non-zero on unrecoverable startup failure.
func run() int {
	logger := initLogger()
	defer logger.Sync()

	configPath := os.Getenv("RELAY_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	store, err := config.NewStore(configPath, logger)
	if err != nil {
		logger.Error("initial config load failed", zap.Error(err))
		return 1
	}
	snap := store.Current()

	reg := registry.New(logger)
	reg.Sync(snap)

	th := throttle.NewManager()
	bal := balancer.New(reg, th)
	bal.SetLatencyThresholdMS(snap.RelayLatencyThresholdMS)

	c := cache.New(logger)
	defer c.Close()

	ob := outbound.New(outbound.DefaultConfig())

	mon := monitor.New(logger, reg, th, ob, snap.MonitorIntervalS, snap.MaxBlocksBehind)

	// Keep the Registry's URL table, the Balancer's latency ceiling, and the
	// Monitor's probe cadence/lag tolerance in lockstep with every
	// successfully reloaded snapshot (spec.md §4.1 step 5's "observers
	// always resolve the current snapshot").
	store.Subscribe(func(snap *config.Snapshot) {
		reg.Sync(snap)
		bal.SetLatencyThresholdMS(snap.RelayLatencyThresholdMS)
		mon.SetParams(snap.MonitorIntervalS, snap.MaxBlocksBehind)
	})

	disp := dispatcher.New(logger, store, reg, bal, th, c, ob)
	metricsReg := metrics.NewDefault()
	server := api.New(logger, disp, reg, metricsReg.GetRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go store.Watch(ctx)
	mon.Start(ctx)
	go publishEndpointMetrics(ctx, reg)

	addr := fmt.Sprintf("%s:%d", snap.RelayHost, snap.RelayPort)
	if snap.RelayHost == "" {
		addr = fmt.Sprintf("0.0.0.0:%d", snap.RelayPort)
	}
	httpServer := &http.Server{
		Addr:    addr,
		Handler: server.Engine(),
	}

	serveErrors := make(chan error, 1)
	go func() {
		logger.Info("relay listening", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrors <- err
			return
		}
		serveErrors <- nil
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serveErrors:
		if err != nil {
			logger.Error("listener failed to start", zap.Error(err))
			return 1
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown did not complete cleanly", zap.Error(err))
	}

	cancel()
	mon.Stop()
	logger.Info("relay shutdown complete")
	return 0
}

// publishEndpointMetrics periodically copies the registry's live health
// state into the Prometheus gauges /metrics exposes, independent of the
// monitor's own probe cadence so a scrape always sees fresh numbers even
// between probe ticks.
func publishEndpointMetrics(ctx context.Context, reg *registry.Registry) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.PublishEndpointStats(reg.All())
		}
	}
}

func initLogger() *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if os.Getenv("RELAY_ENV") == "production" {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		logger, err = cfg.Build()
	} else {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		logger, err = cfg.Build()
	}
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	return logger
}
