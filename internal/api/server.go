// Package api is the relay's inbound HTTP boundary: a thin gin server that
// decodes JSON-RPC envelopes, hands them to the Dispatcher, and writes back
// the JSON-RPC response the Dispatcher returns. The server stays
// deliberately thin — per spec the HTTP transport is a boundary service. The
// Dispatcher builds every JSON-RPC error object itself, so this package holds
// no error-mapping table.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/relaysprint/rpc-relay/internal/dispatcher"
	"github.com/relaysprint/rpc-relay/internal/jsonrpc"
	"github.com/relaysprint/rpc-relay/internal/registry"
)

// Server wraps a gin.Engine around the Dispatcher and Registry.
type Server struct {
	logger     *zap.Logger
	dispatcher *dispatcher.Dispatcher
	registry   *registry.Registry
	gatherer   prometheus.Gatherer
	engine     *gin.Engine
}

// New builds a Server and registers its routes. gin runs in release mode —
// the relay's own structured logging via zap replaces gin's default access
// log. gatherer backs the /metrics route; pass nil to fall back to
// Prometheus's global default registry.
func New(logger *zap.Logger, d *dispatcher.Dispatcher, reg *registry.Registry, gatherer prometheus.Gatherer) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{logger: logger, dispatcher: d, registry: reg, gatherer: gatherer, engine: engine}
	s.registerRoutes()
	return s
}

// Engine exposes the underlying gin.Engine, e.g. for http.Server wiring in
// cmd/relay.
func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) registerRoutes() {
	s.engine.GET("/", s.handleLiveness)
	s.engine.POST("/", s.handleDispatch)
	s.engine.GET("/healthz", s.handleReadiness)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
}

// handleLiveness answers GET / with a bare 200, per spec.md §6.
func (s *Server) handleLiveness(c *gin.Context) {
	c.Status(http.StatusOK)
}

// handleReadiness answers GET /healthz: ready only if the registry has at
// least one non-draining, non-unhealthy endpoint. Not named explicitly in
// spec.md's External Interfaces but implied once liveness is distinguished
// as its own concept — see SPEC_FULL.md §9.1.
func (s *Server) handleReadiness(c *gin.Context) {
	for _, ep := range s.registry.Candidates() {
		if ep.Status() != registry.StatusUnhealthy {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
			return
		}
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "no healthy endpoint"})
}

// handleDispatch answers POST /: decode the JSON-RPC envelope, run it
// through the Dispatcher, and write back the response with Content-Type
// application/json. A body that fails to decode at all (not even a usable
// id) is the one case answered with an HTTP 400 rather than a 200 carrying a
// JSON-RPC error envelope, per spec.md §7's MALFORMED_REQUEST handling.
func (s *Server) handleDispatch(c *gin.Context) {
	var req jsonrpc.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, jsonrpc.NewError(nil, jsonrpc.CodeInvalidRequest, "malformed json-rpc request"))
		return
	}

	start := time.Now()
	resp := s.dispatcher.Dispatch(c.Request.Context(), req)
	s.logger.Debug("dispatch",
		zap.String("method", req.Method),
		zap.Duration("elapsed", time.Since(start)),
		zap.Bool("error", resp.Error != nil),
	)
	c.JSON(http.StatusOK, resp)
}
