package throttle

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCanSendRespectsTPS(t *testing.T) {
	a := New(2, nil)
	now := time.Now()

	require.True(t, a.CanSend(now))
	a.Record(now)
	require.True(t, a.CanSend(now))
	a.Record(now)
	require.False(t, a.CanSend(now))

	later := now.Add(1100 * time.Millisecond)
	require.True(t, a.CanSend(later))
}

func TestCanSendRespectsTPM(t *testing.T) {
	tpm := 3
	a := New(100, &tpm)
	now := time.Now()
	for i := 0; i < 3; i++ {
		require.True(t, a.CanSend(now))
		a.Record(now)
	}
	require.False(t, a.CanSend(now))
}

func TestEarliestAvailableWhenFull(t *testing.T) {
	a := New(1, nil)
	now := time.Now()
	a.Record(now)
	require.False(t, a.CanSend(now))

	ea := a.EarliestAvailable(now)
	require.True(t, !ea.Before(now.Add(1*time.Second)))
}

func TestConcurrentCanSendNeverExceedsCap(t *testing.T) {
	a := New(5, nil)
	now := time.Now()

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mu.Lock()
			defer mu.Unlock()
			if a.CanSend(now) {
				a.Record(now)
				accepted++
			}
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, accepted, 5)
}
