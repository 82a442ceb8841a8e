// Package throttle implements the Rate Accountant: a per-endpoint sliding
// window that tracks outbound call timestamps and answers whether a new call
// may be sent right now without exceeding the endpoint's configured TPS/TPM
// budget.
package throttle

import (
	"sync"
	"time"
)

const (
	windowTPS = time.Second
	windowTPM = time.Minute
)

// Accountant tracks the rolling call history for one endpoint under a single
// mutex — the window is short-lived and pruned on every touch, so contention
// stays cheap even under heavy concurrent dispatch.
type Accountant struct {
	mu        sync.Mutex
	maxTPS    int
	maxTPM    *int
	calls     []time.Time
}

// New builds an Accountant for an endpoint with the given caps. maxTPM is
// optional per spec; pass nil to skip the per-minute check entirely.
func New(maxTPS int, maxTPM *int) *Accountant {
	return &Accountant{maxTPS: maxTPS, maxTPM: maxTPM}
}

// CanSend reports whether a call may be sent at `now` without exceeding
// max_tps in the trailing 1s window, and, if configured, max_tpm in the
// trailing 60s window.
func (a *Accountant) CanSend(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prune(now)

	if a.countSince(now, windowTPS) >= a.maxTPS {
		return false
	}
	if a.maxTPM != nil && a.countSince(now, windowTPM) >= *a.maxTPM {
		return false
	}
	return true
}

// Record appends a call timestamp to the window. Callers are expected to
// have already confirmed CanSend; Record does not re-check the cap.
func (a *Accountant) Record(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, now)
	a.prune(now)
}

// EarliestAvailable returns the earliest instant at which a new call would
// be permitted, given the current window contents. If CanSend(now) is
// already true it returns now.
func (a *Accountant) EarliestAvailable(now time.Time) time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prune(now)

	if a.countSince(now, windowTPS) < a.maxTPS && (a.maxTPM == nil || a.countSince(now, windowTPM) < *a.maxTPM) {
		return now
	}

	// The window is full; the next slot opens when the oldest timestamp in
	// the binding window ages out.
	window := windowTPS
	if a.maxTPM != nil && a.countSince(now, windowTPM) >= *a.maxTPM {
		window = windowTPM
	}
	cutoff := now.Add(-window)
	for _, t := range a.calls {
		if t.After(cutoff) {
			return t.Add(window)
		}
	}
	return now
}

// ObservedTPS returns the number of calls recorded in the trailing second.
func (a *Accountant) ObservedTPS(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prune(now)
	return a.countSince(now, windowTPS)
}

// prune drops timestamps older than the largest window this accountant
// tracks. Must be called with mu held.
func (a *Accountant) prune(now time.Time) {
	cutoff := now.Add(-windowTPM)
	if a.maxTPM == nil {
		cutoff = now.Add(-windowTPS)
	}
	i := 0
	for i < len(a.calls) && a.calls[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		a.calls = a.calls[i:]
	}
}

// countSince counts timestamps within (now-window, now]. Must be called with
// mu held.
func (a *Accountant) countSince(now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	count := 0
	for i := len(a.calls) - 1; i >= 0; i-- {
		if a.calls[i].After(cutoff) {
			count++
		} else {
			break
		}
	}
	return count
}
