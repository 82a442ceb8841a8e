package throttle

import "sync"

// Manager owns one Accountant per endpoint URL, created lazily and rebuilt
// whenever an endpoint's caps change on reload.
type Manager struct {
	mu         sync.Mutex
	accountant map[string]*Accountant
}

// NewManager builds an empty Manager.
func NewManager() *Manager {
	return &Manager{accountant: make(map[string]*Accountant)}
}

// For returns the Accountant for url, creating one with the given caps if
// none exists yet, or replacing it if the caps have changed.
func (m *Manager) For(url string, maxTPS int, maxTPM *int) *Accountant {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accountant[url]
	if ok && a.maxTPS == maxTPS && equalIntPtr(a.maxTPM, maxTPM) {
		return a
	}
	a = New(maxTPS, maxTPM)
	m.accountant[url] = a
	return a
}

// Drop removes an endpoint's accountant once it has been reaped from the
// registry.
func (m *Manager) Drop(url string) {
	m.mu.Lock()
	delete(m.accountant, url)
	m.mu.Unlock()
}

func equalIntPtr(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
