package build

import "sync"

// keyMutex serializes work per key.
// Entries are removed when no goroutine holds or waits for them.
type keyMutex struct {
	mu      sync.Mutex
	entries map[string]*keyMutexEntry
}

type keyMutexEntry struct {
	mu   sync.Mutex
	refs int
}

func (m *keyMutex) Lock(key string) (unlock func()) {
	m.mu.Lock()
	if m.entries == nil {
		m.entries = make(map[string]*keyMutexEntry)
	}
	e, ok := m.entries[key]
	if !ok {
		e = &keyMutexEntry{}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()

		m.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(m.entries, key)
		}
		m.mu.Unlock()
	}
}
