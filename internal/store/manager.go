package store

import (
	"sync"
)

// Manager caches one open Store per connection and hands out the
// per-connection writer lock. Concurrent indexes against different
// connections proceed in parallel; two against the same connection
// serialize on the lock.
type Manager struct {
	dataDir string

	mu     sync.Mutex
	stores map[string]*Store
	locks  map[string]*sync.Mutex
}

// NewManager creates a manager rooted at dataDir.
func NewManager(dataDir string) *Manager {
	return &Manager{
		dataDir: dataDir,
		stores:  make(map[string]*Store),
		locks:   make(map[string]*sync.Mutex),
	}
}

// Get opens (or returns the cached) store for a connection.
func (m *Manager) Get(connectionID string) (*Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.stores[connectionID]; ok {
		return s, nil
	}
	s, err := Open(m.dataDir, connectionID)
	if err != nil {
		return nil, err
	}
	m.stores[connectionID] = s
	return s, nil
}

// WriterLock returns the mutex serializing writes for one connection.
func (m *Manager) WriterLock(connectionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[connectionID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[connectionID] = lock
	}
	return lock
}

// Close closes every open store.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for id, s := range m.stores {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
		delete(m.stores, id)
	}
	return first
}
