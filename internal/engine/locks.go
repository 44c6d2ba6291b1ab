package engine

import "sync"

// instanceLocks serializes engine entry points per workflow instance. All
// variable and token mutation happens with the owning instance's lock held,
// so each instance has a single writer at any moment.
type instanceLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newInstanceLocks() *instanceLocks {
	return &instanceLocks{locks: make(map[string]*sync.Mutex)}
}

// forInstance returns the mutex for an instance, creating it on first use.
// Locks are never evicted.
func (l *instanceLocks) forInstance(instanceID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[instanceID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[instanceID] = m
	}
	return m
}
