package feed

import (
	"log/slog"
	"sync"
)

// SubjectLockManager hands out one RWMutex per subject key so updates to different
// variants never contend
type SubjectLockManager struct {
	locks    map[string]*sync.RWMutex
	locksMux sync.RWMutex
}

// NewSubjectLockManager creates an empty lock manager
func NewSubjectLockManager() *SubjectLockManager {
	return &SubjectLockManager{
		locks: make(map[string]*sync.RWMutex),
	}
}

// lockFor returns the mutex for key, creating it on first use
func (m *SubjectLockManager) lockFor(key string) *sync.RWMutex {
	m.locksMux.RLock()
	if lock, exists := m.locks[key]; exists {
		m.locksMux.RUnlock()
		return lock
	}
	m.locksMux.RUnlock()

	m.locksMux.Lock()
	defer m.locksMux.Unlock()

	// Double-check in case another goroutine created it
	if lock, exists := m.locks[key]; exists {
		return lock
	}

	lock := &sync.RWMutex{}
	m.locks[key] = lock
	slog.Debug("Created new subject lock", "subject", key)
	return lock
}

// WithWriteLock runs fn while holding the subject's write lock
func (m *SubjectLockManager) WithWriteLock(key string, fn func()) {
	lock := m.lockFor(key)
	lock.Lock()
	defer lock.Unlock()
	fn()
}

// WithReadLock runs fn while holding the subject's read lock
func (m *SubjectLockManager) WithReadLock(key string, fn func()) {
	lock := m.lockFor(key)
	lock.RLock()
	defer lock.RUnlock()
	fn()
}

// Len returns how many subject locks exist
func (m *SubjectLockManager) Len() int {
	m.locksMux.RLock()
	defer m.locksMux.RUnlock()
	return len(m.locks)
}
