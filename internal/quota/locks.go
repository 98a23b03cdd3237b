package quota

import "sync"

// userLocks serializes mutations per user when the store has no row locks.
type userLocks struct {
	mu      sync.Mutex
	entries map[uint64]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{entries: make(map[uint64]*userLock)}
}

// lock blocks until userID is held and returns the release func.
func (l *userLocks) lock(userID uint64) func() {
	l.mu.Lock()
	entry, ok := l.entries[userID]
	if !ok {
		entry = &userLock{}
		l.entries[userID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.entries, userID)
		}
		l.mu.Unlock()
	}
}
