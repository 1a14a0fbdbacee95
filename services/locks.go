package services

import "sync"

// userLocks serializes balance-mutating operations per user. Entries are reference
// counted so the map only holds users with an operation in flight.
type userLocks struct {
	mu sync.Mutex
	m  map[uint]*userLock
}

type userLock struct {
	sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{m: make(map[uint]*userLock)}
}

// Lock blocks until the caller holds userID's lock and returns the release func.
func (l *userLocks) Lock(userID uint) func() {
	l.mu.Lock()
	ul, ok := l.m[userID]
	if !ok {
		ul = &userLock{}
		l.m[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.Lock()
	return func() {
		ul.Unlock()
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.m, userID)
		}
		l.mu.Unlock()
	}
}
