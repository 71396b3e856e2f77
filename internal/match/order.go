package match

import "sync"

// matchLocks hands out one mutex per match id. Holding it across a commit and
// its publish keeps listeners seeing that match's changes in commit order.
type matchLocks struct {
	mu    sync.Mutex
	locks map[uint64]*matchLock
}

type matchLock struct {
	sync.Mutex
	refs int
}

func newMatchLocks() *matchLocks {
	return &matchLocks{locks: make(map[uint64]*matchLock)}
}

// lock blocks until id is free and returns its release func.
func (l *matchLocks) lock(id uint64) func() {
	l.mu.Lock()
	ml, ok := l.locks[id]
	if !ok {
		ml = &matchLock{}
		l.locks[id] = ml
	}
	ml.refs++
	l.mu.Unlock()

	ml.Lock()
	return func() {
		ml.Unlock()

		l.mu.Lock()
		ml.refs--
		if ml.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *matchLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
