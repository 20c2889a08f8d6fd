package attendance

import (
	"context"
	"sort"
	"sync"
)

// memberLocks hands out one mutex per member id. Waiters on the same id are
// queued on a buffered channel, so they are served in arrival order and can
// give up when their context ends. Entries are reference counted and removed
// once nobody holds or waits on them.
type memberLocks struct {
	mu    sync.Mutex
	locks map[string]*memberLock
}

type memberLock struct {
	sem  chan struct{}
	refs int
}

func newMemberLocks() *memberLocks {
	return &memberLocks{locks: make(map[string]*memberLock)}
}

// acquire blocks until the lock for id is held or ctx is done.
func (l *memberLocks) acquire(ctx context.Context, id string) (func(), error) {
	l.mu.Lock()
	ml, ok := l.locks[id]
	if !ok {
		ml = &memberLock{sem: make(chan struct{}, 1)}
		l.locks[id] = ml
	}
	ml.refs++
	l.mu.Unlock()

	select {
	case ml.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(id, ml)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-ml.sem
			l.release(id, ml)
		})
	}, nil
}

// acquireAll locks several ids in sorted order so two callers locking the
// same pair cannot deadlock.
func (l *memberLocks) acquireAll(ctx context.Context, ids ...string) (func(), error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	var unlocks []func()
	unlockAll := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for i, id := range sorted {
		if i > 0 && sorted[i-1] == id {
			continue
		}
		unlock, err := l.acquire(ctx, id)
		if err != nil {
			unlockAll()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return unlockAll, nil
}

func (l *memberLocks) release(id string, ml *memberLock) {
	l.mu.Lock()
	ml.refs--
	if ml.refs == 0 {
		delete(l.locks, id)
	}
	l.mu.Unlock()
}

func (l *memberLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
