package usecase

import (
	"context"
	"sync"
)

// ThreadLocker serializes turns per thread ID. Two concurrent requests
// for the same thread run one after the other; different threads never
// contend. Waiters honor context cancellation.
type ThreadLocker struct {
	mu    sync.Mutex
	locks map[string]*threadLock
}

type threadLock struct {
	sem  chan struct{}
	refs int
}

func NewThreadLocker() *ThreadLocker {
	return &ThreadLocker{locks: make(map[string]*threadLock)}
}

// Acquire blocks until the thread's lock is held or ctx is done. On
// success the returned release function must be called exactly once.
func (l *ThreadLocker) Acquire(ctx context.Context, threadID string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.locks[threadID]
	if !ok {
		entry = &threadLock{sem: make(chan struct{}, 1)}
		l.locks[threadID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
		return func() {
			<-entry.sem
			l.put(threadID, entry)
		}, nil
	case <-ctx.Done():
		l.put(threadID, entry)
		return nil, ctx.Err()
	}
}

func (l *ThreadLocker) put(threadID string, entry *threadLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, threadID)
	}
}
