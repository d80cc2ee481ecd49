package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// userLocks hands out one binary semaphore per user id. Entries are reference
// counted and dropped once nobody holds or waits for them, so the map only
// grows with concurrent users, not with every user ever seen.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	sem  *semaphore.Weighted
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*userLock)}
}

func (l *userLocks) ref(userID string) *userLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	ul, ok := l.locks[userID]
	if !ok {
		ul = &userLock{sem: semaphore.NewWeighted(1)}
		l.locks[userID] = ul
	}
	ul.refs++
	return ul
}

func (l *userLocks) unref(userID string, ul *userLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ul.refs--
	if ul.refs == 0 {
		delete(l.locks, userID)
	}
}

// acquire waits up to wait for the user's lock. A timeout is reported as
// ErrLockContention; cancellation of ctx itself is returned as is.
func (l *userLocks) acquire(ctx context.Context, userID string, wait time.Duration) (func(), error) {
	ul := l.ref(userID)
	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := ul.sem.Acquire(wctx, 1); err != nil {
		l.unref(userID, ul)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: user %s after %s", ErrLockContention, userID, wait)
		}
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			ul.sem.Release(1)
			l.unref(userID, ul)
		})
	}, nil
}

// size is the number of live entries, for tests.
func (l *userLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

type heldLockKey struct{ userID string }

func withHeldLock(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, heldLockKey{userID}, true)
}

func holdsLock(ctx context.Context, userID string) bool {
	v, _ := ctx.Value(heldLockKey{userID}).(bool)
	return v
}
