// Package locker serializes workflow runs per request id.
package locker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/c360studio/atelier/metrics"
)

// ErrNotAcquired is returned when a lock could not be taken before the
// context ended.
var ErrNotAcquired = errors.New("lock not acquired")

// Unlock releases a held lock. Calling it more than once is a no-op.
type Unlock func()

// Locker hands out exclusive locks by key. Lock blocks until the lock is
// held or ctx is done.
type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}

// LocalLocker is an in-process keyed mutex. Entries are dropped once no
// caller holds or waits on them.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

var _ Locker = (*LocalLocker)(nil)

// NewLocalLocker creates an empty keyed mutex.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyLock)}
}

// Lock implements Locker.
func (l *LocalLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	kl := l.ref(key)

	select {
	case kl.sem <- struct{}{}:
		return l.unlocker(key, kl), nil
	default:
	}

	metrics.RecordLockContention()
	select {
	case kl.sem <- struct{}{}:
		return l.unlocker(key, kl), nil
	case <-ctx.Done():
		l.unref(key, kl)
		return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
	}
}

func (l *LocalLocker) unlocker(key string, kl *keyLock) Unlock {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.sem
			l.unref(key, kl)
		})
	}
}

func (l *LocalLocker) ref(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	return kl
}

func (l *LocalLocker) unref(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// size returns the number of tracked keys.
func (l *LocalLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
