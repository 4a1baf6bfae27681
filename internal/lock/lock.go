// Package lock provides named mutual exclusion with bounded waits, either
// inside one process or across processes through Redis.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned when a lock could not be acquired before the
// context deadline. Callers treat it as skip-and-retry.
var ErrTimeout = errors.New("lock acquisition timed out")

type Locker interface {
	// Acquire blocks until the named lock is held or ctx is done. ttl bounds
	// how long a crashed holder can keep the lock.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

type Lease interface {
	Release(ctx context.Context) error
}

// Local is an in-process Locker.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

func (l *Local) Acquire(ctx context.Context, key string, _ time.Duration) (Lease, error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		return &localLease{l: l, key: key, s: s}, nil
	case <-ctx.Done():
		l.drop(key, s)
		return nil, ErrTimeout
	}
}

func (l *Local) drop(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

type localLease struct {
	l    *Local
	key  string
	s    *slot
	once sync.Once
}

func (ll *localLease) Release(context.Context) error {
	ll.once.Do(func() {
		<-ll.s.ch
		ll.l.drop(ll.key, ll.s)
	})
	return nil
}

// With runs fn while holding key, waiting at most wait for the lock.
func With(ctx context.Context, l Locker, key string, wait, ttl time.Duration, fn func() error) error {
	acqCtx, cancel := context.WithTimeout(ctx, wait)
	lease, err := l.Acquire(acqCtx, key, ttl)
	cancel()
	if err != nil {
		return err
	}
	defer lease.Release(context.WithoutCancel(ctx))
	return fn()
}
