// Package lock provides single-writer exclusion per submission record.
package lock

import (
	"context"
	"fmt"
	"sync"

	"github.com/rezonia/nfse-submitter/internal/model"
)

// Locker grants exclusive access to a key. Acquire blocks until the key is
// free or ctx is done, in which case it returns an error wrapping
// model.ErrLockNotAcquired.
type Locker interface {
	Acquire(ctx context.Context, key string) (Lease, error)
}

// Lease is a held lock
type Lease interface {
	Release(ctx context.Context) error
}

// Local is an in-process keyed mutex
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

var _ Locker = (*Local)(nil)

// NewLocal creates an in-process locker
func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

// Acquire implements Locker
func (l *Local) Acquire(ctx context.Context, key string) (Lease, error) {
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
		l.unref(key, s)
		return nil, NotAcquired(key, ctx.Err())
	}
}

func (l *Local) unref(key string, s *slot) {
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
		ll.l.unref(ll.key, ll.s)
	})
	return nil
}

// NotAcquired wraps cause so errors.Is matches both model.ErrLockNotAcquired and cause
func NotAcquired(key string, cause error) error {
	return fmt.Errorf("lock %s: %w: %w", key, model.ErrLockNotAcquired, cause)
}
