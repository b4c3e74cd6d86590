// Package lock serialises work on a named resource, such as assembly for one
// bank or ingestion for one batch.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotObtained is returned when a lock could not be taken before the
// context expired.
var ErrNotObtained = errors.New("lock: not obtained")

// Locker takes exclusive locks by key. The returned func releases the lock and
// must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Local is an in-process Locker. The zero value is ready to use.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

var _ Locker = (*Local)(nil)

func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	s := l.acquireSlot(key)

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.releaseSlot(key, s)
		return nil, fmt.Errorf("%w: %s: %w", ErrNotObtained, key, ctx.Err())
	}

	var once sync.Once

	return func() {
		once.Do(func() {
			<-s.ch
			l.releaseSlot(key, s)
		})
	}, nil
}

func (l *Local) acquireSlot(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.slots == nil {
		l.slots = make(map[string]*slot)
	}

	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}

	s.refs++

	return s
}

func (l *Local) releaseSlot(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}
