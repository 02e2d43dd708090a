// Package lock provides keyed mutual exclusion for room mutations and the per-room
// generation single-flight guard.
package lock

import (
	"context"
	"errors"
	"sync"
)

// Locker serialises work per key.
type Locker interface {
	// Lock blocks until key is held or ctx is done.
	Lock(ctx context.Context, key string) (unlock func(), err error)
	// TryLock acquires key without waiting; ok is false when it is already held.
	TryLock(ctx context.Context, key string) (unlock func(), ok bool, err error)
}

var ErrNotHeld = errors.New("lock: not held")

type entry struct {
	ch   chan struct{}
	refs int
}

// Local is an in-process Locker. It is correct for a single server instance.
type Local struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewLocal() *Local {
	return &Local{entries: make(map[string]*entry)}
}

func (l *Local) acquireEntry(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *Local) releaseEntry(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

func (l *Local) unlocker(key string, e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.releaseEntry(key, e)
		})
	}
}

func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	e := l.acquireEntry(key)
	select {
	case e.ch <- struct{}{}:
		return l.unlocker(key, e), nil
	case <-ctx.Done():
		l.releaseEntry(key, e)
		return nil, ctx.Err()
	}
}

func (l *Local) TryLock(ctx context.Context, key string) (func(), bool, error) {
	_ = ctx
	e := l.acquireEntry(key)
	select {
	case e.ch <- struct{}{}:
		return l.unlocker(key, e), true, nil
	default:
		l.releaseEntry(key, e)
		return nil, false, nil
	}
}
