package sync

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// LazyState is the lifecycle of a Lazy initializer.
type LazyState int

const (
	LazyUninitialized LazyState = iota
	LazyInitializing
	LazyReady
	LazyFailed
)

func (s LazyState) String() string {
	switch s {
	case LazyInitializing:
		return "initializing"
	case LazyReady:
		return "ready"
	case LazyFailed:
		return "failed"
	}
	return "uninitialized"
}

// Lazy runs an initializer at most once at a time. Concurrent first callers share the single
// in-flight attempt; a failed attempt is retried by the next caller.
type Lazy struct {
	init  func(ctx context.Context) error
	group singleflight.Group

	mu    sync.Mutex
	state LazyState
	err   error
}

// NewLazy wraps init.
func NewLazy(init func(ctx context.Context) error) *Lazy {
	return &Lazy{init: init}
}

// Do returns nil once the initializer has succeeded. The initializer runs detached from
// the caller's cancellation, since every concurrent caller shares its outcome; a caller
// whose ctx ends first gets ctx.Err() while the attempt carries on for the others.
func (l *Lazy) Do(ctx context.Context) error {
	l.mu.Lock()
	if l.state == LazyReady {
		l.mu.Unlock()
		return nil
	}
	l.state = LazyInitializing
	l.mu.Unlock()

	initCtx := context.WithoutCancel(ctx)
	ch := l.group.DoChan("init", func() (interface{}, error) {
		// Double check: another flight may have finished between our state read and Do.
		l.mu.Lock()
		if l.state == LazyReady {
			l.mu.Unlock()
			return nil, nil
		}
		l.mu.Unlock()

		err := l.init(initCtx)

		l.mu.Lock()
		if err != nil {
			l.state = LazyFailed
		} else {
			l.state = LazyReady
		}
		l.err = err
		l.mu.Unlock()
		return nil, err
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current state and the error of the last failed attempt.
func (l *Lazy) State() (LazyState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state, l.err
}

// Reset returns the initializer to the uninitialized state.
func (l *Lazy) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = LazyUninitialized
	l.err = nil
}
