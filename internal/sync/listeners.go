package sync

import (
	"sync"
)

// Listeners is a set of change callbacks backing the Subscribe half of an observable.
type Listeners struct {
	mu     sync.Mutex
	nextID int
	fns    map[int]func()
}

// Add registers fn and returns the function that removes it.
func (l *Listeners) Add(fn func()) (unsubscribe func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fns == nil {
		l.fns = make(map[int]func())
	}
	id := l.nextID
	l.nextID++
	l.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

// Notify calls every registered listener outside the lock.
func (l *Listeners) Notify() {
	l.mu.Lock()
	fns := make([]func(), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Len returns the number of listeners.
func (l *Listeners) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fns)
}
