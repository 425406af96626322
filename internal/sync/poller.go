package sync

import (
	"sync"
	"time"
)

// Poller runs keyed functions on a fixed interval until stopped.
type Poller struct {
	mu       sync.Mutex
	interval time.Duration
	active   map[string]chan struct{}
}

// NewPoller creates a Poller with the given interval
func NewPoller(interval time.Duration) *Poller {
	return &Poller{
		interval: interval,
		active:   make(map[string]chan struct{}),
	}
}

// Start begins calling fn every interval for key. It is a no-op if key is already polling.
func (p *Poller) Start(key string, fn func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.active[key]; ok {
		return false
	}

	stop := make(chan struct{})
	p.active[key] = stop

	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				select {
				case <-stop:
					return
				default:
				}
				fn()
			}
		}
	}()
	return true
}

// Stop cancels polling for key if it exists
func (p *Poller) Stop(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if stop, ok := p.active[key]; ok {
		close(stop)
		delete(p.active, key)
	}
}

// Active reports whether key is polling.
func (p *Poller) Active(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[key]
	return ok
}

// StopAll cancels every poll.
func (p *Poller) StopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, stop := range p.active {
		close(stop)
		delete(p.active, key)
	}
}
