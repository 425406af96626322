package filter

import (
	"fmt"
	"sort"
	"sync"

	"pr-hostdata-cache/internal/config"
)

// Chain runs response filters in order. The zero value passes payloads through.
type Chain struct {
	filters []ResponseFilter
}

// NewChain creates a Chain of filters.
func NewChain(filters ...ResponseFilter) *Chain {
	return &Chain{filters: filters}
}

// Filter feeds payload through every filter of the chain.
func (c *Chain) Filter(toolName string, payload []byte) []byte {
	for _, f := range c.filters {
		payload = f.Filter(toolName, payload)
	}
	return payload
}

// Len returns the number of filters.
func (c *Chain) Len() int {
	return len(c.filters)
}

// Add appends f.
func (c *Chain) Add(f ResponseFilter) {
	c.filters = append(c.filters, f)
}

// Extend appends the registered filters named in filters, in order.
func (c *Chain) Extend(filters []config.FilterConfig) error {
	for _, fc := range filters {
		f, err := Create(fc.Name, fc.Options)
		if err != nil {
			return err
		}
		c.Add(f)
	}
	return nil
}

// Factory builds a response filter from its config options.
type Factory func(options map[string]interface{}) (ResponseFilter, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes a filter available to config under name. It is meant to be called from init.
func Register(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// Names returns the registered filter names.
func Names() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create builds the filter registered under name.
func Create(name string, options map[string]interface{}) (ResponseFilter, error) {
	factoriesMu.RLock()
	factory, ok := factories[name]
	factoriesMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("filter not found: %s (registered: %v)", name, Names())
	}
	f, err := factory(options)
	if err != nil {
		return nil, fmt.Errorf("create filter %s: %w", name, err)
	}
	return f, nil
}
