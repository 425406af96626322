package collection

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"pr-hostdata-cache/internal/domain"
	"pr-hostdata-cache/internal/storage"
	xsync "pr-hostdata-cache/internal/sync"
	"pr-hostdata-cache/internal/types"

	"github.com/tidwall/gjson"
)

// stored pairs a decoded record with the exact bytes persisted for it.
type stored struct {
	rec  domain.Record
	data []byte
}

func (s stored) entry() storage.Entry {
	m := s.rec.RecordMeta()
	return storage.Entry{ID: m.ID, FetchedAt: m.FetchedAt, ExpiresAt: m.ExpiresAt, Data: s.data}
}

// Collection is the in-process view of one record kind. It is observable: Subscribe
// registers a change listener and Snapshot returns an immutable, id-ordered view.
//
// Records returned by Get and Snapshot are shared and must not be mutated.
type Collection struct {
	kind domain.Kind

	mu      sync.RWMutex
	records map[string]stored
	rev     uint64
	snap    []domain.Record
	snapRev uint64

	listeners xsync.Listeners
}

func newCollection(kind domain.Kind) *Collection {
	return &Collection{kind: kind, records: make(map[string]stored)}
}

// Kind returns the record kind held by the collection.
func (c *Collection) Kind() domain.Kind { return c.kind }

// Get returns the record with the given id.
func (c *Collection) Get(id string) (domain.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.records[id]
	return s.rec, ok
}

// Snapshot returns every record ordered by id. The slice is rebuilt only after a change.
func (c *Collection) Snapshot() []domain.Record {
	c.mu.RLock()
	if c.snap != nil && c.snapRev == c.rev {
		defer c.mu.RUnlock()
		return c.snap
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snap != nil && c.snapRev == c.rev {
		return c.snap
	}
	ids := make([]string, 0, len(c.records))
	for id := range c.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	snap := make([]domain.Record, 0, len(ids))
	for _, id := range ids {
		snap = append(snap, c.records[id].rec)
	}
	c.snap = snap
	c.snapRev = c.rev
	return snap
}

// Filter returns the records matching fn, ordered by id.
func (c *Collection) Filter(fn func(domain.Record) bool) []domain.Record {
	var out []domain.Record
	for _, rec := range c.Snapshot() {
		if fn(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// Subscribe registers fn to be called after every change.
func (c *Collection) Subscribe(fn func()) (unsubscribe func()) {
	return c.listeners.Add(fn)
}

// Len returns the number of records.
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Revision increases with every change.
func (c *Collection) Revision() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rev
}

// Get returns the record with the given id as its concrete type.
func Get[T domain.Record](c *Collection, id string) (T, bool) {
	var zero T
	rec, ok := c.Get(id)
	if !ok {
		return zero, false
	}
	t, ok := rec.(T)
	return t, ok
}

func (c *Collection) notify() { c.listeners.Notify() }

func (c *Collection) set(s stored) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[s.rec.RecordMeta().ID] = s
	c.rev++
}

func (c *Collection) remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.records[id]; !ok {
		return false
	}
	delete(c.records, id)
	c.rev++
	return true
}

func (c *Collection) removeExpired(now int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, s := range c.records {
		if s.rec.RecordMeta().ExpiresAt <= now {
			delete(c.records, id)
			removed++
		}
	}
	if removed > 0 {
		c.rev++
	}
	return removed
}

func (c *Collection) clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.records)
	c.records = make(map[string]stored)
	c.rev++
	return n
}

func (c *Collection) replace(items []stored) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = make(map[string]stored, len(items))
	for _, s := range items {
		c.records[s.rec.RecordMeta().ID] = s
	}
	c.rev++
}

func (c *Collection) all() []stored {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]stored, 0, len(c.records))
	for _, s := range c.records {
		out = append(out, s)
	}
	return out
}

// clone decodes a private copy of the record so callers may modify it.
func (c *Collection) clone(id string) (domain.Record, error) {
	c.mu.RLock()
	s, ok := c.records[id]
	c.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return decode(c.kind, s.data)
}

func (c *Collection) stats(now int64) CollectionStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := CollectionStats{Kind: c.kind, Count: len(c.records)}
	first := true
	for _, s := range c.records {
		m := s.rec.RecordMeta()
		st.ApproxBytes += len(s.data)
		if m.ExpiresAt <= now {
			st.ExpiredNotSwept++
		}
		if first {
			st.OldestFetchedAt, st.NewestFetchedAt = m.FetchedAt, m.FetchedAt
			st.OldestExpiresAt, st.NewestExpiresAt = m.ExpiresAt, m.ExpiresAt
			first = false
			continue
		}
		st.OldestFetchedAt = min(st.OldestFetchedAt, m.FetchedAt)
		st.NewestFetchedAt = max(st.NewestFetchedAt, m.FetchedAt)
		st.OldestExpiresAt = min(st.OldestExpiresAt, m.ExpiresAt)
		st.NewestExpiresAt = max(st.NewestExpiresAt, m.ExpiresAt)
	}
	return st
}

func decode(kind domain.Kind, data []byte) (domain.Record, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: %s payload is not valid json", types.ErrSchemaViolation, kind)
	}
	rec := domain.New(kind)
	if rec == nil {
		return nil, fmt.Errorf("unknown record kind: %s", kind)
	}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", types.ErrSchemaViolation, kind, err)
	}
	return rec, nil
}

// load decodes a persisted entry. Rows whose blob disagrees with the row id are rejected.
func load(kind domain.Kind, e storage.Entry) (stored, error) {
	if got := gjson.GetBytes(e.Data, "id").String(); got != e.ID {
		return stored{}, fmt.Errorf("%w: %s row %q holds record %q", types.ErrSchemaViolation, kind, e.ID, got)
	}
	rec, err := decode(kind, e.Data)
	if err != nil {
		return stored{}, err
	}
	m := rec.RecordMeta()
	m.FetchedAt, m.ExpiresAt = e.FetchedAt, e.ExpiresAt
	return stored{rec: rec, data: e.Data}, nil
}
