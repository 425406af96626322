package scope

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pr-hostdata-cache/internal/collection"
	"pr-hostdata-cache/internal/domain"
	"pr-hostdata-cache/internal/metrics"
	xsync "pr-hostdata-cache/internal/sync"
	"pr-hostdata-cache/internal/types"
)

// deferredSuffix names the sub-scope used to track the deferred bundle stage.
const deferredSuffix = ":deferred"

// errStale aborts the writes of a refetch that has been superseded.
var errStale = errors.New("stale refetch")

// RefetchOptions controls a single refetch.
type RefetchOptions struct {
	// ThrowOnError returns the fetch error to the caller in addition to recording it.
	ThrowOnError bool
}

// PartialStageError reports a deferred stage failure after the critical stage was written.
// It is recorded as the scope's last error but never returned from Refetch.
type PartialStageError struct {
	Err error
}

func (e *PartialStageError) Error() string {
	return fmt.Sprintf("deferred stage failed: %v", e.Err)
}

func (e *PartialStageError) Unwrap() error {
	return e.Err
}

// fetchFunc performs one refetch, writing through w, and returns the ids of the result.
// A nil id slice leaves the previously committed result in place.
type fetchFunc func(ctx context.Context, w *writer) ([]string, error)

// core is the kind independent part of a scope.
type core struct {
	id string
	// instance tells apart scopes that share id, such as an evicted scope and its successor.
	instance uint64
	kind     domain.Kind
	label    string
	mgr      *Manager
	fetch    fetchFunc

	coll atomic.Pointer[collection.Collection]

	serial   atomic.Uint64
	commitMu sync.Mutex

	mu        sync.Mutex
	inflight  int
	lastErr   error
	updatedAt int64
	ids       []string
	committed bool
	closed    bool
	tracked   bool
	stateRev  uint64
	unsubColl func()

	listeners xsync.Listeners
}

// ID returns the canonical scope key.
func (c *core) ID() string { return c.id }

// Kind returns the record kind the scope reads.
func (c *core) Kind() domain.Kind { return c.kind }

// Collection returns the collection currently backing the scope.
func (c *core) Collection() *collection.Collection { return c.coll.Load() }

// LastError returns the error of the most recent committed refetch, or nil.
func (c *core) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// IsFetching reports whether a refetch is in flight.
func (c *core) IsFetching() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight > 0
}

// DataUpdatedAt returns when the last result was committed, in epoch milliseconds, or 0.
func (c *core) DataUpdatedAt() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updatedAt
}

// Subscribe registers fn to be called when the scope state or its collection changes.
func (c *core) Subscribe(fn func()) (unsubscribe func()) {
	return c.listeners.Add(fn)
}

// Close stops tracking the scope. Persisted records are left in place.
func (c *core) Close() {
	c.mgr.release(c)
}

// Refetch loads the scope from the provider and writes the result through the registry.
// Overlapping calls all run to completion; only the latest call's result is committed.
func (c *core) Refetch(ctx context.Context, opts RefetchOptions) error {
	serial := c.serial.Add(1)
	c.begin()

	start := time.Now()
	ids, err := c.fetch(ctx, &writer{core: c, serial: serial})
	metrics.RefetchDuration.WithLabelValues(string(c.kind)).Observe(time.Since(start).Seconds())

	current := c.serial.Load() == serial && !errors.Is(err, errStale)
	c.end(current, ids, err)

	if !current {
		metrics.Refetches.WithLabelValues(string(c.kind), "discarded").Inc()
		return nil
	}
	if err != nil {
		metrics.Refetches.WithLabelValues(string(c.kind), "error").Inc()
		var partial *PartialStageError
		if opts.ThrowOnError && !errors.As(err, &partial) {
			return err
		}
		return nil
	}
	metrics.Refetches.WithLabelValues(string(c.kind), "committed").Inc()
	return nil
}

func (c *core) begin() {
	c.mu.Lock()
	c.inflight++
	first := c.inflight == 1
	c.stateRev++
	c.mu.Unlock()

	if first {
		c.mgr.activity.Start(c.id, c.label)
	}
	c.listeners.Notify()
}

func (c *core) end(current bool, ids []string, err error) {
	c.mu.Lock()
	c.inflight--
	idle := c.inflight == 0
	if current {
		c.lastErr = err
		if ids != nil {
			c.ids = ids
			c.committed = true
			c.updatedAt = c.mgr.now().UnixMilli()
		}
	}
	c.stateRev++
	c.mu.Unlock()

	if idle {
		c.mgr.activity.End(c.id)
	}
	c.listeners.Notify()
}

func (c *core) view() (committed bool, ids []string, rev uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committed, c.ids, c.stateRev
}

func (c *core) pollKey() string {
	return fmt.Sprintf("%s#%d", c.id, c.instance)
}

func (c *core) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// markTracked records that the scope holds an activity registration, unless it was
// already torn down.
func (c *core) markTracked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.tracked = true
	return true
}

// rebind points the scope at coll, the collection of its kind after a storage switch.
func (c *core) rebind(coll *collection.Collection) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	old := c.unsubColl
	c.coll.Store(coll)
	c.unsubColl = coll.Subscribe(c.listeners.Notify)
	c.stateRev++
	c.mu.Unlock()

	if old != nil {
		old()
	}
	c.listeners.Notify()
}

// teardown drops the scope's bookkeeping. It runs when the scope leaves its tracker.
// A refetch still in flight clears its own activity marks when it finishes.
func (c *core) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsub := c.unsubColl
	c.unsubColl = nil
	tracked := c.tracked
	c.tracked = false
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	c.mgr.poller.Stop(c.pollKey())
	if tracked {
		c.mgr.activity.Untrack(c.id)
	}
}

// writer performs the writes of one refetch. Every write is refused once a newer
// refetch of the same scope has started.
type writer struct {
	core   *core
	serial uint64
}

func (w *writer) stale() bool {
	return w.core.serial.Load() != w.serial
}

func (w *writer) upsert(ctx context.Context, rec domain.Record, policy collection.QuotaPolicy) error {
	w.core.commitMu.Lock()
	defer w.core.commitMu.Unlock()
	if w.stale() {
		return errStale
	}
	return w.core.mgr.reg.Upsert(ctx, rec, policy)
}

func (w *writer) update(ctx context.Context, kind domain.Kind, id string, policy collection.QuotaPolicy, fn func(current domain.Record) (domain.Record, error)) error {
	w.core.commitMu.Lock()
	defer w.core.commitMu.Unlock()
	if w.stale() {
		return errStale
	}
	return w.core.mgr.reg.Update(ctx, kind, id, policy, fn)
}

// upsertAll writes every record and returns the ids written. Records without a usable
// key are skipped.
func (w *writer) upsertAll(ctx context.Context, recs []domain.Record, policy collection.QuotaPolicy) ([]string, error) {
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		err := w.upsert(ctx, rec, policy)
		if errors.Is(err, types.ErrSchemaViolation) {
			continue
		}
		if err != nil {
			return nil, err
		}
		ids = append(ids, rec.RecordMeta().ID)
	}
	return ids, nil
}

// Scope is a memoized query over one record kind together with its fetch state.
// Snapshot is its observable view: until the first refetch commits it shows every cached
// record matching the query; afterwards it shows the records of the latest result.
type Scope[T domain.Record] struct {
	*core
	match func(T) bool

	viewMu    sync.Mutex
	snap      []T
	snapColl  *collection.Collection
	snapRev   uint64
	snapState uint64
}

// Snapshot returns the records in view. The slice is shared and must not be modified.
func (s *Scope[T]) Snapshot() []T {
	coll := s.coll.Load()
	rev := coll.Revision()
	committed, ids, state := s.view()

	s.viewMu.Lock()
	defer s.viewMu.Unlock()
	if s.snap != nil && s.snapColl == coll && s.snapRev == rev && s.snapState == state {
		return s.snap
	}

	view := []T{}
	if committed {
		for _, id := range ids {
			if rec, ok := collection.Get[T](coll, id); ok {
				view = append(view, rec)
			}
		}
	} else {
		for _, rec := range coll.Snapshot() {
			if t, ok := rec.(T); ok && s.match(t) {
				view = append(view, t)
			}
		}
	}

	s.snap, s.snapColl, s.snapRev, s.snapState = view, coll, rev, state
	return view
}

// Record returns the first record in view, for scopes that address a single record.
func (s *Scope[T]) Record() (T, bool) {
	var zero T
	view := s.Snapshot()
	if len(view) == 0 {
		return zero, false
	}
	return view[0], true
}
