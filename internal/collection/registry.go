package collection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"pr-hostdata-cache/internal/domain"
	"pr-hostdata-cache/internal/metrics"
	"pr-hostdata-cache/internal/storage"
	xsync "pr-hostdata-cache/internal/sync"
	"pr-hostdata-cache/internal/types"

	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL           = 24 * time.Hour
	DefaultSweepInterval = 60 * time.Second
)

// QuotaPolicy decides what a write does when the backend reports exhausted storage.
type QuotaPolicy int

const (
	// QuotaSkip keeps the record in memory for this session and drops only the persisted write.
	QuotaSkip QuotaPolicy = iota
	// QuotaFallback migrates every collection to memory and retries the write there.
	QuotaFallback
)

func (p QuotaPolicy) String() string {
	if p == QuotaFallback {
		return "fallback"
	}
	return "skip"
}

// Options configures a Registry.
type Options struct {
	TTL           time.Duration
	SweepInterval time.Duration
	// Open creates the durable backend. Nil, or an error from Open, selects memory storage.
	Open storage.Opener
	Now  func() time.Time
}

// Registry owns one Collection per record kind and the backend behind them.
type Registry struct {
	opts  Options
	ready *xsync.Lazy
	locks *xsync.KeyLock

	mu          sync.RWMutex
	backend     storage.Backend
	collections map[domain.Kind]*Collection

	fallback singleflight.Group
	version  atomic.Int64
	watchers xsync.Listeners

	lastSweep atomic.Int64
}

// New creates a Registry. Storage is opened on the first call that needs it.
func New(opts Options) *Registry {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := &Registry{
		opts:        opts,
		locks:       xsync.NewKeyLock(),
		collections: make(map[domain.Kind]*Collection, len(domain.Kinds)),
	}
	for _, kind := range domain.Kinds {
		r.collections[kind] = newCollection(kind)
	}
	r.ready = xsync.NewLazy(r.open)
	return r
}

// EnsureReady opens storage and loads persisted records. It is safe to call concurrently;
// callers arriving during a cold start share the one in-flight initialization.
func (r *Registry) EnsureReady(ctx context.Context) error {
	return r.ready.Do(ctx)
}

// Ready reports whether storage has been opened.
func (r *Registry) Ready() bool {
	state, _ := r.ready.State()
	return state == xsync.LazyReady
}

// TTL returns the record lifetime.
func (r *Registry) TTL() time.Duration { return r.opts.TTL }

func (r *Registry) open(ctx context.Context) error {
	backend := r.openBackend(ctx)

	loaded, err := loadAll(ctx, backend)
	if err != nil && backend.Mode() == storage.ModeDurable {
		slog.Warn("load durable collections failed, using memory storage", "error", err)
		if cerr := backend.Close(); cerr != nil {
			slog.Warn("close durable backend failed", "error", cerr)
		}
		backend = storage.NewMemoryBackend()
		loaded, err = nil, nil
	}
	if err != nil {
		return fmt.Errorf("load collections: %w", err)
	}

	r.mu.Lock()
	r.backend = backend
	colls := make([]*Collection, 0, len(r.collections))
	for _, kind := range domain.Kinds {
		coll := r.collections[kind]
		coll.replace(loaded[kind])
		colls = append(colls, coll)
	}
	r.mu.Unlock()

	for _, coll := range colls {
		coll.notify()
	}

	slog.Info("host data storage ready", "mode", backend.Mode())

	if _, err := r.sweep(ctx, r.opts.Now(), "ready"); err != nil {
		slog.Warn("initial sweep failed", "error", err)
	}
	return nil
}

func (r *Registry) openBackend(ctx context.Context) storage.Backend {
	if r.opts.Open == nil {
		return storage.NewMemoryBackend()
	}
	backend, err := r.opts.Open(ctx)
	if err != nil {
		slog.Warn("open durable storage failed, using memory storage", "error", err)
		return storage.NewMemoryBackend()
	}
	return backend
}

func loadAll(ctx context.Context, backend storage.Backend) (map[domain.Kind][]stored, error) {
	loaded := make(map[domain.Kind][]stored, len(domain.Kinds))
	for _, kind := range domain.Kinds {
		entries, err := backend.Load(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", kind, err)
		}
		for _, e := range entries {
			s, err := load(kind, e)
			if err != nil {
				slog.Warn("discarding unreadable record", "kind", kind, "id", e.ID, "error", err)
				continue
			}
			loaded[kind] = append(loaded[kind], s)
		}
	}
	return loaded, nil
}

// Collection returns the current collection for kind. The instance changes after a fallback;
// SubscribeVersion reports when to look it up again.
func (r *Registry) Collection(kind domain.Kind) *Collection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collections[kind]
}

// Mode reports the active backend mode, or "" before storage is ready.
func (r *Registry) Mode() storage.Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.backend == nil {
		return ""
	}
	return r.backend.Mode()
}

// Version increases every time the collections are replaced.
func (r *Registry) Version() int64 { return r.version.Load() }

// SubscribeVersion registers fn to be called after the collections are replaced.
func (r *Registry) SubscribeVersion(fn func()) (unsubscribe func()) {
	return r.watchers.Add(fn)
}

// Upsert normalizes rec and writes it. The caller's value is not retained.
func (r *Registry) Upsert(ctx context.Context, rec domain.Record, policy QuotaPolicy) error {
	if err := r.EnsureReady(ctx); err != nil {
		return err
	}

	kind := rec.Kind()
	if kind.WriteHeavy() {
		r.maybeSweep(ctx)
	}

	if err := Normalize(rec, r.opts.Now(), r.opts.TTL); err != nil {
		metrics.CacheWrites.WithLabelValues(string(kind), "dropped").Inc()
		slog.Warn("record dropped", "kind", kind, "error", err)
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	own, err := decode(kind, data)
	if err != nil {
		return err
	}
	return r.write(ctx, kind, stored{rec: own, data: data}, policy)
}

// Update runs a read-modify-write of one record. fn receives a private copy of the current
// record, or nil when absent, and returns the record to write; nil writes nothing.
// Updates of the same record are serialized.
func (r *Registry) Update(ctx context.Context, kind domain.Kind, id string, policy QuotaPolicy, fn func(current domain.Record) (domain.Record, error)) error {
	if err := r.EnsureReady(ctx); err != nil {
		return err
	}

	key := string(kind) + "|" + id
	r.locks.Lock(key)
	defer r.locks.Unlock(key)

	current, err := r.Collection(kind).clone(id)
	if err != nil {
		slog.Warn("current record unreadable, replacing", "kind", kind, "id", id, "error", err)
		current = nil
	}
	next, err := fn(current)
	if err != nil || next == nil {
		return err
	}
	return r.Upsert(ctx, next, policy)
}

func (r *Registry) write(ctx context.Context, kind domain.Kind, s stored, policy QuotaPolicy) error {
	id := s.rec.RecordMeta().ID

	coll, err := r.put(ctx, kind, s)
	if err == nil {
		coll.notify()
		metrics.CacheWrites.WithLabelValues(string(kind), "ok").Inc()
		return nil
	}
	if !types.IsQuotaExceeded(err) {
		metrics.CacheWrites.WithLabelValues(string(kind), "error").Inc()
		return fmt.Errorf("upsert %s %s: %w", kind, id, err)
	}

	if policy == QuotaSkip {
		slog.Warn("storage quota exceeded, write not persisted", "kind", kind, "id", id, "error", err)
		coll := r.setLocal(kind, s)
		coll.notify()
		metrics.CacheWrites.WithLabelValues(string(kind), "skipped").Inc()
		return nil
	}

	slog.Warn("storage quota exceeded, falling back to memory storage", "kind", kind, "id", id, "error", err)
	if err := r.Fallback(ctx); err != nil {
		metrics.CacheWrites.WithLabelValues(string(kind), "error").Inc()
		return fmt.Errorf("fallback: %w", err)
	}

	coll, err = r.put(ctx, kind, s)
	if err != nil {
		metrics.CacheWrites.WithLabelValues(string(kind), "error").Inc()
		return fmt.Errorf("upsert %s %s after fallback: %w", kind, id, err)
	}
	coll.notify()
	metrics.CacheWrites.WithLabelValues(string(kind), "ok").Inc()
	return nil
}

// put persists then updates the collection, both against the same backend generation.
func (r *Registry) put(ctx context.Context, kind domain.Kind, s stored) (*Collection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.backend == nil {
		return nil, errClosed
	}
	if err := r.backend.Put(ctx, kind, s.entry()); err != nil {
		return nil, err
	}
	coll := r.collections[kind]
	coll.set(s)
	return coll, nil
}

func (r *Registry) setLocal(kind domain.Kind, s stored) *Collection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	coll := r.collections[kind]
	coll.set(s)
	return coll
}

// Delete removes one record.
func (r *Registry) Delete(ctx context.Context, kind domain.Kind, id string) error {
	if err := r.EnsureReady(ctx); err != nil {
		return err
	}

	r.mu.RLock()
	if r.backend == nil {
		r.mu.RUnlock()
		return errClosed
	}
	if err := r.backend.Delete(ctx, kind, id); err != nil {
		r.mu.RUnlock()
		return fmt.Errorf("delete %s %s: %w", kind, id, err)
	}
	coll := r.collections[kind]
	removed := coll.remove(id)
	r.mu.RUnlock()

	if removed {
		coll.notify()
	}
	return nil
}

// Fallback migrates every record to memory storage and retires the durable backend.
// Concurrent callers share one migration; once in memory mode it is a no-op.
func (r *Registry) Fallback(ctx context.Context) error {
	if err := r.EnsureReady(ctx); err != nil {
		return err
	}

	_, err, _ := r.fallback.Do("fallback", func() (interface{}, error) {
		r.mu.Lock()
		if r.backend == nil {
			r.mu.Unlock()
			return nil, errClosed
		}
		if r.backend.Mode() == storage.ModeMemory {
			r.mu.Unlock()
			return nil, nil
		}

		old := r.backend
		mem := storage.NewMemoryBackend()
		next := make(map[domain.Kind]*Collection, len(r.collections))
		migrated := 0
		for _, kind := range domain.Kinds {
			items := r.collections[kind].all()
			for _, s := range items {
				if err := mem.Put(ctx, kind, s.entry()); err != nil {
					r.mu.Unlock()
					return nil, fmt.Errorf("rehydrate %s: %w", kind, err)
				}
			}
			coll := newCollection(kind)
			coll.replace(items)
			next[kind] = coll
			migrated += len(items)
		}
		r.backend = mem
		r.collections = next
		r.mu.Unlock()

		if err := old.Close(); err != nil {
			slog.Warn("close durable backend failed", "error", err)
		}

		version := r.version.Add(1)
		metrics.QuotaFallbacks.Inc()
		slog.Warn("host data storage switched to memory", "records", migrated, "version", version)

		r.watchers.Notify()
		return nil, nil
	})
	return err
}

// Close releases the backend.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.backend == nil {
		return nil
	}
	err := r.backend.Close()
	r.backend = nil
	return err
}

var errClosed = errors.New("registry closed")
