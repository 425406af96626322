package scope

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"pr-hostdata-cache/internal/activity"
	"pr-hostdata-cache/internal/collection"
	"pr-hostdata-cache/internal/domain"
	"pr-hostdata-cache/internal/metrics"
	"pr-hostdata-cache/internal/provider"
	xsync "pr-hostdata-cache/internal/sync"
)

// DefaultPollInterval is how often a bundle with pending builds is refetched.
const DefaultPollInterval = 10 * time.Second

// Options configures a Manager.
type Options struct {
	// Capacity bounds the tracked scopes per record kind.
	Capacity     int
	PollInterval time.Duration
	Now          func() time.Time
}

// Manager hands out memoized scopes, one per canonical query, for every record kind.
type Manager struct {
	reg      *collection.Registry
	provider provider.Client
	activity *activity.Tracker
	poller   *xsync.Poller
	now      func() time.Time

	instances atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc

	repositories  *xsync.Tracker[*Scope[*domain.Repository]]
	pullRequests  *xsync.Tracker[*Scope[*domain.RepoPullRequest]]
	bundles       *xsync.Tracker[*Scope[*domain.PullRequestBundle]]
	fileContexts  *xsync.Tracker[*Scope[*domain.FileContext]]
	fileHistories *xsync.Tracker[*Scope[*domain.FileHistory]]
	commitRanges  *xsync.Tracker[*Scope[*domain.CommitRangeDiff]]

	unsubVersion func()
}

// NewManager creates a Manager writing through reg and reporting fetches to tracker.
func NewManager(reg *collection.Registry, client provider.Client, tracker *activity.Tracker, opts Options) *Manager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		reg:      reg,
		provider: client,
		activity: tracker,
		poller:   xsync.NewPoller(opts.PollInterval),
		now:      opts.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
	m.repositories = newTracker[*domain.Repository](opts.Capacity)
	m.pullRequests = newTracker[*domain.RepoPullRequest](opts.Capacity)
	m.bundles = newTracker[*domain.PullRequestBundle](opts.Capacity)
	m.fileContexts = newTracker[*domain.FileContext](opts.Capacity)
	m.fileHistories = newTracker[*domain.FileHistory](opts.Capacity)
	m.commitRanges = newTracker[*domain.CommitRangeDiff](opts.Capacity)

	m.unsubVersion = reg.SubscribeVersion(m.rebindAll)
	return m
}

func newTracker[T domain.Record](capacity int) *xsync.Tracker[*Scope[T]] {
	return xsync.NewTracker(capacity, func(key string, s *Scope[T]) {
		s.teardown()
		metrics.ScopeEvictions.WithLabelValues(string(s.kind)).Inc()
		slog.Debug("scope released", "scope", key)
	})
}

// obtain returns the tracked scope for key, creating and tracking it on first use.
// Creating a scope past capacity evicts the least recently used scope of the same kind.
func obtain[T domain.Record](m *Manager, t *xsync.Tracker[*Scope[T]], kind domain.Kind, key, label string, match func(T) bool, fetch fetchFunc) *Scope[T] {
	s, created := t.GetOrCreate(key, func() *Scope[T] {
		s := &Scope[T]{
			core:  &core{id: key, instance: m.instances.Add(1), kind: kind, label: label, mgr: m, fetch: fetch},
			match: match,
		}
		// Bound before it is visible to other callers.
		s.rebind(m.reg.Collection(kind))
		return s
	})
	if created {
		m.activity.Track(key)
		if !s.markTracked() {
			// Evicted before Track: teardown had nothing to release.
			m.activity.Untrack(key)
		}
	}
	return s
}

func rebind[T domain.Record](t *xsync.Tracker[*Scope[T]], coll *collection.Collection) {
	for _, s := range t.Values() {
		s.rebind(coll)
	}
}

// rebindAll re-points every live scope after the registry replaced its collections.
func (m *Manager) rebindAll() {
	slog.Info("rebinding scopes", "version", m.reg.Version())
	rebind(m.repositories, m.reg.Collection(domain.KindRepository))
	rebind(m.pullRequests, m.reg.Collection(domain.KindRepoPullRequest))
	rebind(m.bundles, m.reg.Collection(domain.KindPullRequestBundle))
	rebind(m.fileContexts, m.reg.Collection(domain.KindFileContext))
	rebind(m.fileHistories, m.reg.Collection(domain.KindFileHistory))
	rebind(m.commitRanges, m.reg.Collection(domain.KindCommitRangeDiff))
}

// release stops tracking c. A same-key scope created after c was evicted is left alone.
func (m *Manager) release(c *core) {
	switch c.kind {
	case domain.KindRepository:
		releaseFrom(m.repositories, c)
	case domain.KindRepoPullRequest:
		releaseFrom(m.pullRequests, c)
	case domain.KindPullRequestBundle:
		releaseFrom(m.bundles, c)
	case domain.KindFileContext:
		releaseFrom(m.fileContexts, c)
	case domain.KindFileHistory:
		releaseFrom(m.fileHistories, c)
	case domain.KindCommitRangeDiff:
		releaseFrom(m.commitRanges, c)
	}
}

func releaseFrom[T domain.Record](t *xsync.Tracker[*Scope[T]], c *core) {
	t.RemoveIf(c.id, func(s *Scope[T]) bool { return s.core == c })
}

// TrackedScopes returns the number of live scopes of kind.
func (m *Manager) TrackedScopes(kind domain.Kind) int {
	switch kind {
	case domain.KindRepository:
		return m.repositories.Len()
	case domain.KindRepoPullRequest:
		return m.pullRequests.Len()
	case domain.KindPullRequestBundle:
		return m.bundles.Len()
	case domain.KindFileContext:
		return m.fileContexts.Len()
	case domain.KindFileHistory:
		return m.fileHistories.Len()
	case domain.KindCommitRangeDiff:
		return m.commitRanges.Len()
	}
	return 0
}

// Close tears down every scope and stops polling. Persisted records are left in place.
func (m *Manager) Close() {
	m.unsubVersion()
	m.cancel()
	m.poller.StopAll()
	m.repositories.Purge()
	m.pullRequests.Purge()
	m.bundles.Purge()
	m.fileContexts.Purge()
	m.fileHistories.Purge()
	m.commitRanges.Purge()
}

// scopeKey serializes params canonically. Params are plain structs and maps, and
// encoding/json orders map keys, so equal params always produce equal keys.
func scopeKey(kind domain.Kind, params any) string {
	data, err := json.Marshal(params)
	if err != nil {
		// Params are built from strings and bools only.
		panic("scope: unencodable params: " + err.Error())
	}
	return string(kind) + ":" + string(data)
}
