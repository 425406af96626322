// Package hostdata wires the collection registry, scope manager and fetch activity tracker
// into the single per-process runtime consumed by the review client and the daemon.
package hostdata

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pr-hostdata-cache/internal/activity"
	"pr-hostdata-cache/internal/collection"
	"pr-hostdata-cache/internal/config"
	"pr-hostdata-cache/internal/domain"
	"pr-hostdata-cache/internal/provider"
	"pr-hostdata-cache/internal/scope"
	"pr-hostdata-cache/internal/storage"

	"golang.org/x/sync/errgroup"
)

// Runtime is the host data cache of one process.
type Runtime struct {
	cfg      *config.Config
	reg      *collection.Registry
	activity *activity.Tracker
	scopes   *scope.Manager
	now      func() time.Time

	closeOnce sync.Once
	closeErr  error
}

// Option customizes a Runtime.
type Option func(*options)

type options struct {
	now    func() time.Time
	opener storage.Opener
	custom bool
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithOpener replaces the storage backend selected by the config.
func WithOpener(open storage.Opener) Option {
	return func(o *options) {
		o.opener = open
		o.custom = true
	}
}

// New creates a runtime over client. Storage is opened lazily on first use.
func New(cfg *config.Config, client provider.Client, opts ...Option) *Runtime {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.custom {
		o.opener = Opener(cfg.Storage)
	}

	reg := collection.New(collection.Options{
		TTL:           cfg.Cache.TTL,
		SweepInterval: cfg.Cache.SweepInterval,
		Open:          o.opener,
		Now:           o.now,
	})
	tracker := activity.New(o.now)
	return &Runtime{
		cfg:      cfg,
		reg:      reg,
		activity: tracker,
		scopes: scope.NewManager(reg, client, tracker, scope.Options{
			Capacity:     cfg.Cache.ScopeCapacity,
			PollInterval: cfg.Cache.PollInterval,
			Now:          o.now,
		}),
		now: o.now,
	}
}

// Opener returns the durable backend opener for cfg, or nil for memory storage.
func Opener(cfg config.StorageConfig) storage.Opener {
	if cfg.Driver != config.StorageSQLite {
		return nil
	}
	return func(ctx context.Context) (storage.Backend, error) {
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()
		}
		return storage.NewSQLiteBackend(ctx, storage.SQLiteOptions{
			DSN:          cfg.DSN,
			MaxPageCount: int(cfg.MaxPageCount),
		})
	}
}

// EnsureReady opens storage and loads persisted records.
func (r *Runtime) EnsureReady(ctx context.Context) error {
	return r.reg.EnsureReady(ctx)
}

// Ready reports whether storage has been opened.
func (r *Runtime) Ready() bool {
	return r.reg.Ready()
}

// Collection returns the live collection of kind. It changes when storage falls back to
// memory, so callers holding it should resubscribe on SubscribeVersion.
func (r *Runtime) Collection(kind domain.Kind) *collection.Collection {
	return r.reg.Collection(kind)
}

// RepositoriesCollection returns the scope of the repositories visible on host.
func (r *Runtime) RepositoriesCollection(host string) (*scope.Scope[*domain.Repository], error) {
	return r.scopes.Repositories(host)
}

// RepoPullRequestsCollection returns the scope of the open pull requests of the given repos.
func (r *Runtime) RepoPullRequestsCollection(reposByHost map[string][]domain.RepoRef) (*scope.Scope[*domain.RepoPullRequest], error) {
	return r.scopes.RepoPullRequests(reposByHost)
}

// PullRequestBundleCollection returns the scope of one pull request bundle, hydrated in
// stages unless staging is disabled in the config.
func (r *Runtime) PullRequestBundleCollection(ref domain.PullRequestRef) (*scope.Scope[*domain.PullRequestBundle], error) {
	return r.scopes.PullRequestBundle(ref, scope.BundleOptions{Staged: r.cfg.Cache.Staged})
}

// FileContextCollection returns the scope of the full contents of one file in a pull request.
func (r *Runtime) FileContextCollection(ref domain.PullRequestRef, path string) (*scope.Scope[*domain.FileContext], error) {
	return r.scopes.FileContext(ref, path)
}

// FileHistoryCollection returns the scope of the commit history of one file.
func (r *Runtime) FileHistoryCollection(ref domain.PullRequestRef, path string) (*scope.Scope[*domain.FileHistory], error) {
	return r.scopes.FileHistory(ref, path)
}

// CommitRangeDiffCollection returns the scope of the diff between two commits of a pull request.
func (r *Runtime) CommitRangeDiffCollection(ref domain.PullRequestRef, base, head string) (*scope.Scope[*domain.CommitRangeDiff], error) {
	return r.scopes.CommitRangeDiff(ref, base, head)
}

// TrackedScopes returns how many scopes of kind are tracked.
func (r *Runtime) TrackedScopes(kind domain.Kind) int {
	return r.scopes.TrackedScopes(kind)
}

// SubscribeFetchActivity registers fn to run whenever the set of active fetches changes.
func (r *Runtime) SubscribeFetchActivity(fn func()) (unsubscribe func()) {
	return r.activity.Subscribe(fn)
}

// FetchActivitySnapshot returns the active fetches and tracked scope count.
func (r *Runtime) FetchActivitySnapshot() activity.Snapshot {
	return r.activity.Snapshot()
}

// SubscribeVersion registers fn to run whenever the collections are replaced.
func (r *Runtime) SubscribeVersion(fn func()) (unsubscribe func()) {
	return r.reg.SubscribeVersion(fn)
}

// Version increments every time the collections are replaced.
func (r *Runtime) Version() int64 {
	return r.reg.Version()
}

// SweepExpired deletes every expired record and returns how many were removed.
func (r *Runtime) SweepExpired(ctx context.Context) (int, error) {
	return r.reg.Sweep(ctx, r.now())
}

// ClearAllCacheData deletes every record of every kind. Tracked scopes are kept and refill
// on their next refetch.
func (r *Runtime) ClearAllCacheData(ctx context.Context) (int, error) {
	return r.reg.ClearAll(ctx)
}

// DebugSnapshot returns per collection statistics and the backend mode.
func (r *Runtime) DebugSnapshot(ctx context.Context) (collection.DebugSnapshot, error) {
	return r.reg.DebugSnapshot(ctx, r.now())
}

// RefreshPullRequest refetches the bundle of ref and returns the fetch error, if any.
func (r *Runtime) RefreshPullRequest(ctx context.Context, ref domain.PullRequestRef) error {
	s, err := r.PullRequestBundleCollection(ref)
	if err != nil {
		return err
	}
	return s.Refetch(ctx, scope.RefetchOptions{ThrowOnError: true})
}

// Warmup fetches the repository lists of hosts, then the open pull requests of every
// repository found. A host whose repositories fail is skipped.
func (r *Runtime) Warmup(ctx context.Context, hosts []string) error {
	if len(hosts) == 0 {
		return nil
	}
	if err := r.EnsureReady(ctx); err != nil {
		return fmt.Errorf("warmup: %w", err)
	}

	var (
		mu    sync.Mutex
		repos = make(map[string][]domain.RepoRef, len(hosts))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, host := range hosts {
		host := host
		g.Go(func() error {
			s, err := r.RepositoriesCollection(host)
			if err != nil {
				return err
			}
			if err := s.Refetch(gctx, scope.RefetchOptions{ThrowOnError: true}); err != nil {
				slog.Warn("warmup repositories failed", "host", host, "error", err)
				return nil
			}
			refs := make([]domain.RepoRef, 0)
			for _, repo := range s.Snapshot() {
				refs = append(refs, domain.RepoRef{Workspace: repo.Workspace, Repo: repo.Repo, FullName: repo.FullName})
			}
			mu.Lock()
			repos[host] = refs
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("warmup: %w", err)
	}

	total := 0
	for _, refs := range repos {
		total += len(refs)
	}
	if total == 0 {
		return nil
	}

	s, err := r.RepoPullRequestsCollection(repos)
	if err != nil {
		return fmt.Errorf("warmup: %w", err)
	}
	if err := s.Refetch(ctx, scope.RefetchOptions{ThrowOnError: true}); err != nil {
		return fmt.Errorf("warmup pull requests: %w", err)
	}
	slog.Info("warmup complete", "hosts", len(repos), "repos", total, "pull_requests", len(s.Snapshot()))
	return nil
}

// Close stops polling, tears down every scope and releases storage. Persisted records are
// kept for the next process.
func (r *Runtime) Close() error {
	r.closeOnce.Do(func() {
		r.scopes.Close()
		r.closeErr = r.reg.Close()
	})
	return r.closeErr
}
