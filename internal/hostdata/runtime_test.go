package hostdata

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pr-hostdata-cache/internal/config"
	"pr-hostdata-cache/internal/domain"
	"pr-hostdata-cache/internal/provider"
	"pr-hostdata-cache/internal/scope"
	"pr-hostdata-cache/internal/storage"
	"pr-hostdata-cache/internal/types"
)

// MockProvider implements provider.Client with overridable functions.
type MockProvider struct {
	ListRepositoriesFunc    func(ctx context.Context, host string) ([]domain.Repository, error)
	ListPullRequestsFunc    func(ctx context.Context, host string, repos []domain.RepoRef) ([]domain.RepoPullRequest, error)
	FetchBundleCriticalFunc func(ctx context.Context, ref domain.PullRequestRef) (*provider.CriticalBundle, error)
	FetchBundleDeferredFunc func(ctx context.Context, ref domain.PullRequestRef) (*provider.DeferredBundle, error)
	FetchBundleFunc         func(ctx context.Context, ref domain.PullRequestRef) (*provider.Bundle, error)
}

var errNotMocked = errors.New("not mocked")

func (m *MockProvider) ListRepositories(ctx context.Context, host string) ([]domain.Repository, error) {
	if m.ListRepositoriesFunc != nil {
		return m.ListRepositoriesFunc(ctx, host)
	}
	return nil, errNotMocked
}

func (m *MockProvider) ListPullRequests(ctx context.Context, host string, repos []domain.RepoRef) ([]domain.RepoPullRequest, error) {
	if m.ListPullRequestsFunc != nil {
		return m.ListPullRequestsFunc(ctx, host, repos)
	}
	return nil, errNotMocked
}

func (m *MockProvider) FetchBundleCritical(ctx context.Context, ref domain.PullRequestRef) (*provider.CriticalBundle, error) {
	if m.FetchBundleCriticalFunc != nil {
		return m.FetchBundleCriticalFunc(ctx, ref)
	}
	return nil, errNotMocked
}

func (m *MockProvider) FetchBundleDeferred(ctx context.Context, ref domain.PullRequestRef) (*provider.DeferredBundle, error) {
	if m.FetchBundleDeferredFunc != nil {
		return m.FetchBundleDeferredFunc(ctx, ref)
	}
	return nil, errNotMocked
}

func (m *MockProvider) FetchBundle(ctx context.Context, ref domain.PullRequestRef) (*provider.Bundle, error) {
	if m.FetchBundleFunc != nil {
		return m.FetchBundleFunc(ctx, ref)
	}
	return nil, errNotMocked
}

func (m *MockProvider) FetchFileContext(ctx context.Context, ref domain.PullRequestRef, path string) (*provider.FileContext, error) {
	return nil, errNotMocked
}

func (m *MockProvider) FetchFileHistory(ctx context.Context, ref domain.PullRequestRef, path string) ([]domain.FileHistoryEntry, error) {
	return nil, errNotMocked
}

func (m *MockProvider) FetchCommitRangeDiff(ctx context.Context, ref domain.PullRequestRef, base, head string) (*provider.CommitRange, error) {
	return nil, errNotMocked
}

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var testRef = domain.PullRequestRef{Host: "github", Workspace: "acme", Repo: "widgets", PRID: "42"}

func memoryConfig() *config.Config {
	cfg := config.Default()
	cfg.Storage.Driver = config.StorageMemory
	cfg.MCP.GitHub.Endpoint = "mock://github"
	return cfg
}

func repoProvider() *MockProvider {
	return &MockProvider{
		ListRepositoriesFunc: func(ctx context.Context, host string) ([]domain.Repository, error) {
			return []domain.Repository{
				{Host: host, Workspace: "acme", Repo: "widgets", FullName: "acme/widgets"},
				{Host: host, Workspace: "acme", Repo: "gadgets", FullName: "acme/gadgets"},
			}, nil
		},
	}
}

func scopeThrow() scope.RefetchOptions {
	return scope.RefetchOptions{ThrowOnError: true}
}

func newTestRuntime(t *testing.T, cfg *config.Config, p provider.Client, opts ...Option) *Runtime {
	t.Helper()
	rt := New(cfg, p, opts...)
	t.Cleanup(func() { rt.Close() })
	return rt
}

func TestRuntime_StagedBundle(t *testing.T) {
	p := &MockProvider{
		FetchBundleCriticalFunc: func(ctx context.Context, ref domain.PullRequestRef) (*provider.CriticalBundle, error) {
			return &provider.CriticalBundle{
				PR:       domain.PullRequest{ID: ref.PRID, Title: "Add widgets"},
				Diff:     "diff --git a/a.go b/a.go\n",
				DiffStat: []domain.DiffStat{{Path: "a.go", LinesAdded: 1}},
			}, nil
		},
		FetchBundleDeferredFunc: func(ctx context.Context, ref domain.PullRequestRef) (*provider.DeferredBundle, error) {
			return &provider.DeferredBundle{
				Comments:  []domain.Comment{{ID: "1", Body: "Looks good"}},
				Reviewers: []domain.Reviewer{{User: "bob", Approved: true}},
			}, nil
		},
	}
	rt := newTestRuntime(t, memoryConfig(), p)
	ctx := context.Background()

	var activityEvents int32
	unsub := rt.SubscribeFetchActivity(func() { atomic.AddInt32(&activityEvents, 1) })
	defer unsub()

	s, err := rt.PullRequestBundleCollection(testRef)
	if err != nil {
		t.Fatalf("PullRequestBundleCollection failed: %v", err)
	}
	if err := s.Refetch(ctx, scopeThrow()); err != nil {
		t.Fatalf("Refetch failed: %v", err)
	}

	b, ok := s.Record()
	if !ok {
		t.Fatal("expected bundle in view")
	}
	if b.ID != "github:acme/widgets/42" {
		t.Errorf("unexpected id %s", b.ID)
	}
	if b.DeferredStatus != domain.DeferredReady || len(b.Comments) != 1 || len(b.Reviewers) != 1 {
		t.Errorf("expected hydrated bundle, got status %s with %d comments", b.DeferredStatus, len(b.Comments))
	}
	if atomic.LoadInt32(&activityEvents) == 0 {
		t.Error("expected fetch activity notifications")
	}
	if snap := rt.FetchActivitySnapshot(); snap.ActiveFetchCount != 0 || snap.TrackedScopeCount != 1 {
		t.Errorf("unexpected activity snapshot %+v", snap)
	}

	same, _ := rt.PullRequestBundleCollection(testRef)
	if same != s {
		t.Error("expected the same scope for the same pull request")
	}

	debug, err := rt.DebugSnapshot(ctx)
	if err != nil {
		t.Fatalf("DebugSnapshot failed: %v", err)
	}
	if debug.BackendMode != storage.ModeMemory {
		t.Errorf("expected memory mode, got %s", debug.BackendMode)
	}
	for _, c := range debug.Collections {
		want := 0
		if c.Kind == domain.KindPullRequestBundle {
			want = 1
		}
		if c.Count != want {
			t.Errorf("expected %d %s records, got %d", want, c.Kind, c.Count)
		}
	}
}

func TestRuntime_WholeBundleWhenNotStaged(t *testing.T) {
	cfg := memoryConfig()
	cfg.Cache.Staged = false
	var whole int32
	p := &MockProvider{
		FetchBundleFunc: func(ctx context.Context, ref domain.PullRequestRef) (*provider.Bundle, error) {
			atomic.AddInt32(&whole, 1)
			return &provider.Bundle{Critical: provider.CriticalBundle{PR: domain.PullRequest{ID: ref.PRID}}}, nil
		},
	}
	rt := newTestRuntime(t, cfg, p)

	if err := rt.RefreshPullRequest(context.Background(), testRef); err != nil {
		t.Fatalf("RefreshPullRequest failed: %v", err)
	}
	if atomic.LoadInt32(&whole) != 1 {
		t.Errorf("expected one whole bundle fetch, got %d", whole)
	}
}

func TestRuntime_RefreshPullRequestError(t *testing.T) {
	p := &MockProvider{
		FetchBundleCriticalFunc: func(ctx context.Context, ref domain.PullRequestRef) (*provider.CriticalBundle, error) {
			return nil, types.NewNetworkError("get_pull_request", http.StatusNotFound, errors.New("not found"))
		},
	}
	rt := newTestRuntime(t, memoryConfig(), p)

	err := rt.RefreshPullRequest(context.Background(), testRef)
	if types.StatusCode(err) != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}

	if err := rt.RefreshPullRequest(context.Background(), domain.PullRequestRef{Host: "github"}); err == nil {
		t.Error("expected error for incomplete ref")
	}
}

func TestRuntime_SweepAndClear(t *testing.T) {
	clock := &testClock{now: time.UnixMilli(1_700_000_000_000)}
	cfg := memoryConfig()
	cfg.Cache.TTL = time.Hour
	rt := newTestRuntime(t, cfg, repoProvider(), WithClock(clock.Now))
	ctx := context.Background()

	s, err := rt.RepositoriesCollection("github")
	if err != nil {
		t.Fatalf("RepositoriesCollection failed: %v", err)
	}
	if err := s.Refetch(ctx, scopeThrow()); err != nil {
		t.Fatalf("Refetch failed: %v", err)
	}
	if n := rt.Collection(domain.KindRepository).Len(); n != 2 {
		t.Fatalf("expected 2 repositories, got %d", n)
	}

	removed, err := rt.SweepExpired(ctx)
	if err != nil || removed != 0 {
		t.Fatalf("expected nothing to sweep before expiry, got %d (%v)", removed, err)
	}

	clock.Advance(time.Hour)
	debug, err := rt.DebugSnapshot(ctx)
	if err != nil {
		t.Fatalf("DebugSnapshot failed: %v", err)
	}
	for _, c := range debug.Collections {
		if c.Kind == domain.KindRepository && c.ExpiredNotSwept != 2 {
			t.Errorf("expected 2 expired repositories, got %d", c.ExpiredNotSwept)
		}
	}

	removed, err = rt.SweepExpired(ctx)
	if err != nil || removed != 2 {
		t.Fatalf("expected 2 swept, got %d (%v)", removed, err)
	}
	if removed, _ := rt.SweepExpired(ctx); removed != 0 {
		t.Errorf("expected second sweep to remove nothing, got %d", removed)
	}

	if err := s.Refetch(ctx, scopeThrow()); err != nil {
		t.Fatalf("Refetch failed: %v", err)
	}
	cleared, err := rt.ClearAllCacheData(ctx)
	if err != nil || cleared != 2 {
		t.Fatalf("expected 2 cleared, got %d (%v)", cleared, err)
	}
	if len(s.Snapshot()) != 0 {
		t.Error("expected empty view after clear")
	}
}

func TestRuntime_SQLitePersistsAcrossRestart(t *testing.T) {
	cfg := memoryConfig()
	cfg.Storage.Driver = config.StorageSQLite
	cfg.Storage.DSN = filepath.Join(t.TempDir(), "hostdata.db")
	ctx := context.Background()

	rt := New(cfg, repoProvider())
	s, err := rt.RepositoriesCollection("github")
	if err != nil {
		t.Fatalf("RepositoriesCollection failed: %v", err)
	}
	if err := s.Refetch(ctx, scopeThrow()); err != nil {
		t.Fatalf("Refetch failed: %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	restarted := newTestRuntime(t, cfg, &MockProvider{})
	if err := restarted.EnsureReady(ctx); err != nil {
		t.Fatalf("EnsureReady failed: %v", err)
	}
	if !restarted.Ready() {
		t.Error("expected ready runtime")
	}

	scope, err := restarted.RepositoriesCollection("github")
	if err != nil {
		t.Fatalf("RepositoriesCollection failed: %v", err)
	}
	if got := len(scope.Snapshot()); got != 2 {
		t.Errorf("expected 2 persisted repositories before any fetch, got %d", got)
	}

	debug, err := restarted.DebugSnapshot(ctx)
	if err != nil {
		t.Fatalf("DebugSnapshot failed: %v", err)
	}
	if debug.BackendMode != storage.ModeDurable {
		t.Errorf("expected durable mode, got %s", debug.BackendMode)
	}
}

func TestRuntime_OpenerFailureFallsBackToMemory(t *testing.T) {
	cfg := memoryConfig()
	failing := func(ctx context.Context) (storage.Backend, error) {
		return nil, errors.New("disk unavailable")
	}
	rt := newTestRuntime(t, cfg, repoProvider(), WithOpener(failing))
	ctx := context.Background()

	s, _ := rt.RepositoriesCollection("github")
	if err := s.Refetch(ctx, scopeThrow()); err != nil {
		t.Fatalf("expected memory storage to serve writes, got %v", err)
	}
	debug, err := rt.DebugSnapshot(ctx)
	if err != nil {
		t.Fatalf("DebugSnapshot failed: %v", err)
	}
	if debug.BackendMode != storage.ModeMemory {
		t.Errorf("expected memory mode, got %s", debug.BackendMode)
	}
}

func TestRuntime_Warmup(t *testing.T) {
	p := repoProvider()
	p.ListPullRequestsFunc = func(ctx context.Context, host string, repos []domain.RepoRef) ([]domain.RepoPullRequest, error) {
		var out []domain.RepoPullRequest
		for i, r := range repos {
			out = append(out, domain.RepoPullRequest{
				Host: host, Workspace: r.Workspace, Repo: r.Repo,
				PR: domain.PullRequest{ID: strconv.Itoa(i + 1), Title: "PR"},
			})
		}
		return out, nil
	}
	rt := newTestRuntime(t, memoryConfig(), p)

	if err := rt.Warmup(context.Background(), []string{"github"}); err != nil {
		t.Fatalf("Warmup failed: %v", err)
	}
	if n := rt.Collection(domain.KindRepository).Len(); n != 2 {
		t.Errorf("expected 2 repositories, got %d", n)
	}
	if n := rt.Collection(domain.KindRepoPullRequest).Len(); n != 2 {
		t.Errorf("expected 2 pull requests, got %d", n)
	}
	if n := rt.TrackedScopes(domain.KindRepoPullRequest); n != 1 {
		t.Errorf("expected 1 pull request scope, got %d", n)
	}
}

func TestRuntime_WarmupSkipsFailingHost(t *testing.T) {
	p := &MockProvider{
		ListRepositoriesFunc: func(ctx context.Context, host string) ([]domain.Repository, error) {
			return nil, types.NewNetworkError("list_repositories", http.StatusUnauthorized, errors.New("bad token"))
		},
	}
	rt := newTestRuntime(t, memoryConfig(), p)

	if err := rt.Warmup(context.Background(), []string{"github"}); err != nil {
		t.Errorf("expected failing host to be skipped, got %v", err)
	}
}

func TestRuntime_CloseIsIdempotent(t *testing.T) {
	rt := New(memoryConfig(), &MockProvider{})
	if err := rt.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady failed: %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}
