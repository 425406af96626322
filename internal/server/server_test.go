package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pr-hostdata-cache/internal/activity"
	"pr-hostdata-cache/internal/collection"
	"pr-hostdata-cache/internal/config"
	"pr-hostdata-cache/internal/domain"
	"pr-hostdata-cache/internal/hostdata"
	"pr-hostdata-cache/internal/provider"
	"pr-hostdata-cache/internal/types"
)

// MockProvider serves staged bundles. Unmocked methods panic through the nil embedded client.
type MockProvider struct {
	provider.Client
	FetchBundleCriticalFunc func(ctx context.Context, ref domain.PullRequestRef) (*provider.CriticalBundle, error)
}

func (m *MockProvider) FetchBundleCritical(ctx context.Context, ref domain.PullRequestRef) (*provider.CriticalBundle, error) {
	return m.FetchBundleCriticalFunc(ctx, ref)
}

func (m *MockProvider) FetchBundleDeferred(ctx context.Context, ref domain.PullRequestRef) (*provider.DeferredBundle, error) {
	return &provider.DeferredBundle{Comments: []domain.Comment{{ID: "1", Body: "nit"}}}, nil
}

// MockHealth implements HealthChecker.
type MockHealth struct {
	Healthy bool
}

func (m *MockHealth) IsHealthy() bool { return m.Healthy }

func newTestServer(t *testing.T, p provider.Client, health HealthChecker) (*Server, *hostdata.Runtime) {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Driver = config.StorageMemory
	cfg.MCP.Bitbucket.Endpoint = "mock://bitbucket"

	rt := hostdata.New(cfg, p)
	t.Cleanup(func() { rt.Close() })
	return New(cfg, rt, health, nil), rt
}

func okProvider(calls *int) *MockProvider {
	return &MockProvider{
		FetchBundleCriticalFunc: func(ctx context.Context, ref domain.PullRequestRef) (*provider.CriticalBundle, error) {
			*calls++
			return &provider.CriticalBundle{PR: domain.PullRequest{ID: ref.PRID, Title: "Fix parser"}}, nil
		},
	}
}

func serve(s *Server, method, target string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(method, target, nil))
	return rr
}

func TestServer_Health(t *testing.T) {
	health := &MockHealth{Healthy: true}
	s, rt := newTestServer(t, &MockProvider{}, health)

	if rr := serve(s, http.MethodGet, "/health/live"); rr.Code != http.StatusOK {
		t.Errorf("expected live 200, got %d", rr.Code)
	}
	if rr := serve(s, http.MethodGet, "/health/ready"); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before storage opens, got %d", rr.Code)
	}

	if err := rt.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady failed: %v", err)
	}
	if rr := serve(s, http.MethodGet, "/health/ready"); rr.Code != http.StatusOK {
		t.Errorf("expected ready 200, got %d", rr.Code)
	}

	health.Healthy = false
	if rr := serve(s, http.MethodGet, "/health/ready"); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 with unhealthy MCP, got %d", rr.Code)
	}
}

func TestServer_Bundle(t *testing.T) {
	calls := 0
	s, _ := newTestServer(t, okProvider(&calls), nil)

	rr := serve(s, http.MethodGet, "/bundles/bitbucket/PROJ/repo/7")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var b domain.PullRequestBundle
	if err := json.Unmarshal(rr.Body.Bytes(), &b); err != nil {
		t.Fatalf("invalid bundle json: %v", err)
	}
	if b.ID != "bitbucket:PROJ/repo/7" || b.PR.Title != "Fix parser" {
		t.Errorf("unexpected bundle %s %q", b.ID, b.PR.Title)
	}
	if b.DeferredStatus != domain.DeferredReady || len(b.Comments) != 1 {
		t.Errorf("expected hydrated bundle, got %s", b.DeferredStatus)
	}

	// Served from cache.
	if rr := serve(s, http.MethodGet, "/bundles/bitbucket/PROJ/repo/7"); rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
	if calls != 1 {
		t.Errorf("expected 1 provider call, got %d", calls)
	}

	if rr := serve(s, http.MethodPost, "/bundles/bitbucket/PROJ/repo/7/refresh"); rr.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rr.Code)
	}
	if calls != 2 {
		t.Errorf("expected refresh to refetch, got %d calls", calls)
	}
}

func TestServer_BundleErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"not found", types.NewNetworkError("get_pull_request", http.StatusNotFound, errors.New("missing")), http.StatusNotFound},
		{"provider down", types.NewNetworkError("get_pull_request", http.StatusServiceUnavailable, errors.New("down")), http.StatusBadGateway},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &MockProvider{
				FetchBundleCriticalFunc: func(ctx context.Context, ref domain.PullRequestRef) (*provider.CriticalBundle, error) {
					return nil, tt.err
				},
			}
			s, _ := newTestServer(t, p, nil)

			if rr := serve(s, http.MethodGet, "/bundles/bitbucket/PROJ/repo/7"); rr.Code != tt.wantStatus {
				t.Errorf("GET: expected %d, got %d", tt.wantStatus, rr.Code)
			}
			if rr := serve(s, http.MethodPost, "/bundles/bitbucket/PROJ/repo/7/refresh"); rr.Code != tt.wantStatus {
				t.Errorf("refresh: expected %d, got %d", tt.wantStatus, rr.Code)
			}
		})
	}
}

func TestServer_Maintenance(t *testing.T) {
	calls := 0
	s, _ := newTestServer(t, okProvider(&calls), nil)

	if rr := serve(s, http.MethodGet, "/bundles/github/acme/widgets/1"); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	rr := serve(s, http.MethodGet, "/debug/snapshot")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var snap collection.DebugSnapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("invalid snapshot json: %v", err)
	}
	if snap.BackendMode != "memory" || len(snap.Collections) != len(domain.Kinds) {
		t.Errorf("unexpected snapshot %+v", snap)
	}

	rr = serve(s, http.MethodGet, "/debug/activity")
	var act activity.Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &act); err != nil {
		t.Fatalf("invalid activity json: %v", err)
	}
	if act.TrackedScopeCount != 1 || act.ActiveFetchCount != 0 {
		t.Errorf("unexpected activity %+v", act)
	}

	rr = serve(s, http.MethodPost, "/debug/sweep")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"removed":0`) {
		t.Errorf("unexpected sweep response %d %s", rr.Code, rr.Body.String())
	}

	rr = serve(s, http.MethodPost, "/debug/clear")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"removed":1`) {
		t.Errorf("unexpected clear response %d %s", rr.Code, rr.Body.String())
	}

	if rr := serve(s, http.MethodGet, "/debug/clear"); rr.Code == http.StatusOK {
		t.Error("expected clear to require POST")
	}
}

func TestServer_MetricsAndRoot(t *testing.T) {
	s, _ := newTestServer(t, &MockProvider{}, nil)

	rr := serve(s, http.MethodGet, "/metrics")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "go_goroutines") {
		t.Errorf("expected prometheus metrics, got %d", rr.Code)
	}
	if rr := serve(s, http.MethodGet, "/"); rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 at root, got %d", rr.Code)
	}
}

func TestServer_Webhook(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Driver = config.StorageMemory
	rt := hostdata.New(cfg, &MockProvider{})
	t.Cleanup(func() { rt.Close() })

	hit := false
	hook := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
		w.WriteHeader(http.StatusAccepted)
	})
	s := New(cfg, rt, nil, hook)

	if rr := serve(s, http.MethodPost, "/webhook"); rr.Code != http.StatusAccepted || !hit {
		t.Errorf("expected webhook handler, got %d", rr.Code)
	}
}
