package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pr-hostdata-cache/internal/config"
	"pr-hostdata-cache/internal/domain"
	"pr-hostdata-cache/internal/filter/bitbucket"
)

// MockRefresher implements Refresher for testing
type MockRefresher struct {
	RefreshFunc func(ctx context.Context, ref domain.PullRequestRef) error
}

func (m *MockRefresher) RefreshPullRequest(ctx context.Context, ref domain.PullRequestRef) error {
	if m.RefreshFunc != nil {
		return m.RefreshFunc(ctx, ref)
	}
	return nil
}

const prOpenedBody = `{
	"eventKey": "pr:opened",
	"pullRequest": {
		"id": 123,
		"title": "Test PR",
		"toRef": {
			"repository": {
				"slug": "my-repo",
				"project": { "key": "PROJ" }
			}
		},
		"author": {
			"user": { "name": "alice" }
		}
	}
}`

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.MCP.Bitbucket.Endpoint = "mock://bitbucket"
	return cfg
}

// newTestHandler starts a pool that is stopped when the test ends.
func newTestHandler(t *testing.T, cfg *config.Config, refresher Refresher) *BitbucketWebhookHandler {
	t.Helper()
	pool := NewWorkerPool(2, 10)
	pool.Start()
	t.Cleanup(pool.Stop)
	return NewBitbucketWebhookHandler(cfg, refresher, pool, bitbucket.NewPayloadFilter())
}

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestBitbucketWebhookHandler_MethodNotAllowed(t *testing.T) {
	handler := newTestHandler(t, testConfig(), &MockRefresher{})

	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, w.Code)
	}
}

func TestBitbucketWebhookHandler_PROpenedEvent(t *testing.T) {
	refreshed := make(chan domain.PullRequestRef, 1)
	handler := newTestHandler(t, testConfig(), &MockRefresher{
		RefreshFunc: func(ctx context.Context, ref domain.PullRequestRef) error {
			if _, ok := ctx.Deadline(); !ok {
				t.Error("expected refresh to run with a deadline")
			}
			refreshed <- ref
			return nil
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewBufferString(prOpenedBody))
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Errorf("expected status %d, got %d", http.StatusAccepted, w.Code)
	}

	select {
	case ref := <-refreshed:
		want := domain.PullRequestRef{Host: "bitbucket", Workspace: "PROJ", Repo: "my-repo", PRID: "123"}
		if ref != want {
			t.Errorf("expected %+v, got %+v", want, ref)
		}
	case <-time.After(1 * time.Second):
		t.Error("timeout waiting for refresh")
	}
}

func TestBitbucketWebhookHandler_Events(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		header   string
		wantCode int
	}{
		{"not json is ignored", "not valid json", "", http.StatusOK},
		{"merged is ignored", `{"eventKey": "pr:merged", "pullRequest": {"id": 1}}`, "", http.StatusOK},
		{"ping", `{"test": true}`, "diagnostics:ping", http.StatusOK},
		{"comment added", `{"eventKey": "pr:comment:added", "pullRequest": {"id": 5, "toRef": {"repository": {"slug": "r", "project": {"key": "P"}}}}}`, "", http.StatusAccepted},
		{"event key from header", `{"pullRequest": {"id": 5, "toRef": {"repository": {"slug": "r", "project": {"key": "P"}}}}}`, "pr:from_ref_updated", http.StatusAccepted},
		{"refresh event without pull request", `{"eventKey": "pr:opened", "actor": {"name": "alice"}}`, "", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := newTestHandler(t, testConfig(), &MockRefresher{})

			req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewBufferString(tt.body))
			if tt.header != "" {
				req.Header.Set("X-Event-Key", tt.header)
			}
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("expected status %d, got %d", tt.wantCode, w.Code)
			}
		})
	}
}

func TestBitbucketWebhookHandler_Signature(t *testing.T) {
	cfg := testConfig()
	cfg.Server.WebhookSecret = "my-secret-key"
	body := []byte(prOpenedBody)

	tests := []struct {
		name      string
		signature string
		wantCode  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "sha256=deadbeef", http.StatusUnauthorized},
		{"valid", sign(body, "my-secret-key"), http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := newTestHandler(t, cfg, &MockRefresher{})

			req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
			if tt.signature != "" {
				req.Header.Set("X-Hub-Signature", tt.signature)
			}
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("expected status %d, got %d", tt.wantCode, w.Code)
			}
		})
	}
}

func TestBitbucketWebhookHandler_QueueFull(t *testing.T) {
	// A pool that is never started keeps its single slot occupied.
	pool := NewWorkerPool(1, 1)
	handler := NewBitbucketWebhookHandler(testConfig(), &MockRefresher{}, pool, nil)

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewBufferString(prOpenedBody))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	if codes[0] != http.StatusAccepted || codes[1] != http.StatusTooManyRequests {
		t.Errorf("expected [202 429], got %v", codes)
	}
}

func TestBitbucketWebhookHandler_PoolStopped(t *testing.T) {
	pool := NewWorkerPool(1, 1)
	pool.Start()
	pool.Stop()
	handler := NewBitbucketWebhookHandler(testConfig(), &MockRefresher{}, pool, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewBufferString(prOpenedBody))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
}

func TestBitbucketWebhookHandler_BodySizeLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Server.MaxBodySize = 10 // Very small limit
	handler := newTestHandler(t, cfg, &MockRefresher{})

	largePayload := bytes.Repeat([]byte("a"), 100)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewBuffer(largePayload))
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestPayloadParser_Parse(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    domain.PullRequestRef
		wantErr bool
	}{
		{
			name: "server payload",
			body: prOpenedBody,
			want: domain.PullRequestRef{Host: "bitbucket", Workspace: "PROJ", Repo: "my-repo", PRID: "123"},
		},
		{
			name: "flattened payload",
			body: `{"id": "7", "repository": {"name": "api", "project": {"key": "CORE"}}}`,
			want: domain.PullRequestRef{Host: "bitbucket", Workspace: "CORE", Repo: "api", PRID: "7"},
		},
		{
			name:    "missing repository",
			body:    `{"pullRequest": {"id": 1}}`,
			wantErr: true,
		},
		{
			name:    "not json",
			body:    `{"pullRequest":`,
			wantErr: true,
		},
	}

	p := NewPayloadParser("bitbucket")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := p.Parse([]byte(tt.body))
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %+v", ev)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ev.Ref != tt.want {
				t.Errorf("expected %+v, got %+v", tt.want, ev.Ref)
			}
		})
	}
}

func TestVerifySignature_Valid(t *testing.T) {
	body := []byte(`{"test": "data"}`)
	secret := "my-secret-key"

	if !verifySignature(body, sign(body, secret), secret) {
		t.Error("expected signature to be valid")
	}
}

func TestVerifySignature_Invalid(t *testing.T) {
	body := []byte(`{"test": "data"}`)
	secret := "my-secret-key"

	if verifySignature(body, "sha256=invalid", secret) {
		t.Error("expected signature to be invalid")
	}
}

func TestVerifySignature_MissingPrefix(t *testing.T) {
	body := []byte(`{"test": "data"}`)
	secret := "my-secret-key"

	if verifySignature(body, "invalid-no-prefix", secret) {
		t.Error("expected signature without prefix to be invalid")
	}
}

func TestVerifySignature_WrongAlgorithm(t *testing.T) {
	body := []byte(`{"test": "data"}`)
	secret := "my-secret-key"

	if verifySignature(body, "sha1=somesignature", secret) {
		t.Error("expected wrong algorithm to be rejected")
	}
}
