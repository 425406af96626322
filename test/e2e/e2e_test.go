//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pr-hostdata-cache/internal/client"
	"pr-hostdata-cache/internal/config"
	"pr-hostdata-cache/internal/domain"
	"pr-hostdata-cache/internal/filter/bitbucket"
	"pr-hostdata-cache/internal/hostdata"
	"pr-hostdata-cache/internal/server"
	"pr-hostdata-cache/internal/webhook"

	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// InterceptingTransport implements mcp.Transport and records every tool called.
type InterceptingTransport struct {
	RealTransport mcp.Transport
	CapturedTools *[]string
	Mu            *sync.Mutex
}

func (t *InterceptingTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	realConn, err := t.RealTransport.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &InterceptingConnection{inner: realConn, capturedTools: t.CapturedTools, mu: t.Mu}, nil
}

// InterceptingConnection implements mcp.Connection
type InterceptingConnection struct {
	inner         mcp.Connection
	capturedTools *[]string
	mu            *sync.Mutex
}

func (c *InterceptingConnection) Close() error {
	return c.inner.Close()
}

func (c *InterceptingConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	return c.inner.Read(ctx)
}

func (c *InterceptingConnection) Write(ctx context.Context, message jsonrpc.Message) error {
	if req, ok := message.(*jsonrpc.Request); ok && req.Method == "tools/call" {
		var params struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(req.Params, &params); err == nil {
			c.mu.Lock()
			*c.capturedTools = append(*c.capturedTools, params.Name)
			c.mu.Unlock()
		}
	}
	return c.inner.Write(ctx, message)
}

func (c *InterceptingConnection) SessionID() string {
	return c.inner.SessionID()
}

// TestE2E_WebhookRefresh drives a real Bitbucket MCP server: a pr:opened webhook queues a
// refresh, after which the bundle is served from the cache without further tool calls.
func TestE2E_WebhookRefresh(t *testing.T) {
	rootDir := "../../"
	if err := godotenv.Load(filepath.Join(rootDir, ".env")); err != nil {
		t.Logf("Warning: .env file not found at %s: %v", rootDir, err)
	}

	t.Setenv("CONFIG_PATH", filepath.Join(rootDir, "config.test.yaml"))
	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.MCP.Bitbucket.Endpoint == "" {
		t.Skip("Skipping E2E test: Bitbucket endpoint not configured")
	}
	project, repo, prID := os.Getenv("E2E_PROJECT"), os.Getenv("E2E_REPO"), os.Getenv("E2E_PR_ID")
	if project == "" || repo == "" || prID == "" {
		t.Skip("Skipping E2E test: E2E_PROJECT, E2E_REPO and E2E_PR_ID must be set")
	}
	cfg.Storage.Driver = config.StorageSQLite
	cfg.Storage.DSN = filepath.Join(t.TempDir(), "hostdata.db")
	cfg.Server.WebhookSecret = ""

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})))

	var (
		captured []string
		mu       sync.Mutex
	)
	mcpClient := client.NewMCPClient(cfg)
	mcpClient.SetTransportFactory(func(ctx context.Context, endpoint, token, authHeader string, timeout time.Duration) (mcp.Transport, error) {
		realTransport, err := client.NewMCPTransport(ctx, endpoint, token, authHeader, timeout)
		if err != nil {
			return nil, err
		}
		return &InterceptingTransport{RealTransport: realTransport, CapturedTools: &captured, Mu: &mu}, nil
	})
	if err := mcpClient.InitializeConnections(); err != nil {
		t.Fatalf("Failed to initialize MCP connections: %v", err)
	}
	defer mcpClient.Close()

	runtime := hostdata.New(cfg, client.NewProvider(mcpClient, cfg.MCPServers()))
	defer runtime.Close()

	pool := webhook.NewWorkerPool(1, 1)
	pool.Start()
	handler := webhook.NewBitbucketWebhookHandler(cfg, runtime, pool, bitbucket.NewPayloadFilter())
	srv := httptest.NewServer(server.New(cfg, runtime, mcpClient, handler))
	defer srv.Close()

	payload := fmt.Sprintf(`{
    "eventKey": "pr:opened",
    "pullRequest": {
        "id": %s,
        "title": "E2E",
        "toRef": {"repository": {"slug": %q, "project": {"key": %q}}}
    }
}`, prID, repo, project)

	resp, err := http.Post(srv.URL+"/webhook", "application/json", bytes.NewBufferString(payload))
	if err != nil {
		t.Fatalf("webhook request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	// Drain the queued refresh.
	pool.Stop()

	mu.Lock()
	toolsAfterWebhook := len(captured)
	mu.Unlock()
	if toolsAfterWebhook == 0 {
		t.Fatal("expected the webhook refresh to call MCP tools")
	}
	t.Logf("tools called by refresh: %v", captured)

	resp, err = http.Get(fmt.Sprintf("%s/bundles/%s/%s/%s/%s", srv.URL, config.MCPServerBitbucket, project, repo, prID))
	if err != nil {
		t.Fatalf("bundle request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var b domain.PullRequestBundle
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		t.Fatalf("invalid bundle json: %v", err)
	}
	if b.PR.ID != prID || b.Diff == "" {
		t.Errorf("expected hydrated bundle for PR %s, got id %q with %d diff bytes", prID, b.PR.ID, len(b.Diff))
	}
	t.Logf("bundle %s: %d files, %d comments, deferred %s", b.ID, len(b.DiffStat), len(b.Comments), b.DeferredStatus)

	mu.Lock()
	defer mu.Unlock()
	if len(captured) != toolsAfterWebhook {
		t.Errorf("expected bundle to be served from cache, saw %d extra tool calls", len(captured)-toolsAfterWebhook)
	}
}
