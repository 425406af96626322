package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/singleflight"

	"pr-hostdata-cache/internal/config"
	"pr-hostdata-cache/internal/filter"
)

// TransportFactory creates a new transport
type TransportFactory func(ctx context.Context, endpoint, token, authHeader string, timeout time.Duration) (mcp.Transport, error)

// MCPClient manages connections to the MCP servers fronting each git host
type MCPClient struct {
	cfg             *config.Config
	transports      map[string]mcp.Transport
	sessions        map[string]*mcp.ClientSession
	endpoints       map[string]hostEndpoint
	stale           map[string]bool
	breakers        map[string]*breaker
	responseFilters map[string]filter.ResponseFilter

	mu               sync.RWMutex
	transportFactory TransportFactory
	// connectGroup coalesces concurrent connects to one host.
	connectGroup singleflight.Group
	baseCtx      context.Context
	cancel       context.CancelFunc
}

// SetTransportFactory allows tests to inject a mock transport factory
func (c *MCPClient) SetTransportFactory(tf TransportFactory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transportFactory = tf
}

// SetResponseFilter sets a response filter for a specific server (host)
func (c *MCPClient) SetResponseFilter(serverName string, f filter.ResponseFilter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responseFilters[serverName] = f
}

// NewMCPClient creates a new MCP client manager
func NewMCPClient(cfg *config.Config) *MCPClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &MCPClient{
		cfg:              cfg,
		transports:       make(map[string]mcp.Transport),
		sessions:         make(map[string]*mcp.ClientSession),
		endpoints:        make(map[string]hostEndpoint),
		stale:            make(map[string]bool),
		breakers:         make(map[string]*breaker),
		responseFilters:  make(map[string]filter.ResponseFilter),
		transportFactory: NewMCPTransport, // Default to standard transport factory
		baseCtx:          ctx,
		cancel:           cancel,
	}
}

// InitializeConnections registers every configured server and connects to it. A server that
// fails to connect is retried on its first tool call.
func (c *MCPClient) InitializeConnections() error {
	servers := c.cfg.MCPServers()
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)

	var failed []string
	for _, name := range names {
		serverCfg := servers[name]
		c.mu.Lock()
		c.endpoints[name] = hostEndpoint{
			url:        serverCfg.Endpoint,
			token:      serverCfg.Token,
			authHeader: serverCfg.AuthHeader,
		}
		c.mu.Unlock()

		if err := c.addFilters(name, serverCfg.ResponseFilters); err != nil {
			return err
		}

		if _, err := c.session(name); err != nil {
			slog.Error("connect mcp failed", "server", name, "error", err)
			failed = append(failed, name)
		}
	}

	if len(failed) == len(names) && len(names) > 0 {
		return fmt.Errorf("connect mcp servers %v: all failed", failed)
	}
	return nil
}

func (c *MCPClient) addFilters(name string, filters []config.FilterConfig) error {
	if len(filters) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	existing := c.responseFilters[name]
	chain, ok := existing.(*filter.Chain)
	if !ok {
		chain = filter.NewChain()
		if existing != nil {
			chain.Add(existing)
		}
		c.responseFilters[name] = chain
	}
	if err := chain.Extend(filters); err != nil {
		return fmt.Errorf("response filters for %s: %w", name, err)
	}
	return nil
}

// Servers returns the registered server names.
func (c *MCPClient) Servers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.endpoints))
	for name := range c.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases MCP resources.
func (c *MCPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		slog.Debug("closing mcp client")
		c.cancel()
	}

	var errs []error

	for name, session := range c.sessions {
		if err := session.Close(); err != nil {
			slog.Debug("close session failed", "server", name, "error", err)
		}
		delete(c.sessions, name)
	}

	for name, transport := range c.transports {
		if closer, ok := transport.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				slog.Error("close transport failed", "server", name, "error", err)
				errs = append(errs, fmt.Errorf("close %s: %w", name, err))
			} else {
				slog.Debug("transport closed", "server", name)
			}
		}
		delete(c.transports, name)
	}

	if len(errs) > 0 {
		return fmt.Errorf("close transports: %v", errs)
	}
	return nil
}
