package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"pr-hostdata-cache/internal/metrics"
)

// hostEndpoint is what a host needs to be dialled again after its session goes stale.
type hostEndpoint struct {
	url        string
	token      string
	authHeader string
}

// breaker stops dialling a host for a while after repeated connect failures.
// A successful connect discards it.
type breaker struct {
	failures  int
	openUntil time.Time
}

func (b *breaker) rejecting(now time.Time) bool {
	return b != nil && now.Before(b.openUntil)
}

// fail counts one failure and reports whether it opened the breaker.
func (b *breaker) fail(now time.Time, threshold int, openFor time.Duration) bool {
	b.failures++
	if threshold <= 0 || b.failures < threshold {
		return false
	}
	b.openUntil = now.Add(openFor)
	return true
}

// IsHealthy reports whether every registered host has a live session.
func (c *MCPClient) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for host := range c.endpoints {
		if _, ok := c.sessions[host]; !ok || c.stale[host] {
			return false
		}
	}
	return true
}

func (c *MCPClient) liveSession(host string) (*mcp.ClientSession, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[host]
	return s, ok && !c.stale[host]
}

// session returns the live session of host, dialling it when missing or stale.
// Concurrent callers share one dial.
func (c *MCPClient) session(host string) (*mcp.ClientSession, error) {
	c.mu.RLock()
	b := c.breakers[host]
	rejecting := b.rejecting(time.Now())
	var until time.Time
	if rejecting {
		until = b.openUntil
	}
	c.mu.RUnlock()

	if rejecting {
		metrics.ProviderCalls.WithLabelValues(host, "connect", "rejected").Inc()
		return nil, fmt.Errorf("mcp %s unavailable until %s", host, until.Format(time.RFC3339))
	}
	if s, ok := c.liveSession(host); ok {
		return s, nil
	}

	v, err, _ := c.connectGroup.Do(host, func() (interface{}, error) {
		if s, ok := c.liveSession(host); ok {
			return s, nil
		}
		return c.connect(host)
	})
	if err != nil {
		c.noteFailure(host)
		return nil, err
	}
	return v.(*mcp.ClientSession), nil
}

func (c *MCPClient) connect(host string) (*mcp.ClientSession, error) {
	c.mu.Lock()
	ep, ok := c.endpoints[host]
	dial := c.transportFactory
	delete(c.transports, host)
	delete(c.sessions, host)
	c.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("mcp server not configured: %s", host)
	}
	logger := slog.With("server", host)
	logger.Info("connecting")

	transport, err := dial(c.baseCtx, ep.url, ep.token, ep.authHeader, c.cfg.MCP.Timeout)
	if err != nil {
		return nil, fmt.Errorf("create transport %s: %w", host, err)
	}
	impl := &mcp.Implementation{Name: "pr-hostdata-cache", Version: "1.0.0"}
	s, err := mcp.NewClient(impl, nil).Connect(c.baseCtx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp connect %s: %w", host, err)
	}

	c.mu.Lock()
	c.transports[host] = transport
	c.sessions[host] = s
	c.stale[host] = false
	delete(c.breakers, host)
	c.mu.Unlock()

	logger.Info("connected")
	return s, nil
}

func (c *MCPClient) noteFailure(host string) {
	cb := c.cfg.MCP.CircuitBreaker

	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.breakers[host]
	if b == nil {
		b = &breaker{}
		c.breakers[host] = b
	}
	if b.fail(time.Now(), cb.FailureThreshold, cb.OpenDuration) {
		slog.Warn("mcp host suspended", "server", host, "failures", b.failures, "until", b.openUntil)
		metrics.ProviderCalls.WithLabelValues(host, "connect", "suspended").Inc()
	}
}

// markStale makes the next call to host dial a fresh session.
func (c *MCPClient) markStale(host string) {
	c.mu.Lock()
	c.stale[host] = true
	c.mu.Unlock()
}

// retryDelay doubles the configured backoff per attempt up to MaxBackoff.
func (c *MCPClient) retryDelay(attempt int) time.Duration {
	d := c.cfg.MCP.Retry.Backoff << attempt
	if limit := c.cfg.MCP.Retry.MaxBackoff; limit > 0 && (d > limit || d <= 0) {
		d = limit
	}
	return d
}

// waitRetry sleeps for retryDelay(attempt) or until ctx is done.
func (c *MCPClient) waitRetry(ctx context.Context, attempt int) {
	t := time.NewTimer(c.retryDelay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
