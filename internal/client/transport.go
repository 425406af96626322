package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// TokenRoundTripper wraps http.RoundTripper to inject the host token
type TokenRoundTripper struct {
	Base       http.RoundTripper
	Token      string
	AuthHeader string
}

// RoundTrip implements http.RoundTripper
func (t *TokenRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Token != "" {
		req = req.Clone(req.Context())
		if t.AuthHeader != "" {
			req.Header.Set(t.AuthHeader, t.Token)
		} else {
			req.Header.Set("Authorization", "Bearer "+t.Token)
		}
	}
	if t.Base == nil {
		return http.DefaultTransport.RoundTrip(req)
	}
	return t.Base.RoundTrip(req)
}

// NewMCPTransport creates mcp.Transport based on endpoint and token.
// stdio://command args runs a local server; http(s) endpoints ending in /sse use the SSE
// transport and every other http(s) endpoint the streamable transport.
func NewMCPTransport(ctx context.Context, endpoint, token, authHeader string, timeout time.Duration) (mcp.Transport, error) {
	switch {
	case strings.HasPrefix(endpoint, "stdio://"):
		return newStdioTransport(ctx, endpoint, token, authHeader)
	case strings.HasPrefix(endpoint, "http://"), strings.HasPrefix(endpoint, "https://"):
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("invalid endpoint %s: %w", endpoint, err)
		}
		httpClient := newHTTPClient(token, authHeader, timeout)
		if strings.HasSuffix(strings.TrimSuffix(u.Path, "/"), "/sse") {
			return &mcp.SSEClientTransport{Endpoint: endpoint, HTTPClient: httpClient}, nil
		}
		return &mcp.StreamableClientTransport{Endpoint: endpoint, HTTPClient: httpClient}, nil
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme: %s", endpoint)
	}
}

func newStdioTransport(ctx context.Context, endpoint, token, envName string) (mcp.Transport, error) {
	// Format: stdio://command arg1 arg2
	cmdLine := strings.TrimPrefix(endpoint, "stdio://")
	parts := splitWithQuotes(cmdLine)
	if len(parts) == 0 {
		return nil, fmt.Errorf("invalid stdio endpoint: %s", endpoint)
	}

	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	if token != "" {
		if envName == "" {
			envName = "MCP_TOKEN"
		}
		cmd.Env = append(cmd.Environ(), envName+"="+token)
	}
	return &mcp.CommandTransport{Command: cmd}, nil
}

// newHTTPClient bounds the wait for response headers only; event streams stay open.
func newHTTPClient(token, authHeader string, timeout time.Duration) *http.Client {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.ResponseHeaderTimeout = timeout

	var rt http.RoundTripper = base
	if token != "" {
		rt = &TokenRoundTripper{Base: base, Token: token, AuthHeader: authHeader}
	}
	return &http.Client{Transport: rt}
}

func splitWithQuotes(s string) []string {
	var args []string
	var current []rune
	inQuote := false
	quoteChar := rune(0)

	for _, c := range s {
		if inQuote {
			if c == quoteChar {
				inQuote = false
			} else {
				current = append(current, c)
			}
			continue
		}
		switch c {
		case '"', '\'':
			inQuote = true
			quoteChar = c
		case ' ', '\t':
			if len(current) > 0 {
				args = append(args, string(current))
				current = nil
			}
		default:
			current = append(current, c)
		}
	}
	if len(current) > 0 {
		args = append(args, string(current))
	}
	return args
}
