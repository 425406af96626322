package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"pr-hostdata-cache/internal/metrics"
	"pr-hostdata-cache/internal/types"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/tidwall/gjson"
)

// CallTool calls a tool on a specific MCP server with retry logic and returns its JSON output
// after the server's response filters. Transport failures are retried on a fresh session; a
// tool reporting an error is returned as *types.NetworkError without retry.
func (c *MCPClient) CallTool(ctx context.Context, serverName, toolName string, args map[string]interface{}) ([]byte, error) {
	slog.Debug("call tool", "server", serverName, "tool", toolName)
	op := serverName + "/" + toolName

	maxAttempts := c.cfg.MCP.Retry.Attempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		session, err := c.session(serverName)
		if err != nil {
			lastErr = err
			if attempt < maxAttempts-1 {
				c.markStale(serverName)
				c.waitRetry(ctx, attempt)
				continue
			}
			break
		}

		params := mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		}

		result, err := session.CallTool(ctx, &params)
		if err == nil {
			text := resultText(result)
			if result.IsError {
				metrics.ProviderCalls.WithLabelValues(serverName, toolName, "tool_error").Inc()
				return nil, types.NewNetworkError(op, toolErrorStatus(text), errors.New(truncateText(text, 300)))
			}
			metrics.ProviderCalls.WithLabelValues(serverName, toolName, "success").Inc()

			payload := []byte(types.UnwrapJSONText(text))

			c.mu.RLock()
			f := c.responseFilters[serverName]
			c.mu.RUnlock()
			if f != nil {
				payload = f.Filter(toolName, payload)
			}
			return payload, nil
		}

		lastErr = err
		slog.Warn("call tool failed", "server", serverName, "tool", toolName, "attempt", attempt, "error", err)

		if ctx.Err() != nil {
			break
		}
		if attempt < maxAttempts-1 {
			c.markStale(serverName)
			c.waitRetry(ctx, attempt)
		}
	}

	metrics.ProviderCalls.WithLabelValues(serverName, toolName, "error").Inc()
	return nil, types.NewNetworkError(op, 0, fmt.Errorf("call tool failed: %w", lastErr))
}

// resultText joins the text content of a tool result. Servers that only return structured
// content have it encoded instead.
func resultText(result *mcp.CallToolResult) string {
	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	if len(parts) == 0 && result.StructuredContent != nil {
		if data, err := json.Marshal(result.StructuredContent); err == nil {
			return string(data)
		}
	}
	return strings.Join(parts, "\n")
}

// toolErrorStatus recovers the upstream HTTP status from a tool error message.
func toolErrorStatus(text string) int {
	body := types.UnwrapJSONText(text)
	if gjson.Valid(body) {
		for _, path := range []string{"status", "statusCode", "error.status", "errors.0.status"} {
			if res := gjson.Get(body, path); res.Exists() && res.Int() >= 400 && res.Int() < 600 {
				return int(res.Int())
			}
		}
	}

	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "not found"), strings.Contains(lower, "404"):
		return http.StatusNotFound
	case strings.Contains(lower, "unauthorized"), strings.Contains(lower, "401"):
		return http.StatusUnauthorized
	case strings.Contains(lower, "forbidden"), strings.Contains(lower, "403"):
		return http.StatusForbidden
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "429"):
		return http.StatusTooManyRequests
	}
	return http.StatusBadGateway
}

func truncateText(s string, max int) string {
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
