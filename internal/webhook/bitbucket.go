package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"pr-hostdata-cache/internal/config"
	"pr-hostdata-cache/internal/domain"
	"pr-hostdata-cache/internal/filter"
	"pr-hostdata-cache/internal/metrics"
)

// Refresher refetches the cached bundle of a pull request.
type Refresher interface {
	RefreshPullRequest(ctx context.Context, ref domain.PullRequestRef) error
}

// BitbucketWebhookHandler handles incoming Bitbucket webhook events
type BitbucketWebhookHandler struct {
	refresher     Refresher
	config        *config.Config
	parser        *PayloadParser
	pool          *WorkerPool
	payloadFilter filter.PayloadFilter
}

// NewBitbucketWebhookHandler creates a new webhook handler. payloadFilter shapes the payload
// previews logged for rejected deliveries and may be nil.
func NewBitbucketWebhookHandler(cfg *config.Config, refresher Refresher, pool *WorkerPool, payloadFilter filter.PayloadFilter) *BitbucketWebhookHandler {
	return &BitbucketWebhookHandler{
		refresher:     refresher,
		config:        cfg,
		parser:        NewPayloadParser(cfg.Webhook.Host),
		pool:          pool,
		payloadFilter: payloadFilter,
	}
}

// ServeHTTP handles incoming webhook requests
func (h *BitbucketWebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	slog.Debug("received webhook request", "method", r.Method, "content_length", r.ContentLength)
	metrics.WebhookRequests.WithLabelValues("received").Inc()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// 1. Security: Limit request body size
	r.Body = http.MaxBytesReader(w, r.Body, h.config.Server.MaxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Warn("read body failed", "error", err)
		http.Error(w, "Error reading request body", http.StatusBadRequest)
		metrics.WebhookRequests.WithLabelValues("error_read").Inc()
		return
	}

	// 2. Security: Verify webhook signature if secret is configured
	if h.config.Server.WebhookSecret != "" {
		signature := r.Header.Get("X-Hub-Signature")
		if signature == "" {
			slog.Warn("missing signature")
			http.Error(w, "Missing signature", http.StatusUnauthorized)
			metrics.WebhookRequests.WithLabelValues("invalid_signature").Inc()
			return
		}

		if !verifySignature(body, signature, h.config.Server.WebhookSecret) {
			slog.Warn("invalid signature")
			http.Error(w, "Invalid signature", http.StatusUnauthorized)
			metrics.WebhookRequests.WithLabelValues("invalid_signature").Inc()
			return
		}
	}

	if !utf8.Valid(body) {
		slog.Warn("request body is not valid utf-8")
		http.Error(w, "Invalid encoding", http.StatusBadRequest)
		metrics.WebhookRequests.WithLabelValues("invalid_encoding").Inc()
		return
	}

	// Bitbucket's connectivity test carries no pull request.
	if r.Header.Get("X-Event-Key") == "diagnostics:ping" {
		w.WriteHeader(http.StatusOK)
		return
	}

	ev, err := h.parser.Parse(body)
	if ev.Key == "" {
		ev.Key = r.Header.Get("X-Event-Key")
	}
	if !isRefreshEvent(ev.Key) {
		slog.Info("ignoring event", "event_key", ev.Key, "pr_id", ev.Ref.PRID)
		metrics.WebhookRequests.WithLabelValues("ignored_event").Inc()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "Event ignored")
		return
	}
	if err != nil {
		slog.Error("payload parse failed",
			"error", err,
			"event_key", ev.Key,
			"payload_preview", h.preview(body, 500),
		)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		metrics.WebhookRequests.WithLabelValues("invalid_payload").Inc()
		return
	}

	ref := ev.Ref
	err = h.pool.Submit(func(ctx context.Context) error {
		timeout := h.config.Webhook.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		slog.Info("refreshing pull request", "bundle", ref.BundleID(), "event_key", ev.Key)
		if err := h.refresher.RefreshPullRequest(ctx, ref); err != nil {
			return fmt.Errorf("refresh %s: %w", ref.BundleID(), err)
		}
		return nil
	})
	switch {
	case errors.Is(err, ErrQueueFull):
		slog.Warn("refresh queue full, request dropped", "bundle", ref.BundleID())
		metrics.WebhookRequests.WithLabelValues("dropped_queue_full").Inc()
		http.Error(w, "Server busy, please retry later", http.StatusTooManyRequests)
		return
	case err != nil:
		slog.Warn("refresh not queued", "bundle", ref.BundleID(), "error", err)
		metrics.WebhookRequests.WithLabelValues("dropped_stopped").Inc()
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}

	metrics.WebhookRequests.WithLabelValues("accepted").Inc()
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintln(w, "Pull request queued for refresh")
}

func isRefreshEvent(key string) bool {
	switch key {
	case config.EventPROpened, config.EventPRFromRefUpdated, config.EventPRCommentAdded:
		return true
	}
	return false
}

func (h *BitbucketWebhookHandler) preview(body []byte, max int) string {
	if h.payloadFilter != nil {
		body = h.payloadFilter.Filter(body)
	}
	return truncateForLog(body, max)
}

// verifySignature validates the HMAC-SHA256 signature of a webhook request
// Expected header format: sha256=<hex-encoded-signature>
func verifySignature(body []byte, signature, secret string) bool {
	parts := strings.SplitN(signature, "=", 2)
	if len(parts) != 2 {
		return false
	}

	algorithm := parts[0]
	providedSig := parts[1]

	if algorithm != "sha256" {
		slog.Warn("unsupported signature algorithm", "algorithm", algorithm)
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expectedSig := hex.EncodeToString(mac.Sum(nil))

	// Use constant-time comparison to prevent timing attacks
	return hmac.Equal([]byte(expectedSig), []byte(providedSig))
}

func truncateForLog(b []byte, max int) string {
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
