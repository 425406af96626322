package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"pr-hostdata-cache/internal/client"
	"pr-hostdata-cache/internal/config"
	"pr-hostdata-cache/internal/filter/bitbucket"
	"pr-hostdata-cache/internal/hostdata"
	"pr-hostdata-cache/internal/server"
	"pr-hostdata-cache/internal/webhook"
)

func main() {
	// .env is optional; real environment variables win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Load .env: %v\n", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, logCleanup := setupLogger(cfg)
	defer logCleanup()
	slog.SetDefault(logger)

	mcpClient := client.NewMCPClient(cfg)
	if cfg.MCP.Bitbucket.Enabled() && len(cfg.MCP.Bitbucket.ResponseFilters) == 0 {
		mcpClient.SetResponseFilter(config.MCPServerBitbucket, bitbucket.NewResponseFilter())
	}
	if err := mcpClient.InitializeConnections(); err != nil {
		// Hosts that failed reconnect lazily on first use.
		slog.Error("init mcp failed", "error", err)
	}
	defer mcpClient.Close()

	runtime := hostdata.New(cfg, client.NewProvider(mcpClient, cfg.MCPServers()))
	defer func() {
		if err := runtime.Close(); err != nil {
			slog.Error("close cache failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runtime.EnsureReady(ctx); err != nil {
		slog.Error("init cache storage failed", "error", err)
		os.Exit(1)
	}
	go func() {
		if err := runtime.Warmup(ctx, cfg.Warmup.Hosts); err != nil {
			slog.Warn("warmup failed", "error", err)
		}
	}()
	go sweepLoop(ctx, runtime, cfg.Cache.SweepInterval)

	pool := webhook.NewWorkerPool(cfg.Server.ConcurrencyLimit, cfg.Server.QueueSize)
	pool.Start()

	var webhookHandler http.Handler
	if cfg.Webhook.Host != "" {
		webhookHandler = webhook.NewBitbucketWebhookHandler(cfg, runtime, pool, bitbucket.NewPayloadFilter())
	}

	srv := server.New(cfg, runtime, mcpClient, webhookHandler).HTTPServer()
	go func() {
		slog.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server start failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("server stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown forced", "error", err)
	}

	// Wait for queued webhook refreshes
	slog.Info("waiting for refreshes")
	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("refreshes completed")
	case <-time.After(30 * time.Second):
		slog.Warn("refresh timeout, exiting")
	}

	slog.Info("server stopped")
}

// sweepLoop removes expired records on a fixed interval until ctx is done.
func sweepLoop(ctx context.Context, runtime *hostdata.Runtime, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := runtime.SweepExpired(ctx)
			if err != nil {
				slog.Warn("periodic sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				slog.Debug("periodic sweep", "removed", removed)
			}
		}
	}
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg *config.Config) (*slog.Logger, func()) {
	var writers []io.Writer
	var closers []io.Closer

	for _, output := range strings.Split(cfg.Log.Output, ",") {
		output = strings.TrimSpace(output)
		if output == "" {
			continue
		}

		var w io.Writer
		switch output {
		case "stderr":
			w = os.Stderr
		case "stdout":
			w = os.Stdout
		default:
			l := &lumberjack.Logger{
				Filename:   output,
				MaxSize:    cfg.Log.Rotation.MaxSize,
				MaxBackups: cfg.Log.Rotation.MaxBackups,
				MaxAge:     cfg.Log.Rotation.MaxAge,
				Compress:   cfg.Log.Rotation.Compress,
			}
			w = l
			closers = append(closers, l)
		}
		writers = append(writers, w)
	}

	if len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}

	opts := &slog.HandlerOptions{Level: cfg.GetLogLevel()}
	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(io.MultiWriter(writers...), opts)
	} else {
		handler = slog.NewTextHandler(io.MultiWriter(writers...), opts)
	}

	cleanup := func() {
		for _, c := range closers {
			c.Close()
		}
	}
	return slog.New(handler), cleanup
}
