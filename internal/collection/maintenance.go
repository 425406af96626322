package collection

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pr-hostdata-cache/internal/domain"
	"pr-hostdata-cache/internal/metrics"
	"pr-hostdata-cache/internal/storage"
)

// CollectionStats describes one collection for diagnostics. Times are epoch milliseconds.
type CollectionStats struct {
	Kind            domain.Kind `json:"kind"`
	Count           int         `json:"count"`
	ApproxBytes     int         `json:"approxBytes"`
	OldestFetchedAt int64       `json:"oldestFetchedAt,omitempty"`
	NewestFetchedAt int64       `json:"newestFetchedAt,omitempty"`
	OldestExpiresAt int64       `json:"oldestExpiresAt,omitempty"`
	NewestExpiresAt int64       `json:"newestExpiresAt,omitempty"`
	ExpiredNotSwept int         `json:"expiredNotSwept"`
}

// DebugSnapshot is the operator view of the cache.
type DebugSnapshot struct {
	BackendMode storage.Mode      `json:"backendMode"`
	TTLMillis   int64             `json:"ttlMs"`
	LastSweepAt int64             `json:"lastSweepAt,omitempty"`
	Version     int64             `json:"version"`
	GeneratedAt int64             `json:"generatedAt"`
	Collections []CollectionStats `json:"collections"`
}

// Sweep deletes every record with ExpiresAt <= now across all collections and returns how
// many were removed. Sweeping twice at the same now removes nothing the second time.
func (r *Registry) Sweep(ctx context.Context, now time.Time) (int, error) {
	if err := r.EnsureReady(ctx); err != nil {
		return 0, err
	}
	return r.sweep(ctx, now, "manual")
}

// maybeSweep runs a sweep if more than SweepInterval passed since the last one.
func (r *Registry) maybeSweep(ctx context.Context) {
	now := r.opts.Now()
	last := r.lastSweep.Load()
	if now.UnixMilli()-last <= r.opts.SweepInterval.Milliseconds() {
		return
	}
	// Concurrent writers race for the slot; only the winner sweeps.
	if !r.lastSweep.CompareAndSwap(last, now.UnixMilli()) {
		return
	}
	if _, err := r.sweep(ctx, now, "opportunistic"); err != nil {
		slog.Warn("opportunistic sweep failed", "error", err)
	}
}

func (r *Registry) sweep(ctx context.Context, now time.Time, trigger string) (int, error) {
	ms := now.UnixMilli()

	r.mu.RLock()
	if r.backend == nil {
		r.mu.RUnlock()
		return 0, errClosed
	}
	var touched []*Collection
	total := 0
	for _, kind := range domain.Kinds {
		if _, err := r.backend.DeleteExpired(ctx, kind, ms); err != nil {
			r.mu.RUnlock()
			return total, fmt.Errorf("sweep %s: %w", kind, err)
		}
		coll := r.collections[kind]
		if n := coll.removeExpired(ms); n > 0 {
			total += n
			touched = append(touched, coll)
		}
	}
	r.mu.RUnlock()

	r.lastSweep.Store(ms)
	metrics.Sweeps.WithLabelValues(trigger).Inc()
	metrics.SweepRemoved.Add(float64(total))
	if total > 0 {
		slog.Info("expired records swept", "removed", total, "trigger", trigger)
	}

	for _, coll := range touched {
		coll.notify()
	}
	return total, nil
}

// ClearAll removes every record from every collection regardless of expiry.
func (r *Registry) ClearAll(ctx context.Context) (int, error) {
	if err := r.EnsureReady(ctx); err != nil {
		return 0, err
	}

	r.mu.RLock()
	if r.backend == nil {
		r.mu.RUnlock()
		return 0, errClosed
	}
	colls := make([]*Collection, 0, len(domain.Kinds))
	total := 0
	for _, kind := range domain.Kinds {
		if err := r.backend.Clear(ctx, kind); err != nil {
			r.mu.RUnlock()
			return total, fmt.Errorf("clear %s: %w", kind, err)
		}
		coll := r.collections[kind]
		total += coll.clear()
		colls = append(colls, coll)
	}
	r.mu.RUnlock()

	slog.Info("host data cache cleared", "removed", total)
	for _, coll := range colls {
		coll.notify()
	}
	return total, nil
}

// DebugSnapshot reports per collection statistics evaluated at now.
func (r *Registry) DebugSnapshot(ctx context.Context, now time.Time) (DebugSnapshot, error) {
	if err := r.EnsureReady(ctx); err != nil {
		return DebugSnapshot{}, err
	}

	ms := now.UnixMilli()
	snap := DebugSnapshot{
		BackendMode: r.Mode(),
		TTLMillis:   r.opts.TTL.Milliseconds(),
		LastSweepAt: r.lastSweep.Load(),
		Version:     r.Version(),
		GeneratedAt: ms,
	}
	for _, kind := range domain.Kinds {
		snap.Collections = append(snap.Collections, r.Collection(kind).stats(ms))
	}
	return snap, nil
}
