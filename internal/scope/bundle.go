package scope

import (
	"context"
	"fmt"
	"log/slog"

	"pr-hostdata-cache/internal/collection"
	"pr-hostdata-cache/internal/domain"
	"pr-hostdata-cache/internal/provider"
)

// fetchStagedBundle hydrates a bundle in two writes. The critical write replaces the
// metadata and diff, keeps previously fetched deferred data and marks the deferred part
// loading. The deferred write merges comments, history, reviewers and builds and marks it
// ready, or marks it error and leaves the critical fields alone.
func (m *Manager) fetchStagedBundle(ref domain.PullRequestRef) fetchFunc {
	id := ref.BundleID()
	return func(ctx context.Context, w *writer) ([]string, error) {
		_, existed := w.core.Collection().Get(id)

		critical, err := m.provider.FetchBundleCritical(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("fetch critical bundle %s: %w", id, err)
		}
		criticalAt := m.now().UnixMilli()
		err = w.update(ctx, domain.KindPullRequestBundle, id, collection.QuotaFallback, func(current domain.Record) (domain.Record, error) {
			b := bundleOrNew(current, ref)
			applyCritical(b, critical)
			b.CriticalFetchedAt = criticalAt
			b.DeferredStatus = domain.DeferredLoading
			return b, nil
		})
		if err != nil {
			return nil, err
		}
		ids := []string{id}

		deferredID := w.core.id + deferredSuffix
		m.activity.Start(deferredID, w.core.label+" (deferred)")
		deferred, derr := m.provider.FetchBundleDeferred(ctx, ref)
		m.activity.End(deferredID)

		if derr != nil {
			slog.Warn("deferred bundle stage failed", "bundle", id, "error", derr)
			err := w.update(ctx, domain.KindPullRequestBundle, id, collection.QuotaFallback, func(current domain.Record) (domain.Record, error) {
				b, _ := current.(*domain.PullRequestBundle)
				if b == nil {
					return nil, nil
				}
				b.DeferredStatus = domain.DeferredError
				return b, nil
			})
			if err != nil {
				return ids, err
			}
			m.syncPolling(w, id)
			if !existed {
				return ids, fmt.Errorf("fetch deferred bundle %s: %w", id, derr)
			}
			return ids, &PartialStageError{Err: derr}
		}

		deferredAt := m.now().UnixMilli()
		err = w.update(ctx, domain.KindPullRequestBundle, id, collection.QuotaFallback, func(current domain.Record) (domain.Record, error) {
			b := bundleOrNew(current, ref)
			applyDeferred(b, deferred)
			b.DeferredFetchedAt = deferredAt
			b.DeferredStatus = domain.DeferredReady
			return b, nil
		})
		if err != nil {
			return ids, err
		}
		m.syncPolling(w, id)
		return ids, nil
	}
}

// fetchWholeBundle hydrates a bundle in a single round trip and marks it ready.
func (m *Manager) fetchWholeBundle(ref domain.PullRequestRef) fetchFunc {
	id := ref.BundleID()
	return func(ctx context.Context, w *writer) ([]string, error) {
		whole, err := m.provider.FetchBundle(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("fetch bundle %s: %w", id, err)
		}
		now := m.now().UnixMilli()
		err = w.update(ctx, domain.KindPullRequestBundle, id, collection.QuotaFallback, func(domain.Record) (domain.Record, error) {
			b := &domain.PullRequestBundle{Ref: ref}
			applyCritical(b, &whole.Critical)
			applyDeferred(b, &whole.Deferred)
			b.CriticalFetchedAt = now
			b.DeferredFetchedAt = now
			b.DeferredStatus = domain.DeferredReady
			return b, nil
		})
		if err != nil {
			return nil, err
		}
		m.syncPolling(w, id)
		return []string{id}, nil
	}
}

func bundleOrNew(current domain.Record, ref domain.PullRequestRef) *domain.PullRequestBundle {
	b, _ := current.(*domain.PullRequestBundle)
	if b == nil {
		b = &domain.PullRequestBundle{}
	}
	b.Ref = ref
	return b
}

func applyCritical(b *domain.PullRequestBundle, c *provider.CriticalBundle) {
	b.PR = c.PR
	b.Diff = c.Diff
	b.DiffStat = c.DiffStat
	b.Commits = c.Commits
}

func applyDeferred(b *domain.PullRequestBundle, d *provider.DeferredBundle) {
	if d.PR != nil {
		b.PR = b.PR.Patch(*d.PR)
	}
	b.Comments = d.Comments
	b.History = d.History
	b.Reviewers = d.Reviewers
	b.BuildStatuses = d.BuildStatuses
}

// syncPolling keeps a bundle with pending builds refetching on an interval and stops once
// nothing is pending. Superseded refetches leave polling to the newer call.
func (m *Manager) syncPolling(w *writer, id string) {
	if w.stale() {
		return
	}
	s := w.core
	b, ok := collection.Get[*domain.PullRequestBundle](s.Collection(), id)
	if !ok || !b.HasPendingBuilds() || s.isClosed() {
		m.poller.Stop(s.pollKey())
		return
	}
	if m.poller.Start(s.pollKey(), func() { m.poll(s) }) {
		slog.Debug("polling pending builds", "bundle", id)
	}
}

func (m *Manager) poll(s *core) {
	if s.IsFetching() {
		return
	}
	if err := s.Refetch(m.ctx, RefetchOptions{}); err != nil {
		slog.Warn("pending build poll failed", "scope", s.id, "error", err)
	}
}
