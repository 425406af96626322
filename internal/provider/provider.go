package provider

import (
	"context"

	"pr-hostdata-cache/internal/domain"
)

// CriticalBundle is the fast part of a pull request: enough to render the diff.
type CriticalBundle struct {
	PR       domain.PullRequest
	Diff     string
	DiffStat []domain.DiffStat
	Commits  []domain.Commit
}

// DeferredBundle is the slow part of a pull request. PR, when set, carries only the
// metadata fields the deferred call observed and is patched over the stored metadata.
type DeferredBundle struct {
	PR            *domain.PullRequest
	Comments      []domain.Comment
	History       []domain.HistoryEntry
	Reviewers     []domain.Reviewer
	BuildStatuses []domain.BuildStatus
}

// Bundle is a whole pull request fetched in one round trip.
type Bundle struct {
	Critical CriticalBundle
	Deferred DeferredBundle
}

// FileContext holds the full old and new contents of one file, one line per element.
type FileContext struct {
	OldLines []string
	NewLines []string
}

// CommitRange is the diff between two commits.
type CommitRange struct {
	Diff     string
	DiffStat []domain.DiffStat
	Commits  []string
}

// Client is the git hosting provider API consumed by the cache. Failures are returned as
// *types.NetworkError, possibly wrapped in *types.RetryableError.
type Client interface {
	ListRepositories(ctx context.Context, host string) ([]domain.Repository, error)
	ListPullRequests(ctx context.Context, host string, repos []domain.RepoRef) ([]domain.RepoPullRequest, error)
	FetchBundleCritical(ctx context.Context, ref domain.PullRequestRef) (*CriticalBundle, error)
	FetchBundleDeferred(ctx context.Context, ref domain.PullRequestRef) (*DeferredBundle, error)
	FetchBundle(ctx context.Context, ref domain.PullRequestRef) (*Bundle, error)
	FetchFileContext(ctx context.Context, ref domain.PullRequestRef, path string) (*FileContext, error)
	FetchFileHistory(ctx context.Context, ref domain.PullRequestRef, path string) ([]domain.FileHistoryEntry, error)
	FetchCommitRangeDiff(ctx context.Context, ref domain.PullRequestRef, base, head string) (*CommitRange, error)
}
