package collection

import (
	"fmt"
	"time"

	"pr-hostdata-cache/internal/domain"
	"pr-hostdata-cache/internal/types"
)

// Normalize repairs rec in place before it is written: the id is re-derived from the natural
// key, the record is stamped with now and an expiry of now+ttl, and kind specific fields are
// brought into their canonical shape. A record without a usable natural key is a schema violation.
func Normalize(rec domain.Record, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	switch r := rec.(type) {
	case *domain.Repository:
		if r.FullName == "" && r.Workspace != "" && r.Repo != "" {
			r.FullName = r.Workspace + "/" + r.Repo
		}
		if r.DisplayName == "" {
			r.DisplayName = r.FullName
		}
	case *domain.PullRequestBundle:
		if !r.DeferredStatus.IsValid() {
			r.DeferredStatus = domain.DeferredLoading
		}
		if r.PR.ID == "" {
			r.PR.ID = r.Ref.PRID
		}
		for i := range r.BuildStatuses {
			r.BuildStatuses[i].State = domain.NormalizeBuildState(r.BuildStatuses[i].State)
		}
		r.DiffStat = nonNil(r.DiffStat)
		r.Commits = nonNil(r.Commits)
		r.Comments = nonNil(r.Comments)
		r.History = nonNil(r.History)
		r.Reviewers = nonNil(r.Reviewers)
		r.BuildStatuses = nonNil(r.BuildStatuses)
	case *domain.FileContext:
		r.Path = domain.NormalizePath(r.Path)
		r.OldLines = nonNil(r.OldLines)
		r.NewLines = nonNil(r.NewLines)
	case *domain.FileHistory:
		r.Path = domain.NormalizePath(r.Path)
		r.Entries = nonNil(r.Entries)
	case *domain.CommitRangeDiff:
		r.DiffStat = nonNil(r.DiffStat)
		r.Commits = nonNil(r.Commits)
	}

	id := rec.NaturalID()
	if id == "" {
		return fmt.Errorf("%w: %s record is missing its natural key", types.ErrSchemaViolation, rec.Kind())
	}

	m := rec.RecordMeta()
	m.ID = id
	m.FetchedAt = now.UnixMilli()
	m.ExpiresAt = m.FetchedAt + ttl.Milliseconds()
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
