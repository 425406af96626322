package scope

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"pr-hostdata-cache/internal/collection"
	"pr-hostdata-cache/internal/domain"

	"golang.org/x/sync/errgroup"
)

// ErrInvalidParams is returned by the scope factories when a query misses a key field.
var ErrInvalidParams = errors.New("invalid scope parameters")

type repositoriesParams struct {
	Host string `json:"host"`
}

// Repositories returns the scope listing the repositories of host.
func (m *Manager) Repositories(host string) (*Scope[*domain.Repository], error) {
	if host == "" {
		return nil, fmt.Errorf("%w: host is required", ErrInvalidParams)
	}

	key := scopeKey(domain.KindRepository, repositoriesParams{Host: host})
	match := func(r *domain.Repository) bool { return r.Host == host }
	fetch := func(ctx context.Context, w *writer) ([]string, error) {
		repos, err := m.provider.ListRepositories(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("list repositories %s: %w", host, err)
		}
		recs := make([]domain.Record, 0, len(repos))
		for i := range repos {
			if repos[i].Host == "" {
				repos[i].Host = host
			}
			recs = append(recs, &repos[i])
		}
		return w.upsertAll(ctx, recs, collection.QuotaSkip)
	}
	return obtain(m, m.repositories, domain.KindRepository, key, "repositories "+host, match, fetch), nil
}

// normalizeRepos sorts and dedupes the repository lists and drops hosts without repositories,
// so logically equal queries share one key. Duplicates keep the first non-empty FullName.
func normalizeRepos(reposByHost map[string][]domain.RepoRef) map[string][]domain.RepoRef {
	out := make(map[string][]domain.RepoRef, len(reposByHost))
	for host, repos := range reposByHost {
		if host == "" {
			continue
		}
		type repoID struct{ workspace, repo string }
		seen := make(map[repoID]int, len(repos))
		list := make([]domain.RepoRef, 0, len(repos))
		for _, r := range repos {
			if r.Workspace == "" || r.Repo == "" {
				continue
			}
			k := repoID{r.Workspace, r.Repo}
			if i, ok := seen[k]; ok {
				if list[i].FullName == "" {
					list[i].FullName = r.FullName
				}
				continue
			}
			seen[k] = len(list)
			list = append(list, r)
		}
		if len(list) == 0 {
			continue
		}
		sort.Slice(list, func(i, j int) bool {
			if list[i].Workspace != list[j].Workspace {
				return list[i].Workspace < list[j].Workspace
			}
			return list[i].Repo < list[j].Repo
		})
		out[host] = list
	}
	return out
}

// RepoPullRequests returns the scope listing pull requests across the given repositories.
// Hosts are fetched concurrently; the refetch fails only if every host fails.
func (m *Manager) RepoPullRequests(reposByHost map[string][]domain.RepoRef) (*Scope[*domain.RepoPullRequest], error) {
	params := normalizeRepos(reposByHost)
	if len(params) == 0 {
		return nil, fmt.Errorf("%w: at least one repository is required", ErrInvalidParams)
	}

	hosts := make([]string, 0, len(params))
	repoKeys := make(map[string]bool)
	// FullName is display data; the key covers only (workspace, repo).
	keyParams := make(map[string][]domain.RepoRef, len(params))
	count := 0
	for host, repos := range params {
		hosts = append(hosts, host)
		for _, r := range repos {
			repoKeys[domain.RepoKey(host, r.Workspace, r.Repo)] = true
			keyParams[host] = append(keyParams[host], domain.RepoRef{Workspace: r.Workspace, Repo: r.Repo})
		}
		count += len(repos)
	}
	sort.Strings(hosts)

	key := scopeKey(domain.KindRepoPullRequest, keyParams)
	label := fmt.Sprintf("pull requests %s (%d repositories)", strings.Join(hosts, ","), count)
	match := func(pr *domain.RepoPullRequest) bool { return repoKeys[pr.RepoKey()] }

	fetch := func(ctx context.Context, w *writer) ([]string, error) {
		results := make([][]domain.RepoPullRequest, len(hosts))
		errs := make([]error, len(hosts))

		// All settled: a failing host never cancels its siblings.
		var g errgroup.Group
		for i, host := range hosts {
			g.Go(func() error {
				prs, err := m.provider.ListPullRequests(ctx, host, params[host])
				if err != nil {
					errs[i] = fmt.Errorf("list pull requests %s: %w", host, err)
					return nil
				}
				results[i] = prs
				return nil
			})
		}
		_ = g.Wait()

		failedHosts := make(map[string]bool)
		for i, err := range errs {
			if err != nil {
				failedHosts[hosts[i]] = true
				slog.Warn("pull request list failed", "host", hosts[i], "error", err)
			}
		}
		if len(failedHosts) == len(hosts) {
			return nil, errors.Join(errs...)
		}

		var recs []domain.Record
		for i, prs := range results {
			for j := range prs {
				if prs[j].Host == "" {
					prs[j].Host = hosts[i]
				}
				if !repoKeys[prs[j].RepoKey()] {
					continue
				}
				recs = append(recs, &prs[j])
			}
		}
		ids, err := w.upsertAll(ctx, recs, collection.QuotaSkip)
		if err != nil {
			return nil, err
		}

		// Keep showing what failed hosts returned last time.
		if len(failedHosts) > 0 {
			_, prev, _ := w.core.view()
			coll := w.core.Collection()
			for _, id := range prev {
				if pr, ok := collection.Get[*domain.RepoPullRequest](coll, id); ok && failedHosts[pr.Host] {
					ids = append(ids, id)
				}
			}
		}
		return ids, nil
	}

	return obtain(m, m.pullRequests, domain.KindRepoPullRequest, key, label, match, fetch), nil
}

// BundleOptions selects how a pull request bundle is hydrated.
type BundleOptions struct {
	// Staged fetches the critical part first and the deferred part second. Otherwise the
	// whole bundle is fetched in one round trip.
	Staged bool
}

type bundleParams struct {
	Ref    domain.PullRequestRef `json:"ref"`
	Staged bool                  `json:"staged"`
}

// PullRequestBundle returns the scope of one pull request bundle.
func (m *Manager) PullRequestBundle(ref domain.PullRequestRef, opts BundleOptions) (*Scope[*domain.PullRequestBundle], error) {
	if !ref.IsValid() {
		return nil, fmt.Errorf("%w: pull request ref %+v", ErrInvalidParams, ref)
	}

	id := ref.BundleID()
	key := scopeKey(domain.KindPullRequestBundle, bundleParams{Ref: ref, Staged: opts.Staged})
	match := func(b *domain.PullRequestBundle) bool { return b.ID == id }

	var fetch fetchFunc
	if opts.Staged {
		fetch = m.fetchStagedBundle(ref)
	} else {
		fetch = m.fetchWholeBundle(ref)
	}
	return obtain(m, m.bundles, domain.KindPullRequestBundle, key, "bundle "+id, match, fetch), nil
}

type fileParams struct {
	Ref  domain.PullRequestRef `json:"ref"`
	Path string                `json:"path"`
}

// FileContext returns the scope holding the expanded context of one file of a pull request.
func (m *Manager) FileContext(ref domain.PullRequestRef, path string) (*Scope[*domain.FileContext], error) {
	path = domain.NormalizePath(path)
	if !ref.IsValid() || path == "" {
		return nil, fmt.Errorf("%w: file context %+v %q", ErrInvalidParams, ref, path)
	}

	id := domain.FileKey(ref.BundleID(), path)
	key := scopeKey(domain.KindFileContext, fileParams{Ref: ref, Path: path})
	match := func(f *domain.FileContext) bool { return f.ID == id }
	fetch := func(ctx context.Context, w *writer) ([]string, error) {
		fc, err := m.provider.FetchFileContext(ctx, ref, path)
		if err != nil {
			return nil, fmt.Errorf("fetch file context %s: %w", id, err)
		}
		rec := &domain.FileContext{BundleID: ref.BundleID(), Path: path, OldLines: fc.OldLines, NewLines: fc.NewLines}
		if err := w.upsert(ctx, rec, collection.QuotaSkip); err != nil {
			return nil, err
		}
		return []string{rec.ID}, nil
	}
	return obtain(m, m.fileContexts, domain.KindFileContext, key, "file context "+id, match, fetch), nil
}

// FileHistory returns the scope holding the prior commits of one file of a pull request.
func (m *Manager) FileHistory(ref domain.PullRequestRef, path string) (*Scope[*domain.FileHistory], error) {
	path = domain.NormalizePath(path)
	if !ref.IsValid() || path == "" {
		return nil, fmt.Errorf("%w: file history %+v %q", ErrInvalidParams, ref, path)
	}

	id := domain.FileKey(ref.BundleID(), path)
	key := scopeKey(domain.KindFileHistory, fileParams{Ref: ref, Path: path})
	match := func(f *domain.FileHistory) bool { return f.ID == id }
	fetch := func(ctx context.Context, w *writer) ([]string, error) {
		entries, err := m.provider.FetchFileHistory(ctx, ref, path)
		if err != nil {
			return nil, fmt.Errorf("fetch file history %s: %w", id, err)
		}
		rec := &domain.FileHistory{BundleID: ref.BundleID(), Path: path, Entries: entries}
		if err := w.upsert(ctx, rec, collection.QuotaSkip); err != nil {
			return nil, err
		}
		return []string{rec.ID}, nil
	}
	return obtain(m, m.fileHistories, domain.KindFileHistory, key, "file history "+id, match, fetch), nil
}

type commitRangeParams struct {
	Ref  domain.PullRequestRef `json:"ref"`
	Base string                `json:"base"`
	Head string                `json:"head"`
}

// CommitRangeDiff returns the scope holding the diff between two commits of a pull request.
func (m *Manager) CommitRangeDiff(ref domain.PullRequestRef, base, head string) (*Scope[*domain.CommitRangeDiff], error) {
	id := domain.CommitRangeKey(ref.BundleID(), base, head)
	if id == "" {
		return nil, fmt.Errorf("%w: commit range %+v %q..%q", ErrInvalidParams, ref, base, head)
	}

	key := scopeKey(domain.KindCommitRangeDiff, commitRangeParams{Ref: ref, Base: base, Head: head})
	match := func(c *domain.CommitRangeDiff) bool { return c.ID == id }
	fetch := func(ctx context.Context, w *writer) ([]string, error) {
		cr, err := m.provider.FetchCommitRangeDiff(ctx, ref, base, head)
		if err != nil {
			return nil, fmt.Errorf("fetch commit range %s: %w", id, err)
		}
		rec := &domain.CommitRangeDiff{
			BundleID: ref.BundleID(),
			Base:     base,
			Head:     head,
			Diff:     cr.Diff,
			DiffStat: cr.DiffStat,
			Commits:  cr.Commits,
		}
		if err := w.upsert(ctx, rec, collection.QuotaSkip); err != nil {
			return nil, err
		}
		return []string{rec.ID}, nil
	}
	return obtain(m, m.commitRanges, domain.KindCommitRangeDiff, key, "commit range "+id, match, fetch), nil
}
