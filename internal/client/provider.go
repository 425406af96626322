package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"pr-hostdata-cache/internal/config"
	"pr-hostdata-cache/internal/domain"
	"pr-hostdata-cache/internal/provider"
	"pr-hostdata-cache/internal/types"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

// maxRepoFanOut bounds concurrent pull request listings per host.
const maxRepoFanOut = 4

// ToolCaller invokes a tool on a named MCP server and returns its filtered text payload.
type ToolCaller interface {
	CallTool(ctx context.Context, serverName, toolName string, args map[string]interface{}) ([]byte, error)
}

// Provider implements provider.Client over the MCP servers of each git host.
type Provider struct {
	caller  ToolCaller
	servers map[string]config.MCPServerConfig
}

var _ provider.Client = (*Provider)(nil)

// NewProvider creates a Provider. servers maps host names to their MCP server config.
func NewProvider(caller ToolCaller, servers map[string]config.MCPServerConfig) *Provider {
	return &Provider{caller: caller, servers: servers}
}

func (p *Provider) call(ctx context.Context, host, op string, args map[string]interface{}) ([]byte, error) {
	srv, ok := p.servers[host]
	if !ok {
		return nil, types.NewNetworkError(op, http.StatusNotFound, fmt.Errorf("no MCP server for host %q", host))
	}
	return p.caller.CallTool(ctx, host, srv.ToolName(host, op), args)
}

func (p *Provider) callJSON(ctx context.Context, host, op string, args map[string]interface{}) (gjson.Result, error) {
	data, err := p.call(ctx, host, op, args)
	if err != nil {
		return gjson.Result{}, err
	}
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, types.NewNetworkError(op, http.StatusBadGateway, fmt.Errorf("invalid JSON payload: %s", truncateText(string(data), 200)))
	}
	return gjson.ParseBytes(data), nil
}

func refArgs(ref domain.PullRequestRef) map[string]interface{} {
	return map[string]interface{}{
		"workspace":     ref.Workspace,
		"repo":          ref.Repo,
		"pullRequestId": ref.PRID,
	}
}

// ListRepositories lists every repository visible on host.
func (p *Provider) ListRepositories(ctx context.Context, host string) ([]domain.Repository, error) {
	doc, err := p.callJSON(ctx, host, config.OpListRepositories, map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	list := items(doc)
	repos := make([]domain.Repository, 0, len(list))
	for _, obj := range list {
		repos = append(repos, decodeRepository(host, obj))
	}
	return repos, nil
}

// ListPullRequests lists the open pull requests of repos on host. Any failing repository
// fails the host.
func (p *Provider) ListPullRequests(ctx context.Context, host string, repos []domain.RepoRef) ([]domain.RepoPullRequest, error) {
	var (
		mu  sync.Mutex
		out []domain.RepoPullRequest
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxRepoFanOut)
	for _, repo := range repos {
		repo := repo
		g.Go(func() error {
			doc, err := p.callJSON(gctx, host, config.OpListPullRequests, map[string]interface{}{
				"workspace": repo.Workspace,
				"repo":      repo.Repo,
				"state":     "OPEN",
			})
			if err != nil {
				return err
			}
			list := items(doc)
			prs := make([]domain.RepoPullRequest, 0, len(list))
			for _, obj := range list {
				prs = append(prs, domain.RepoPullRequest{
					Host:      host,
					Workspace: repo.Workspace,
					Repo:      repo.Repo,
					PR:        decodePullRequest(obj),
				})
			}
			mu.Lock()
			out = append(out, prs...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchBundleCritical fetches metadata, diff, changes and commits concurrently.
func (p *Provider) FetchBundleCritical(ctx context.Context, ref domain.PullRequestRef) (*provider.CriticalBundle, error) {
	var (
		out     provider.CriticalBundle
		changes []domain.DiffStat
	)
	args := refArgs(ref)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		doc, err := p.callJSON(gctx, ref.Host, config.OpGetPullRequest, args)
		if err != nil {
			return err
		}
		out.PR = decodePullRequest(doc)
		return nil
	})
	g.Go(func() error {
		data, err := p.call(gctx, ref.Host, config.OpGetDiff, args)
		if err != nil {
			return err
		}
		out.Diff = decodeDiffText(data)
		return nil
	})
	g.Go(func() error {
		doc, err := p.callJSON(gctx, ref.Host, config.OpGetChanges, args)
		if err != nil {
			// Changes only refine the stats computed from the diff.
			slog.Warn("pull request changes unavailable", "bundle", ref.BundleID(), "error", err)
			return nil
		}
		for _, obj := range items(doc) {
			changes = append(changes, domain.DiffStat{
				Path:         domain.NormalizePath(probeString(obj, pathsChangePath)),
				OldPath:      domain.NormalizePath(probeString(obj, pathsChangeOldPath)),
				Status:       changeStatus(probeString(obj, pathsChangeStatus)),
				LinesAdded:   int(probe(obj, pathsChangeAdded).Int()),
				LinesRemoved: int(probe(obj, pathsChangeRemoved).Int()),
			})
		}
		return nil
	})
	g.Go(func() error {
		doc, err := p.callJSON(gctx, ref.Host, config.OpGetCommits, args)
		if err != nil {
			return err
		}
		for _, obj := range items(doc) {
			out.Commits = append(out.Commits, decodeCommit(obj))
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out.DiffStat = mergeChanges(diffStatFromDiff(out.Diff), changes)
	return &out, nil
}

// FetchBundleDeferred fetches reviewers, comments, history and build statuses. The pull
// request is read first since build statuses are keyed by its source commit.
func (p *Provider) FetchBundleDeferred(ctx context.Context, ref domain.PullRequestRef) (*provider.DeferredBundle, error) {
	args := refArgs(ref)
	prDoc, err := p.callJSON(ctx, ref.Host, config.OpGetPullRequest, args)
	if err != nil {
		return nil, err
	}
	pr := decodePullRequest(prDoc)
	out := provider.DeferredBundle{
		PR:        &domain.PullRequest{State: pr.State, UpdatedAt: pr.UpdatedAt},
		Reviewers: decodeReviewers(prDoc),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		doc, err := p.callJSON(gctx, ref.Host, config.OpGetComments, args)
		if err != nil {
			return err
		}
		out.Comments = decodeComments(items(doc), "", nil)
		return nil
	})
	g.Go(func() error {
		doc, err := p.callJSON(gctx, ref.Host, config.OpGetActivities, args)
		if err != nil {
			return err
		}
		for _, obj := range items(doc) {
			out.History = append(out.History, decodeHistoryEntry(obj))
		}
		return nil
	})
	if pr.SourceCommit != "" {
		g.Go(func() error {
			doc, err := p.callJSON(gctx, ref.Host, config.OpGetBuildStatus, map[string]interface{}{
				"workspace": ref.Workspace,
				"repo":      ref.Repo,
				"commit":    pr.SourceCommit,
			})
			if err != nil {
				return err
			}
			for _, obj := range items(doc) {
				out.BuildStatuses = append(out.BuildStatuses, decodeBuildStatus(obj))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchBundle fetches both stages concurrently.
func (p *Provider) FetchBundle(ctx context.Context, ref domain.PullRequestRef) (*provider.Bundle, error) {
	var (
		critical *provider.CriticalBundle
		deferred *provider.DeferredBundle
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		critical, err = p.FetchBundleCritical(gctx, ref)
		return err
	})
	g.Go(func() error {
		var err error
		deferred, err = p.FetchBundleDeferred(gctx, ref)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &provider.Bundle{Critical: *critical, Deferred: *deferred}, nil
}

// FetchFileContext fetches the file at the target and source commits. A file missing at the
// target commit was added by the pull request and has no old lines.
func (p *Provider) FetchFileContext(ctx context.Context, ref domain.PullRequestRef, path string) (*provider.FileContext, error) {
	prDoc, err := p.callJSON(ctx, ref.Host, config.OpGetPullRequest, refArgs(ref))
	if err != nil {
		return nil, err
	}
	pr := decodePullRequest(prDoc)

	out := provider.FileContext{OldLines: []string{}, NewLines: []string{}}
	g, gctx := errgroup.WithContext(ctx)
	fetch := func(at string, dst *[]string) func() error {
		return func() error {
			data, err := p.call(gctx, ref.Host, config.OpGetFileContent, map[string]interface{}{
				"workspace": ref.Workspace,
				"repo":      ref.Repo,
				"path":      path,
				"at":        at,
			})
			if types.StatusCode(err) == http.StatusNotFound {
				return nil
			}
			if err != nil {
				return err
			}
			*dst = decodeLines(data)
			return nil
		}
	}
	g.Go(fetch(pr.TargetCommit, &out.OldLines))
	g.Go(fetch(pr.SourceCommit, &out.NewLines))
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchFileHistory lists the commits that touched path.
func (p *Provider) FetchFileHistory(ctx context.Context, ref domain.PullRequestRef, path string) ([]domain.FileHistoryEntry, error) {
	args := refArgs(ref)
	args["path"] = path
	doc, err := p.callJSON(ctx, ref.Host, config.OpGetFileHistory, args)
	if err != nil {
		return nil, err
	}
	list := items(doc)
	entries := make([]domain.FileHistoryEntry, 0, len(list))
	for _, obj := range list {
		entries = append(entries, decodeFileHistoryEntry(obj, path))
	}
	return entries, nil
}

// FetchCommitRangeDiff fetches the diff between base and head. Providers may return the diff
// as plain text or as {"diff": ..., "commits": [...]}.
func (p *Provider) FetchCommitRangeDiff(ctx context.Context, ref domain.PullRequestRef, base, head string) (*provider.CommitRange, error) {
	data, err := p.call(ctx, ref.Host, config.OpGetCommitRangeDiff, map[string]interface{}{
		"workspace": ref.Workspace,
		"repo":      ref.Repo,
		"since":     base,
		"until":     head,
	})
	if err != nil {
		return nil, err
	}

	out := provider.CommitRange{Diff: decodeDiffText(data), Commits: []string{}}
	if gjson.ValidBytes(data) {
		for _, c := range gjson.GetBytes(data, "commits").Array() {
			if c.IsObject() {
				out.Commits = append(out.Commits, probeString(c, pathsCommitHash))
			} else {
				out.Commits = append(out.Commits, c.String())
			}
		}
	}
	out.DiffStat = diffStatFromDiff(out.Diff)
	return &out, nil
}
