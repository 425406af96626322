package domain

import (
	"encoding/json"
	"strings"
)

// Kind names one of the six cached record collections.
type Kind string

const (
	KindRepository        Kind = "repository"
	KindRepoPullRequest   Kind = "repoPullRequest"
	KindPullRequestBundle Kind = "pullRequestBundle"
	KindFileContext       Kind = "fileContext"
	KindFileHistory       Kind = "fileHistory"
	KindCommitRangeDiff   Kind = "commitRangeDiff"
)

// Kinds lists every record kind in a stable order.
var Kinds = []Kind{
	KindRepository,
	KindRepoPullRequest,
	KindPullRequestBundle,
	KindFileContext,
	KindFileHistory,
	KindCommitRangeDiff,
}

// WriteHeavy reports whether upserts of this kind trigger an opportunistic expiry sweep.
func (k Kind) WriteHeavy() bool {
	switch k {
	case KindPullRequestBundle, KindFileContext, KindFileHistory, KindCommitRangeDiff:
		return true
	}
	return false
}

// Extra is the opaque passthrough bag for provider fields the typed envelope does not model.
type Extra map[string]json.RawMessage

// Meta is embedded in every cached record. Times are epoch milliseconds.
type Meta struct {
	ID        string `json:"id"`
	FetchedAt int64  `json:"fetchedAt"`
	ExpiresAt int64  `json:"expiresAt"`
}

// RecordMeta exposes the embedded metadata for mutation by the registry.
func (m *Meta) RecordMeta() *Meta { return m }

// Record is implemented by the pointer form of every cached record type.
type Record interface {
	RecordMeta() *Meta
	Kind() Kind
	// NaturalID derives the id from natural key fields. Empty means the key fields are missing.
	NaturalID() string
}

// RepoRef identifies a repository within one host.
type RepoRef struct {
	Workspace string `json:"workspace"`
	Repo      string `json:"repo"`
	FullName  string `json:"fullName,omitempty"`
}

// RepoKey builds the composite repository key host:workspace/repo.
func RepoKey(host, workspace, repo string) string {
	if host == "" || workspace == "" || repo == "" {
		return ""
	}
	return host + ":" + workspace + "/" + repo
}

// PullRequestRef addresses one pull request on one host.
type PullRequestRef struct {
	Host      string `json:"host"`
	Workspace string `json:"workspace"`
	Repo      string `json:"repo"`
	PRID      string `json:"prId"`
}

// RepoKey returns host:workspace/repo.
func (r PullRequestRef) RepoKey() string {
	return RepoKey(r.Host, r.Workspace, r.Repo)
}

// BundleID returns host:workspace/repo/prId, the id of the pull request bundle record.
func (r PullRequestRef) BundleID() string {
	repoKey := r.RepoKey()
	if repoKey == "" || r.PRID == "" {
		return ""
	}
	return repoKey + "/" + r.PRID
}

// IsValid reports whether all key fields are present.
func (r PullRequestRef) IsValid() bool {
	return r.BundleID() != ""
}

// PullRequest is the pull request metadata shared by summaries and bundles.
type PullRequest struct {
	ID           string `json:"id"`
	Title        string `json:"title,omitempty"`
	Description  string `json:"description,omitempty"`
	Author       string `json:"author,omitempty"`
	State        string `json:"state,omitempty"`
	SourceBranch string `json:"sourceBranch,omitempty"`
	TargetBranch string `json:"targetBranch,omitempty"`
	SourceCommit string `json:"sourceCommit,omitempty"`
	TargetCommit string `json:"targetCommit,omitempty"`
	CreatedAt    int64  `json:"createdAt,omitempty"`
	UpdatedAt    int64  `json:"updatedAt,omitempty"`
	Extra        Extra  `json:"extra,omitempty"`
}

// Patch returns p with every non-empty field of patch applied on top.
func (p PullRequest) Patch(patch PullRequest) PullRequest {
	set := func(dst *string, src string) {
		if src != "" {
			*dst = src
		}
	}
	set(&p.ID, patch.ID)
	set(&p.Title, patch.Title)
	set(&p.Description, patch.Description)
	set(&p.Author, patch.Author)
	set(&p.State, patch.State)
	set(&p.SourceBranch, patch.SourceBranch)
	set(&p.TargetBranch, patch.TargetBranch)
	set(&p.SourceCommit, patch.SourceCommit)
	set(&p.TargetCommit, patch.TargetCommit)
	if patch.CreatedAt != 0 {
		p.CreatedAt = patch.CreatedAt
	}
	if patch.UpdatedAt != 0 {
		p.UpdatedAt = patch.UpdatedAt
	}
	if len(patch.Extra) > 0 {
		merged := make(Extra, len(p.Extra)+len(patch.Extra))
		for k, v := range p.Extra {
			merged[k] = v
		}
		for k, v := range patch.Extra {
			merged[k] = v
		}
		p.Extra = merged
	}
	return p
}

// Repository is one repository visible on a host.
type Repository struct {
	Meta
	Host        string `json:"host"`
	Workspace   string `json:"workspace"`
	Repo        string `json:"repo"`
	FullName    string `json:"fullName"`
	DisplayName string `json:"displayName"`
	Extra       Extra  `json:"extra,omitempty"`
}

func (r *Repository) Kind() Kind { return KindRepository }

func (r *Repository) NaturalID() string { return RepoKey(r.Host, r.Workspace, r.Repo) }

// RepoPullRequest is a pull request summary scoped to one repository.
type RepoPullRequest struct {
	Meta
	Host      string      `json:"host"`
	Workspace string      `json:"workspace"`
	Repo      string      `json:"repo"`
	PR        PullRequest `json:"pr"`
}

func (r *RepoPullRequest) Kind() Kind { return KindRepoPullRequest }

func (r *RepoPullRequest) NaturalID() string {
	repoKey := RepoKey(r.Host, r.Workspace, r.Repo)
	if repoKey == "" || r.PR.ID == "" {
		return ""
	}
	return repoKey + "#" + r.PR.ID
}

// RepoKey returns the key of the repository the pull request belongs to.
func (r *RepoPullRequest) RepoKey() string { return RepoKey(r.Host, r.Workspace, r.Repo) }

// DiffStat is the per-file change summary.
type DiffStat struct {
	Path         string `json:"path"`
	OldPath      string `json:"oldPath,omitempty"`
	Status       string `json:"status,omitempty"`
	LinesAdded   int    `json:"linesAdded"`
	LinesRemoved int    `json:"linesRemoved"`
}

// Commit is one commit of a pull request.
type Commit struct {
	Hash    string `json:"hash"`
	Message string `json:"message,omitempty"`
	Author  string `json:"author,omitempty"`
	Date    int64  `json:"date,omitempty"`
	Extra   Extra  `json:"extra,omitempty"`
}

// Comment is a pull request comment, either general or anchored to a file line.
type Comment struct {
	ID        string `json:"id"`
	ParentID  string `json:"parentId,omitempty"`
	Author    string `json:"author,omitempty"`
	Body      string `json:"body"`
	Path      string `json:"path,omitempty"`
	Line      int    `json:"line,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"`
	Extra     Extra  `json:"extra,omitempty"`
}

// HistoryEntry is one pull request activity event.
type HistoryEntry struct {
	Type  string `json:"type"`
	Actor string `json:"actor,omitempty"`
	At    int64  `json:"at,omitempty"`
	Extra Extra  `json:"extra,omitempty"`
}

// Reviewer is a requested or participating reviewer.
type Reviewer struct {
	User     string `json:"user"`
	State    string `json:"state,omitempty"`
	Approved bool   `json:"approved"`
}

// Build states after normalization.
const (
	BuildPending    = "pending"
	BuildSuccessful = "successful"
	BuildFailed     = "failed"
	BuildStopped    = "stopped"
)

// BuildStatus is one CI status attached to the pull request head commit.
type BuildStatus struct {
	Key       string `json:"key"`
	Name      string `json:"name,omitempty"`
	State     string `json:"state"`
	URL       string `json:"url,omitempty"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`
}

// NormalizeBuildState maps provider specific build states onto the four known states.
// Unknown values are lowercased and kept.
func NormalizeBuildState(state string) string {
	s := strings.ToLower(strings.TrimSpace(state))
	switch s {
	case "inprogress", "in_progress", "pending", "queued", "running":
		return BuildPending
	case "successful", "success", "passed":
		return BuildSuccessful
	case "failed", "failure", "error":
		return BuildFailed
	case "stopped", "cancelled", "canceled":
		return BuildStopped
	}
	return s
}

// DeferredStatus tracks hydration of the slow part of a bundle.
type DeferredStatus string

const (
	DeferredLoading DeferredStatus = "loading"
	DeferredReady   DeferredStatus = "ready"
	DeferredError   DeferredStatus = "error"
)

// IsValid reports whether s is one of the three known states.
func (s DeferredStatus) IsValid() bool {
	return s == DeferredLoading || s == DeferredReady || s == DeferredError
}

// PullRequestBundle is the aggregate pull request view.
type PullRequestBundle struct {
	Meta
	Ref               PullRequestRef `json:"ref"`
	PR                PullRequest    `json:"pr"`
	Diff              string         `json:"diff"`
	DiffStat          []DiffStat     `json:"diffstat"`
	Commits           []Commit       `json:"commits"`
	Comments          []Comment      `json:"comments"`
	History           []HistoryEntry `json:"history"`
	Reviewers         []Reviewer     `json:"reviewers"`
	BuildStatuses     []BuildStatus  `json:"buildStatuses"`
	CriticalFetchedAt int64          `json:"criticalFetchedAt"`
	DeferredFetchedAt int64          `json:"deferredFetchedAt"`
	DeferredStatus    DeferredStatus `json:"deferredStatus"`
}

func (b *PullRequestBundle) Kind() Kind { return KindPullRequestBundle }

func (b *PullRequestBundle) NaturalID() string { return b.Ref.BundleID() }

// HasPendingBuilds reports whether any build status is still running.
func (b *PullRequestBundle) HasPendingBuilds() bool {
	for _, s := range b.BuildStatuses {
		if s.State == BuildPending {
			return true
		}
	}
	return false
}

// FileContext holds expanded unchanged context lines for one file of one pull request.
type FileContext struct {
	Meta
	BundleID string   `json:"bundleId"`
	Path     string   `json:"path"`
	OldLines []string `json:"oldLines"`
	NewLines []string `json:"newLines"`
}

func (f *FileContext) Kind() Kind { return KindFileContext }

func (f *FileContext) NaturalID() string { return fileKey(f.BundleID, f.Path) }

// FileHistoryEntry is one prior commit touching a file.
type FileHistoryEntry struct {
	Hash    string `json:"hash"`
	Message string `json:"message,omitempty"`
	Author  string `json:"author,omitempty"`
	Date    int64  `json:"date,omitempty"`
	Path    string `json:"path,omitempty"`
}

// FileHistory lists the prior commits of one file within one pull request.
type FileHistory struct {
	Meta
	BundleID string             `json:"bundleId"`
	Path     string             `json:"path"`
	Entries  []FileHistoryEntry `json:"entries"`
}

func (f *FileHistory) Kind() Kind { return KindFileHistory }

func (f *FileHistory) NaturalID() string { return fileKey(f.BundleID, f.Path) }

// CommitRangeDiff is the diff between two commits of one pull request.
type CommitRangeDiff struct {
	Meta
	BundleID string     `json:"bundleId"`
	Base     string     `json:"base"`
	Head     string     `json:"head"`
	Diff     string     `json:"diff"`
	DiffStat []DiffStat `json:"diffstat"`
	Commits  []string   `json:"commits"`
}

func (c *CommitRangeDiff) Kind() Kind { return KindCommitRangeDiff }

func (c *CommitRangeDiff) NaturalID() string { return CommitRangeKey(c.BundleID, c.Base, c.Head) }

// FileKey builds bundleId:path with the path normalized.
func FileKey(bundleID, path string) string { return fileKey(bundleID, path) }

func fileKey(bundleID, path string) string {
	path = NormalizePath(path)
	if bundleID == "" || path == "" {
		return ""
	}
	return bundleID + ":" + path
}

// CommitRangeKey builds bundleId:base..head.
func CommitRangeKey(bundleID, base, head string) string {
	if bundleID == "" || base == "" || head == "" {
		return ""
	}
	return bundleID + ":" + base + ".." + head
}

// New returns an empty record of the given kind, or nil for an unknown kind.
func New(kind Kind) Record {
	switch kind {
	case KindRepository:
		return &Repository{}
	case KindRepoPullRequest:
		return &RepoPullRequest{}
	case KindPullRequestBundle:
		return &PullRequestBundle{}
	case KindFileContext:
		return &FileContext{}
	case KindFileHistory:
		return &FileHistory{}
	case KindCommitRangeDiff:
		return &CommitRangeDiff{}
	}
	return nil
}
