package client

import (
	"strings"
	"time"

	"pr-hostdata-cache/internal/domain"

	"github.com/tidwall/gjson"
)

// Candidate paths per field, prioritized from left to right. Bitbucket Server shapes come
// first, then GitHub and Bitbucket Cloud.
var (
	pathsItems = []string{"values", "items", "repositories", "pullRequests", "commits", "comments", "statuses", "@this"}

	pathsWorkspace   = []string{"project.key", "workspace.slug", "owner.login", "workspace"}
	pathsRepoSlug    = []string{"slug", "name"}
	pathsRepoFull    = []string{"full_name", "fullName"}
	pathsRepoDisplay = []string{"name", "slug"}

	pathsPRID          = []string{"id", "number"}
	pathsPRTitle       = []string{"title"}
	pathsPRDescription = []string{"description", "body"}
	pathsPRAuthor      = []string{"author.user.displayName", "author.user.name", "author.displayName", "author.login", "user.login", "author.name"}
	pathsPRState       = []string{"state"}
	pathsSourceBranch  = []string{"fromRef.displayId", "head.ref", "source.branch.name"}
	pathsTargetBranch  = []string{"toRef.displayId", "base.ref", "destination.branch.name"}
	pathsSourceCommit  = []string{"fromRef.latestCommit", "head.sha", "source.commit.hash"}
	pathsTargetCommit  = []string{"toRef.latestCommit", "base.sha", "destination.commit.hash"}
	pathsCreated       = []string{"createdDate", "created_at", "created_on"}
	pathsUpdated       = []string{"updatedDate", "updated_at", "updated_on"}

	pathsCommitHash    = []string{"id", "hash", "sha"}
	pathsCommitMessage = []string{"message", "commit.message"}
	pathsCommitAuthor  = []string{"author.displayName", "author.name", "commit.author.name", "author.login"}
	pathsCommitDate    = []string{"authorTimestamp", "committerTimestamp", "commit.author.date", "date"}

	pathsCommentID      = []string{"id"}
	pathsCommentParent  = []string{"parent.id", "in_reply_to_id", "parentId"}
	pathsCommentAuthor  = []string{"author.displayName", "author.name", "user.login", "author.login"}
	pathsCommentBody    = []string{"text", "body", "content.raw"}
	pathsCommentPath    = []string{"anchor.path", "path", "inline.path"}
	pathsCommentLine    = []string{"anchor.line", "line", "inline.to"}
	pathsCommentCreated = []string{"createdDate", "created_at", "created_on"}

	pathsReviewers        = []string{"reviewers", "requested_reviewers"}
	pathsReviewerUser     = []string{"user.displayName", "user.name", "login", "user.login", "displayName"}
	pathsReviewerState    = []string{"status", "state"}
	pathsReviewerApproved = []string{"approved"}

	pathsActivityType  = []string{"action", "event", "type"}
	pathsActivityActor = []string{"user.displayName", "user.name", "actor.login", "actor.display_name"}
	pathsActivityAt    = []string{"createdDate", "created_at", "date"}

	pathsBuildKey     = []string{"key", "context", "id"}
	pathsBuildName    = []string{"name", "description"}
	pathsBuildState   = []string{"state", "status"}
	pathsBuildURL     = []string{"url", "target_url", "html_url"}
	pathsBuildUpdated = []string{"dateAdded", "updated_at", "updatedDate"}

	pathsChangePath    = []string{"path.toString", "filename", "new.path", "path"}
	pathsChangeOldPath = []string{"srcPath.toString", "previous_filename", "old.path"}
	pathsChangeStatus  = []string{"type", "status"}
	pathsChangeAdded   = []string{"additions", "lines_added", "linesAdded"}
	pathsChangeRemoved = []string{"deletions", "lines_removed", "linesRemoved"}
)

var (
	knownRepoKeys    = []string{"id", "slug", "name", "full_name", "fullName", "project", "workspace", "owner", "links"}
	knownPRKeys      = []string{"id", "number", "title", "description", "body", "author", "user", "state", "fromRef", "toRef", "head", "base", "source", "destination", "createdDate", "created_at", "created_on", "updatedDate", "updated_at", "updated_on", "reviewers", "requested_reviewers", "links"}
	knownCommitKeys  = []string{"id", "hash", "sha", "message", "commit", "author", "authorTimestamp", "committerTimestamp", "date", "links"}
	knownCommentKeys = []string{"id", "parent", "parentId", "in_reply_to_id", "author", "user", "text", "body", "content", "anchor", "path", "line", "inline", "createdDate", "created_at", "created_on", "links"}
	knownEventKeys   = []string{"action", "event", "type", "user", "actor", "createdDate", "created_at", "date", "comment"}
)

func probe(obj gjson.Result, paths []string) gjson.Result {
	for _, path := range paths {
		res := obj.Get(path)
		if res.Exists() && res.Type != gjson.Null {
			return res
		}
	}
	return gjson.Result{}
}

func probeString(obj gjson.Result, paths []string) string {
	return probe(obj, paths).String()
}

// probeTime reads epoch milliseconds, epoch seconds or an RFC 3339 string as epoch milliseconds.
func probeTime(obj gjson.Result, paths []string) int64 {
	res := probe(obj, paths)
	switch res.Type {
	case gjson.Number:
		v := res.Int()
		if v < 1e11 {
			return v * 1000
		}
		return v
	case gjson.String:
		if t, err := time.Parse(time.RFC3339, res.String()); err == nil {
			return t.UnixMilli()
		}
	}
	return 0
}

// items returns the list inside a paged or bare array response.
func items(doc gjson.Result) []gjson.Result {
	for _, path := range pathsItems {
		if res := doc.Get(path); res.IsArray() {
			return res.Array()
		}
	}
	return nil
}

// extraOf keeps every field not modelled by the typed envelope.
func extraOf(obj gjson.Result, known []string) domain.Extra {
	skip := make(map[string]bool, len(known))
	for _, k := range known {
		skip[k] = true
	}
	var extra domain.Extra
	obj.ForEach(func(key, value gjson.Result) bool {
		if skip[key.String()] {
			return true
		}
		if extra == nil {
			extra = make(domain.Extra)
		}
		extra[key.String()] = []byte(value.Raw)
		return true
	})
	return extra
}

func decodeRepository(host string, obj gjson.Result) domain.Repository {
	return domain.Repository{
		Host:        host,
		Workspace:   probeString(obj, pathsWorkspace),
		Repo:        probeString(obj, pathsRepoSlug),
		FullName:    probeString(obj, pathsRepoFull),
		DisplayName: probeString(obj, pathsRepoDisplay),
		Extra:       extraOf(obj, knownRepoKeys),
	}
}

func decodePullRequest(obj gjson.Result) domain.PullRequest {
	return domain.PullRequest{
		ID:           probeString(obj, pathsPRID),
		Title:        probeString(obj, pathsPRTitle),
		Description:  probeString(obj, pathsPRDescription),
		Author:       probeString(obj, pathsPRAuthor),
		State:        probeString(obj, pathsPRState),
		SourceBranch: probeString(obj, pathsSourceBranch),
		TargetBranch: probeString(obj, pathsTargetBranch),
		SourceCommit: probeString(obj, pathsSourceCommit),
		TargetCommit: probeString(obj, pathsTargetCommit),
		CreatedAt:    probeTime(obj, pathsCreated),
		UpdatedAt:    probeTime(obj, pathsUpdated),
		Extra:        extraOf(obj, knownPRKeys),
	}
}

func decodeCommit(obj gjson.Result) domain.Commit {
	return domain.Commit{
		Hash:    probeString(obj, pathsCommitHash),
		Message: probeString(obj, pathsCommitMessage),
		Author:  probeString(obj, pathsCommitAuthor),
		Date:    probeTime(obj, pathsCommitDate),
		Extra:   extraOf(obj, knownCommitKeys),
	}
}

func decodeComment(obj gjson.Result) domain.Comment {
	return domain.Comment{
		ID:        probeString(obj, pathsCommentID),
		ParentID:  probeString(obj, pathsCommentParent),
		Author:    probeString(obj, pathsCommentAuthor),
		Body:      probeString(obj, pathsCommentBody),
		Path:      domain.NormalizePath(probeString(obj, pathsCommentPath)),
		Line:      int(probe(obj, pathsCommentLine).Int()),
		CreatedAt: probeTime(obj, pathsCommentCreated),
		Extra:     extraOf(obj, knownCommentKeys),
	}
}

// decodeComments flattens comment threads; Bitbucket Server nests replies under "comments".
func decodeComments(list []gjson.Result, parentID string, out []domain.Comment) []domain.Comment {
	for _, obj := range list {
		c := decodeComment(obj)
		if c.ParentID == "" {
			c.ParentID = parentID
		}
		out = append(out, c)
		if replies := obj.Get("comments"); replies.IsArray() {
			out = decodeComments(replies.Array(), c.ID, out)
		}
	}
	return out
}

func decodeReviewers(pr gjson.Result) []domain.Reviewer {
	var out []domain.Reviewer
	for _, obj := range probe(pr, pathsReviewers).Array() {
		state := probeString(obj, pathsReviewerState)
		out = append(out, domain.Reviewer{
			User:     probeString(obj, pathsReviewerUser),
			State:    state,
			Approved: probe(obj, pathsReviewerApproved).Bool() || strings.EqualFold(state, "APPROVED"),
		})
	}
	return out
}

func decodeHistoryEntry(obj gjson.Result) domain.HistoryEntry {
	return domain.HistoryEntry{
		Type:  strings.ToLower(probeString(obj, pathsActivityType)),
		Actor: probeString(obj, pathsActivityActor),
		At:    probeTime(obj, pathsActivityAt),
		Extra: extraOf(obj, knownEventKeys),
	}
}

func decodeBuildStatus(obj gjson.Result) domain.BuildStatus {
	return domain.BuildStatus{
		Key:       probeString(obj, pathsBuildKey),
		Name:      probeString(obj, pathsBuildName),
		State:     probeString(obj, pathsBuildState),
		URL:       probeString(obj, pathsBuildURL),
		UpdatedAt: probeTime(obj, pathsBuildUpdated),
	}
}

func decodeFileHistoryEntry(obj gjson.Result, path string) domain.FileHistoryEntry {
	return domain.FileHistoryEntry{
		Hash:    probeString(obj, pathsCommitHash),
		Message: probeString(obj, pathsCommitMessage),
		Author:  probeString(obj, pathsCommitAuthor),
		Date:    probeTime(obj, pathsCommitDate),
		Path:    path,
	}
}

// decodeLines reads file content returned as Bitbucket Server "lines" pages, a content
// string, or plain text.
func decodeLines(payload []byte) []string {
	if gjson.ValidBytes(payload) {
		doc := gjson.ParseBytes(payload)
		if lines := doc.Get("lines"); lines.IsArray() {
			out := make([]string, 0, len(lines.Array()))
			for _, l := range lines.Array() {
				out = append(out, l.Get("text").String())
			}
			return out
		}
		if content := doc.Get("content"); content.Type == gjson.String {
			return splitLines(content.String())
		}
		if doc.Type == gjson.String {
			return splitLines(doc.String())
		}
	}
	return splitLines(string(payload))
}

func splitLines(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

// decodeDiffText reads a diff returned as plain text or wrapped in a JSON object.
func decodeDiffText(payload []byte) string {
	if gjson.ValidBytes(payload) {
		doc := gjson.ParseBytes(payload)
		if doc.Type == gjson.String {
			return doc.String()
		}
		if d := doc.Get("diff"); d.Type == gjson.String {
			return d.String()
		}
	}
	return string(payload)
}
