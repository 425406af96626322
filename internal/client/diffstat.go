package client

import (
	"bufio"
	"strings"

	"pr-hostdata-cache/internal/domain"
)

// Diff statuses
const (
	StatusAdded    = "added"
	StatusRemoved  = "removed"
	StatusRenamed  = "renamed"
	StatusModified = "modified"
)

// diffStatFromDiff counts added and removed lines per file of a unified git diff.
func diffStatFromDiff(diff string) []domain.DiffStat {
	var (
		stats   []domain.DiffStat
		current *domain.DiffStat
		inHunk  bool
	)
	flush := func() {
		if current != nil && current.Path != "" {
			stats = append(stats, *current)
		}
		current = nil
	}

	sc := bufio.NewScanner(strings.NewReader(diff))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "diff --git "):
			flush()
			current = &domain.DiffStat{Status: StatusModified}
			inHunk = false
			if fields := strings.Fields(line); len(fields) >= 4 {
				current.OldPath = domain.NormalizePath(fields[2])
				current.Path = domain.NormalizePath(fields[3])
			}
		case current == nil:
		case strings.HasPrefix(line, "@@"):
			inHunk = true
		case !inHunk && strings.HasPrefix(line, "new file mode"):
			current.Status = StatusAdded
		case !inHunk && strings.HasPrefix(line, "deleted file mode"):
			current.Status = StatusRemoved
		case !inHunk && strings.HasPrefix(line, "rename from "):
			current.Status = StatusRenamed
			current.OldPath = domain.NormalizePath(strings.TrimPrefix(line, "rename from "))
		case !inHunk && strings.HasPrefix(line, "rename to "):
			current.Path = domain.NormalizePath(strings.TrimPrefix(line, "rename to "))
		case !inHunk && strings.HasPrefix(line, "--- "):
			if p := domain.NormalizePath(strings.TrimPrefix(line, "--- ")); p != "" {
				current.OldPath = p
			}
		case !inHunk && strings.HasPrefix(line, "+++ "):
			if p := domain.NormalizePath(strings.TrimPrefix(line, "+++ ")); p != "" {
				current.Path = p
			} else if current.Status == StatusRemoved {
				current.Path = current.OldPath
			}
		case inHunk && strings.HasPrefix(line, "+"):
			current.LinesAdded++
		case inHunk && strings.HasPrefix(line, "-"):
			current.LinesRemoved++
		}
	}
	flush()

	for i := range stats {
		if stats[i].OldPath == stats[i].Path {
			stats[i].OldPath = ""
		}
	}
	return stats
}

// mergeChanges overlays provider change types and counts onto the stats computed from the diff.
// Files only listed by the provider are appended.
func mergeChanges(stats []domain.DiffStat, changes []domain.DiffStat) []domain.DiffStat {
	index := make(map[string]int, len(stats))
	for i, s := range stats {
		index[s.Path] = i
	}
	for _, c := range changes {
		i, ok := index[c.Path]
		if !ok {
			index[c.Path] = len(stats)
			stats = append(stats, c)
			continue
		}
		if c.Status != "" {
			stats[i].Status = c.Status
		}
		if c.OldPath != "" {
			stats[i].OldPath = c.OldPath
		}
		if c.LinesAdded > 0 || c.LinesRemoved > 0 {
			stats[i].LinesAdded = c.LinesAdded
			stats[i].LinesRemoved = c.LinesRemoved
		}
	}
	return stats
}

// changeStatus maps Bitbucket change types and GitHub file statuses onto the diff statuses.
func changeStatus(s string) string {
	switch strings.ToUpper(s) {
	case "ADD", "ADDED":
		return StatusAdded
	case "DELETE", "REMOVED", "DELETED":
		return StatusRemoved
	case "MOVE", "RENAME", "RENAMED", "COPY":
		return StatusRenamed
	case "":
		return ""
	}
	return StatusModified
}
