package domain

import "strings"

// Diff path prefixes emitted by git and by Bitbucket Server's SVN mirror.
const (
	PathPrefixGitSource      = "a/"
	PathPrefixGitDestination = "b/"
	PathPrefixSVNSourceURI   = "src://"
	PathPrefixSVNDestURI     = "dst://"
)

// NormalizePath turns a diff header path into the repository-relative path used in record ids.
// "a/src/main.go", "b/src/main.go" and "src://src/main.go" all become "src/main.go".
func NormalizePath(path string) string {
	path = strings.TrimSpace(strings.ReplaceAll(path, "\\", "/"))
	if path == "/dev/null" {
		return ""
	}

	for _, p := range []string{PathPrefixSVNSourceURI, PathPrefixSVNDestURI, PathPrefixGitSource, PathPrefixGitDestination} {
		if strings.HasPrefix(path, p) {
			path = strings.TrimPrefix(path, p)
			break
		}
	}

	path = strings.TrimPrefix(path, "./")
	return strings.TrimLeft(path, "/")
}
