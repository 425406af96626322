package config

// MCP Server Names. They double as the host names in record ids.
const (
	MCPServerBitbucket = "bitbucket"
	MCPServerGitHub    = "github"
)

// MCP tool operations. The tool called is "<host>_<op>" unless overridden per server.
const (
	OpListRepositories   = "list_repositories"
	OpListPullRequests   = "list_pull_requests"
	OpGetPullRequest     = "get_pull_request"
	OpGetDiff            = "get_pull_request_diff"
	OpGetChanges         = "get_pull_request_changes"
	OpGetCommits         = "get_pull_request_commits"
	OpGetComments        = "get_pull_request_comments"
	OpGetActivities      = "get_pull_request_activities"
	OpGetBuildStatus     = "get_build_status"
	OpGetFileContent     = "get_file_content"
	OpGetFileHistory     = "get_file_history"
	OpGetCommitRangeDiff = "get_commit_range_diff"
)

// Bitbucket tool names under the default naming.
const (
	ToolBitbucketGetDiff        = MCPServerBitbucket + "_" + OpGetDiff
	ToolBitbucketGetPullRequest = MCPServerBitbucket + "_" + OpGetPullRequest
	ToolBitbucketGetChanges     = MCPServerBitbucket + "_" + OpGetChanges
	ToolBitbucketGetComments    = MCPServerBitbucket + "_" + OpGetComments
	ToolBitbucketGetActivities  = MCPServerBitbucket + "_" + OpGetActivities
	ToolBitbucketGetFileContent = MCPServerBitbucket + "_" + OpGetFileContent
)

// Response filter limits
const (
	TruncatedSuffix = "... [TRUNCATED]"
)

// Webhook event keys that trigger a bundle refresh
const (
	EventPROpened         = "pr:opened"
	EventPRFromRefUpdated = "pr:from_ref_updated"
	EventPRCommentAdded   = "pr:comment:added"
)
