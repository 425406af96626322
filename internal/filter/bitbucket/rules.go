package bitbucket

// pruneKeys lists webhook payload keys dropped before a payload is logged
var pruneKeys = map[string]bool{
	// Webhook / Payload level
	"actor":        true, // Redundant with author
	"reviewers":    true,
	"participants": true,
	"links":        true, // HATEOAS links

	// Nested object fields shared across users, repositories and comments
	"permittedOperations": true,
	"anchored":            true,
	"version":             true,
	"markup":              true, // 'raw' content is kept
	"html":                true,

	// Repository metadata
	"archived":      true,
	"public":        true,
	"forkable":      true,
	"hierarchyId":   true,
	"scmId":         true,
	"statusMessage": true,
}

// userNoiseKeys are dropped from user objects in tool responses; the display name is kept
var userNoiseKeys = []string{"id", "emailAddress", "slug", "type", "active", "links"}

// ShouldPrune checks if a key should be pruned
func ShouldPrune(key string) bool {
	return pruneKeys[key]
}
