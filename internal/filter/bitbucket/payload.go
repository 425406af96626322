package bitbucket

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// previewPaths are the webhook fields worth keeping in a log line
var previewPaths = []string{
	"eventKey",
	"date",
	"actor.displayName",
	"pullRequest.id",
	"pullRequest.title",
	"pullRequest.state",
	"pullRequest.author.user.displayName",
	"pullRequest.fromRef.displayId",
	"pullRequest.fromRef.latestCommit",
	"pullRequest.toRef.displayId",
	"pullRequest.toRef.repository.slug",
	"pullRequest.toRef.repository.project.key",
	"comment.id",
}

// PayloadFilter reduces Bitbucket webhook payloads to a compact form for logging
type PayloadFilter struct{}

// NewPayloadFilter creates a new Bitbucket PayloadFilter
func NewPayloadFilter() *PayloadFilter {
	return &PayloadFilter{}
}

// Filter keeps the known event fields. Payloads of an unknown shape are pruned generically.
func (f *PayloadFilter) Filter(payload []byte) []byte {
	if !gjson.ValidBytes(payload) {
		return payload
	}

	out := "{}"
	found := 0
	for _, path := range previewPaths {
		res := gjson.GetBytes(payload, path)
		if !res.Exists() {
			continue
		}
		if next, err := sjson.SetRaw(out, path, res.Raw); err == nil {
			out = next
			found++
		}
	}
	if found > 0 {
		return []byte(out)
	}

	var data interface{}
	if err := json.Unmarshal(payload, &data); err != nil {
		return payload
	}
	prune(data, 0)
	result, err := json.Marshal(data)
	if err != nil {
		return payload
	}
	return result
}

func prune(v interface{}, depth int) {
	if depth > 10 {
		return
	}

	switch val := v.(type) {
	case map[string]interface{}:
		for k, child := range val {
			if ShouldPrune(k) {
				delete(val, k)
				continue
			}
			prune(child, depth+1)
		}
		if isUserObject(val) {
			for _, k := range userNoiseKeys {
				delete(val, k)
			}
		}
	case []interface{}:
		for _, item := range val {
			prune(item, depth+1)
		}
	}
}

// isUserObject: has displayName and slug and id
func isUserObject(m map[string]interface{}) bool {
	_, hasDisplayName := m["displayName"]
	_, hasSlug := m["slug"]
	_, hasID := m["id"]
	return hasDisplayName && hasSlug && hasID
}
