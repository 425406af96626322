package bitbucket

import (
	"encoding/json"
	"log/slog"

	"pr-hostdata-cache/internal/config"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ResponseFilter prunes HATEOAS links, permissions and user noise from Bitbucket MCP tool
// responses. Fields decoded into records are never touched.
type ResponseFilter struct{}

// NewResponseFilter creates a new Bitbucket ResponseFilter
func NewResponseFilter() *ResponseFilter {
	return &ResponseFilter{}
}

// Filter filters the response based on the tool name
func (f *ResponseFilter) Filter(toolName string, payload []byte) []byte {
	if !gjson.ValidBytes(payload) {
		return payload
	}

	switch toolName {
	case config.ToolBitbucketGetComments:
		return f.filterComments(payload)
	case config.ToolBitbucketGetActivities:
		return f.filterActivities(payload)
	case config.ToolBitbucketGetPullRequest:
		return f.filterPullRequest(payload)
	case config.ToolBitbucketGetChanges:
		return f.filterChanges(payload)
	default:
		return payload
	}
}

func deleteAll(result, prefix string, keys ...string) string {
	for _, k := range keys {
		result, _ = sjson.Delete(result, prefix+k)
	}
	return result
}

func (f *ResponseFilter) filterComments(data []byte) []byte {
	result := string(data)

	gjson.GetBytes(data, "values").ForEach(func(idx, val gjson.Result) bool {
		prefix := "values." + idx.String()
		result = deleteAll(result, prefix+".author.", userNoiseKeys...)
		result = deleteAll(result, prefix+".", "links", "permittedOperations", "version", "content.markup", "content.html")
		return true
	})

	return []byte(result)
}

func (f *ResponseFilter) filterActivities(data []byte) []byte {
	result := string(data)

	gjson.GetBytes(data, "values").ForEach(func(idx, val gjson.Result) bool {
		prefix := "values." + idx.String()
		result = deleteAll(result, prefix+".user.", userNoiseKeys...)
		result = deleteAll(result, prefix+".comment.author.", userNoiseKeys...)
		result = deleteAll(result, prefix+".comment.", "links", "permittedOperations", "version")
		return true
	})

	return []byte(result)
}

func (f *ResponseFilter) filterPullRequest(data []byte) []byte {
	result := string(data)

	result = deleteAll(result, "", "links", "participants", "version", "locked")
	result = deleteAll(result, "author.user.", userNoiseKeys...)
	result = deleteAll(result, "fromRef.repository.", "links", "project.links")
	result = deleteAll(result, "toRef.repository.", "links", "project.links")

	gjson.GetBytes(data, "reviewers").ForEach(func(idx, val gjson.Result) bool {
		result = deleteAll(result, "reviewers."+idx.String()+".user.", userNoiseKeys...)
		return true
	})

	return []byte(result)
}

func (f *ResponseFilter) filterChanges(data []byte) []byte {
	result := string(data)

	gjson.GetBytes(data, "values").ForEach(func(idx, val gjson.Result) bool {
		prefix := "values." + idx.String()
		result = deleteAll(result, prefix+".", "links", "contentId", "fromContentId", "properties",
			"path.components", "path.parent", "executable", "percentUnchanged")
		return true
	})

	return []byte(result)
}

// TruncateFilter shortens every string longer than MaxStringLen. Diffs and file contents are
// left whole since they are the cached data itself.
type TruncateFilter struct {
	MaxStringLen int
}

// NewTruncateFilter creates a TruncateFilter
func NewTruncateFilter(maxStringLen int) *TruncateFilter {
	return &TruncateFilter{MaxStringLen: maxStringLen}
}

// Filter truncates long strings in the response
func (f *TruncateFilter) Filter(toolName string, payload []byte) []byte {
	switch toolName {
	case config.ToolBitbucketGetDiff, config.ToolBitbucketGetFileContent:
		return payload
	}

	var m interface{}
	if err := json.Unmarshal(payload, &m); err != nil {
		return payload
	}

	truncateRecursive(&m, f.MaxStringLen)

	newData, err := json.Marshal(m)
	if err != nil {
		return payload
	}
	return newData
}

func truncateRecursive(val *interface{}, maxLen int) {
	if val == nil || *val == nil {
		return
	}

	switch v := (*val).(type) {
	case string:
		if len(v) > maxLen {
			slog.Debug("truncating long response string", "original_len", len(v), "limit", maxLen)
			(*val) = v[:maxLen] + config.TruncatedSuffix
		}
	case map[string]interface{}:
		for k, child := range v {
			truncateRecursive(&child, maxLen)
			v[k] = child
		}
	case []interface{}:
		for i, child := range v {
			truncateRecursive(&child, maxLen)
			v[i] = child
		}
	}
}
