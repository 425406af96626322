package bitbucket

import (
	"fmt"
	"log/slog"

	"pr-hostdata-cache/internal/filter"
)

// DefaultMaxStringLen is the truncate filter limit when none is configured
const DefaultMaxStringLen = 100000

func init() {
	filter.Register("bitbucket_prune", func(config map[string]interface{}) (filter.ResponseFilter, error) {
		return NewResponseFilter(), nil
	})

	filter.Register("truncate", func(config map[string]interface{}) (filter.ResponseFilter, error) {
		maxLen := DefaultMaxStringLen
		if val, ok := config["max_len"]; ok {
			if v, ok := val.(int); ok {
				maxLen = v
			} else if v, ok := val.(float64); ok {
				maxLen = int(v) // JSON unmarshal often produces floats
			} else {
				slog.Warn("invalid type for max_len in truncate filter config, using default", "type", fmt.Sprintf("%T", val))
			}
		}
		if maxLen <= 0 {
			return nil, fmt.Errorf("truncate filter: max_len must be positive, got %d", maxLen)
		}
		return NewTruncateFilter(maxLen), nil
	})
}
