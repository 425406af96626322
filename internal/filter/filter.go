package filter

// PayloadFilter defines the interface for filtering webhook payloads
type PayloadFilter interface {
	// Filter receives raw JSON bytes and returns filtered JSON bytes
	Filter(payload []byte) []byte
}

// ResponseFilter defines the interface for filtering MCP tool responses before they are decoded
// into records
type ResponseFilter interface {
	// Filter receives the tool name and the raw JSON result, returning the filtered JSON.
	// Invalid JSON is returned unchanged.
	Filter(toolName string, payload []byte) []byte
}
