package models

// ToolCategory selects circuit-breaker defaults and permission handling.
type ToolCategory string

// Tool categories.
const (
	CategoryLLM   ToolCategory = "llm"
	CategoryShell ToolCategory = "shell"
	CategoryHTTP  ToolCategory = "http"
	CategoryOther ToolCategory = "other"
)

// ToolSchema describes a registered tool to planners and critics.
// InputSchema is a JSON-Schema document; Required mirrors its top-level
// required list so critics don't need to parse the schema.
type ToolSchema struct {
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Category     ToolCategory   `json:"category"`
	InputSchema  map[string]any `json:"input_schema,omitempty"`
	Required     []string       `json:"required,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
	// Writes marks tools whose execution has side effects; the permission
	// gate applies when the session policy requires approval for writes.
	Writes bool `json:"writes,omitempty"`
}
