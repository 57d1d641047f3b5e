package domain

import "encoding/json"

// ComponentType classifies a fragment of a request payload.
type ComponentType string

const (
	ComponentSystemInstruction   ComponentType = "system_instruction"
	ComponentConversationHistory ComponentType = "conversation_history"
	ComponentUserInput           ComponentType = "user_input"
	ComponentToolDefinition      ComponentType = "tool_definition"
	ComponentExample             ComponentType = "example"
	ComponentContext             ComponentType = "context"
	ComponentUnstructured        ComponentType = "unstructured"
)

// PromptComponent is one typed fragment of a request payload. Path locates
// the fragment inside the payload: a gjson path ("system", "messages.3") or
// a half-open array range ("messages[0:3]").
type PromptComponent struct {
	ID            string          `json:"id,omitempty"`
	InteractionID string          `json:"interaction_id,omitempty"`
	Type          ComponentType   `json:"component_type"`
	Role          string          `json:"role,omitempty"`
	Content       string          `json:"content"`
	ContentJSON   json.RawMessage `json:"content_json,omitempty"`
	OrderIndex    int             `json:"order_index"`
	TokenCount    int             `json:"token_count"`
	Source        string          `json:"source"`
	Path          string          `json:"path,omitempty"`
}

// SpanType classifies a fragment of a response payload.
type SpanType string

const (
	SpanText          SpanType = "text"
	SpanThinking      SpanType = "thinking"
	SpanToolCall      SpanType = "tool_call"
	SpanCodeBlock     SpanType = "code_block"
	SpanSafetyRating  SpanType = "safety_rating"
	SpanUsageMetadata SpanType = "usage_metadata"
	SpanError         SpanType = "error"
	SpanUnstructured  SpanType = "unstructured"
)

// ResponseSpan is one typed fragment of a response payload.
type ResponseSpan struct {
	ID            string          `json:"id,omitempty"`
	InteractionID string          `json:"interaction_id,omitempty"`
	Type          SpanType        `json:"span_type"`
	OrderIndex    int             `json:"order_index"`
	Content       string          `json:"content"`
	ContentJSON   json.RawMessage `json:"content_json,omitempty"`
	StreamIndex   int             `json:"stream_index"`
	TokenCount    int             `json:"token_count"`
	ToolName      string          `json:"tool_name,omitempty"`
	ToolCallID    string          `json:"tool_call_id,omitempty"`
	ToolInput     json.RawMessage `json:"tool_input,omitempty"`
	ToolOutput    string          `json:"tool_output,omitempty"`
	CodeLanguage  string          `json:"code_language,omitempty"`
}
