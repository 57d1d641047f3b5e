package domain

import (
	"encoding/json"
	"time"
)

// Provider identifies the wire format of a captured call.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderGemini    Provider = "gemini"
	ProviderUnknown   Provider = "unknown"
)

// InteractionType distinguishes requests from responses.
type InteractionType string

const (
	InteractionRequest  InteractionType = "request"
	InteractionResponse InteractionType = "response"
)

// Sequence positions of the two sides of a call within its turn key.
const (
	SequenceRequest  = 0
	SequenceResponse = 1
)

// Interaction is one captured request or one captured response.
type Interaction struct {
	ID                   string          `json:"id"`
	SessionID            string          `json:"session_id"`
	Turn                 TurnKey         `json:"turn"`
	Sequence             int             `json:"sequence"`
	Type                 InteractionType `json:"type"`
	RequestID            string          `json:"request_id"`
	RequestInteractionID string          `json:"request_interaction_id,omitempty"`
	Timestamp            time.Time       `json:"timestamp"`
	Method               string          `json:"method,omitempty"`
	URL                  string          `json:"url,omitempty"`
	Provider             Provider        `json:"provider"`

	// Request fields
	Protocol         string          `json:"protocol,omitempty"`
	Model            string          `json:"model,omitempty"`
	GenerationConfig json.RawMessage `json:"generation_config,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	InputFingerprint string          `json:"input_fingerprint,omitempty"`

	// Response fields
	StatusCode   int     `json:"status_code,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	StopReason   string  `json:"stop_reason,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`

	// Flags surfaced inline by consumers
	IsLLMInteraction bool   `json:"is_llm_interaction"`
	Synthetic        bool   `json:"synthetic"`
	Incomplete       bool   `json:"incomplete"`
	DecodeError      string `json:"decode_error,omitempty"`

	RawPayload  []byte `json:"-"`
	RawEncoding string `json:"raw_encoding,omitempty"`

	Components []PromptComponent `json:"components,omitempty"`
	Spans      []ResponseSpan    `json:"spans,omitempty"`
}

// IsRequest reports whether the interaction is the request side of a call.
func (i *Interaction) IsRequest() bool {
	return i.Type == InteractionRequest
}
