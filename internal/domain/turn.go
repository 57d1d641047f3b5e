package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TurnKey identifies a turn within a session. Major advances once per
// logical user-visible exchange; Minor counts the additional physical calls
// made for the same exchange.
type TurnKey struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

// String renders the key as "major.minor".
func (k TurnKey) String() string {
	return fmt.Sprintf("%d.%d", k.Major, k.Minor)
}

// IsZero reports whether the key is unassigned.
func (k TurnKey) IsZero() bool {
	return k.Major == 0 && k.Minor == 0
}

// Less orders keys by major then minor.
func (k TurnKey) Less(other TurnKey) bool {
	if k.Major != other.Major {
		return k.Major < other.Major
	}
	return k.Minor < other.Minor
}

// NextMajor returns the first key of the following turn.
func (k TurnKey) NextMajor() TurnKey {
	return TurnKey{Major: k.Major + 1}
}

// NextMinor returns the next key within the same turn.
func (k TurnKey) NextMinor() TurnKey {
	return TurnKey{Major: k.Major, Minor: k.Minor + 1}
}

// ParseTurnKey parses "4" or "4.1". Both parts must be non-negative
// integers and major must be at least 1.
func ParseTurnKey(s string) (TurnKey, error) {
	s = strings.TrimSpace(s)
	majorStr, minorStr, hasMinor := strings.Cut(s, ".")

	major, err := strconv.Atoi(majorStr)
	if err != nil || major < 1 {
		return TurnKey{}, fmt.Errorf("%w: %q", ErrInvalidTurnKey, s)
	}

	key := TurnKey{Major: major}
	if hasMinor {
		minor, err := strconv.Atoi(minorStr)
		if err != nil || minor < 0 {
			return TurnKey{}, fmt.Errorf("%w: %q", ErrInvalidTurnKey, s)
		}
		key.Minor = minor
	}
	return key, nil
}

// Turn is one stored turn key: the request with its ordered components
// and every response with its ordered spans.
type Turn struct {
	SessionID string         `json:"session_id"`
	Key       TurnKey        `json:"turn"`
	Request   *Interaction   `json:"request"`
	Responses []*Interaction `json:"responses"`
}

// TurnSummary is one row of a session's turn listing.
type TurnSummary struct {
	Key                  TurnKey   `json:"turn"`
	RequestInteractionID string    `json:"request_interaction_id"`
	RequestID            string    `json:"request_id"`
	Timestamp            time.Time `json:"timestamp"`
	Provider             Provider  `json:"provider"`
	Model                string    `json:"model,omitempty"`
	IsLLMInteraction     bool      `json:"is_llm_interaction"`
	Synthetic            bool      `json:"synthetic"`
	Incomplete           bool      `json:"incomplete"`
	DecodeError          string    `json:"decode_error,omitempty"`
	ResponseCount        int       `json:"response_count"`
	DurationMS           int64     `json:"duration_ms,omitempty"`
	InputTokens          int       `json:"input_tokens,omitempty"`
	OutputTokens         int       `json:"output_tokens,omitempty"`
}

// CallState is what turn assignment needs to know about a persisted call.
type CallState struct {
	RequestID   string
	Key         TurnKey
	Start       time.Time
	End         time.Time
	Provider    Provider
	Model       string
	IsLLM       bool
	Fingerprint string
}

// ImportRecord marks a capture file as imported.
type ImportRecord struct {
	FileHash     string    `json:"file_hash"`
	Path         string    `json:"path"`
	SessionIDs   []string  `json:"session_ids"`
	Interactions int       `json:"interactions"`
	ImportedAt   time.Time `json:"imported_at"`
}
