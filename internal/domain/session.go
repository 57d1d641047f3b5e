package domain

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// SessionStatus is the lifecycle state of a captured conversation.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionSuccess   SessionStatus = "success"
	SessionError     SessionStatus = "error"
	SessionTimeout   SessionStatus = "timeout"
	SessionCancelled SessionStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionActive, SessionSuccess, SessionError, SessionTimeout, SessionCancelled:
		return true
	}
	return false
}

// Session is one logical conversation, possibly spanning several processes.
type Session struct {
	ID                string          `json:"id"`
	ExternalID        string          `json:"external_id"`
	Title             string          `json:"title,omitempty"`
	StartedAt         time.Time       `json:"started_at"`
	EndedAt           *time.Time      `json:"ended_at,omitempty"`
	Status            SessionStatus   `json:"status"`
	TotalTurns        int             `json:"total_turns"`
	TotalInteractions int             `json:"total_interactions"`
	PrimaryProvider   Provider        `json:"primary_provider,omitempty"`
	PrimaryModel      string          `json:"primary_model,omitempty"`
	Metadata          json.RawMessage `json:"metadata,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// NewSession creates an active session for an external identifier.
func NewSession(id, externalID string, startedAt time.Time) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:         id,
		ExternalID: externalID,
		Title:      externalID,
		StartedAt:  startedAt.UTC(),
		Status:     SessionActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// NewID returns a new lexically sortable identifier.
func NewID() string {
	return ulid.Make().String()
}
