package ingest

import (
	"context"
	"time"

	"github.com/felixgeelhaar/agentlens/internal/domain"
)

// Event announces one persisted interaction.
type Event struct {
	SessionID     string                 `json:"session_id"`
	ExternalID    string                 `json:"external_id"`
	InteractionID string                 `json:"interaction_id"`
	RequestID     string                 `json:"request_id"`
	Turn          domain.TurnKey         `json:"turn"`
	Type          domain.InteractionType `json:"type"`
	Provider      domain.Provider        `json:"provider"`
	Model         string                 `json:"model,omitempty"`
	Incomplete    bool                   `json:"incomplete"`
	Timestamp     time.Time              `json:"timestamp"`
}

// NewEvent describes in.
func NewEvent(externalID string, in *domain.Interaction) Event {
	return Event{
		SessionID:     in.SessionID,
		ExternalID:    externalID,
		InteractionID: in.ID,
		RequestID:     in.RequestID,
		Turn:          in.Turn,
		Type:          in.Type,
		Provider:      in.Provider,
		Model:         in.Model,
		Incomplete:    in.Incomplete,
		Timestamp:     in.Timestamp,
	}
}

// Notifier is told about every persisted interaction. Errors are logged,
// never propagated into the import.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NopNotifier discards events.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) error { return nil }

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event) error

func (f NotifierFunc) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }
