// Package query is the read side of the store plus mock replay.
package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/felixgeelhaar/agentlens/internal/domain"
)

// DefaultLimit caps session listings when the caller gives no limit.
const DefaultLimit = 50

// Store is the part of the persistence layer the query service reads.
type Store interface {
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	ListSessions(ctx context.Context, limit int) ([]*domain.Session, error)
	ListTurns(ctx context.Context, sessionID string) ([]domain.TurnSummary, error)
	GetTurn(ctx context.Context, sessionID string, key domain.TurnKey) (*domain.Turn, error)
	GetInteraction(ctx context.Context, id string) (*domain.Interaction, error)
	DeleteSession(ctx context.Context, id string) error
}

// Service serves dashboards, the CLI and MCP tools.
type Service struct {
	store Store
}

// NewService creates a query service over store.
func NewService(store Store) *Service {
	return &Service{store: store}
}

func (s *Service) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: session id is required", domain.ErrInvalidInput)
	}
	return s.store.GetSession(ctx, id)
}

func (s *Service) ListSessions(ctx context.Context, limit int) ([]*domain.Session, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return s.store.ListSessions(ctx, limit)
}

func (s *Service) ListTurns(ctx context.Context, sessionID string) ([]domain.TurnSummary, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("%w: session id is required", domain.ErrInvalidInput)
	}
	return s.store.ListTurns(ctx, sessionID)
}

// GetTurn resolves a turn number such as "4" or "4.1".
func (s *Service) GetTurn(ctx context.Context, sessionID, turn string) (*domain.Turn, error) {
	key, err := domain.ParseTurnKey(turn)
	if err != nil {
		return nil, err
	}
	return s.GetTurnKey(ctx, sessionID, key)
}

func (s *Service) GetTurnKey(ctx context.Context, sessionID string, key domain.TurnKey) (*domain.Turn, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("%w: session id is required", domain.ErrInvalidInput)
	}
	return s.store.GetTurn(ctx, sessionID, key)
}

func (s *Service) GetInteraction(ctx context.Context, id string) (*domain.Interaction, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: interaction id is required", domain.ErrInvalidInput)
	}
	return s.store.GetInteraction(ctx, id)
}

// DeleteSession removes a session with everything captured for it.
func (s *Service) DeleteSession(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: session id is required", domain.ErrInvalidInput)
	}
	return s.store.DeleteSession(ctx, id)
}
