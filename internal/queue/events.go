package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/fortify/circuitbreaker"

	"github.com/felixgeelhaar/agentlens/internal/ingest"
)

// EventPublisher announces persisted interactions on the event queue.
// Publishing goes through a circuit breaker so an unreachable broker fails
// fast instead of slowing every import down.
type EventPublisher struct {
	pub     Publisher
	breaker circuitbreaker.CircuitBreaker[struct{}]
	timeout time.Duration
}

var _ ingest.Notifier = (*EventPublisher)(nil)

// EventPublisherConfig tunes the breaker.
type EventPublisherConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold int
	// OpenFor is how long the breaker stays open before probing again.
	OpenFor time.Duration
	Timeout time.Duration
}

// DefaultEventPublisherConfig returns sensible defaults
func DefaultEventPublisherConfig() EventPublisherConfig {
	return EventPublisherConfig{
		FailureThreshold: 3,
		OpenFor:          30 * time.Second,
		Timeout:          2 * time.Second,
	}
}

// NewEventPublisher creates a publisher over pub.
func NewEventPublisher(pub Publisher, cfg EventPublisherConfig) *EventPublisher {
	def := DefaultEventPublisherConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = def.OpenFor
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	threshold := cfg.FailureThreshold
	return &EventPublisher{
		pub:     pub,
		timeout: cfg.Timeout,
		breaker: circuitbreaker.New[struct{}](circuitbreaker.Config{
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     cfg.OpenFor,
			ReadyToTrip: func(counts circuitbreaker.Counts) bool {
				return int(counts.ConsecutiveFailures) >= threshold
			},
			OnStateChange: func(from, to circuitbreaker.State) {
				slog.Warn("event publisher circuit breaker state change",
					"from", from.String(),
					"to", to.String())
			},
		}),
	}
}

// Notify publishes ev.
func (p *EventPublisher) Notify(ctx context.Context, ev ingest.Event) error {
	_, err := p.breaker.Execute(ctx, func(ctx context.Context) (struct{}, error) {
		ctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		return struct{}{}, p.pub.PublishJSON(ctx, EventQueueName, ev)
	})
	if err != nil {
		return fmt.Errorf("publish interaction event: %w", err)
	}
	return nil
}
