package queue

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/felixgeelhaar/agentlens/internal/capture"
)

const publishTimeout = 5 * time.Second

// RecordSink is a capture.Sink that relays each flushed batch to the
// capture queue instead of a local file.
type RecordSink struct {
	pub        Publisher
	externalID string
	host       string
	pid        int
	Now        func() time.Time
}

var _ capture.Sink = (*RecordSink)(nil)

// NewRecordSink relays records of one external session.
func NewRecordSink(pub Publisher, externalID string) *RecordSink {
	host, _ := os.Hostname()
	return &RecordSink{
		pub:        pub,
		externalID: externalID,
		host:       host,
		pid:        os.Getpid(),
		Now:        time.Now,
	}
}

// Write publishes one batch.
func (s *RecordSink) Write(records []capture.Record) error {
	if len(records) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	batch := RecordBatch{
		ExternalID: s.externalID,
		Host:       s.host,
		PID:        s.pid,
		Records:    records,
		SentAt:     s.Now().UTC(),
	}
	if err := s.pub.PublishJSON(ctx, CaptureQueueName, batch); err != nil {
		return fmt.Errorf("publish record batch: %w", err)
	}
	return nil
}

// Close is a no-op; the connection belongs to the caller.
func (s *RecordSink) Close() error { return nil }
