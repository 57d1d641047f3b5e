package capture

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/felixgeelhaar/agentlens/internal/domain"
	"github.com/felixgeelhaar/agentlens/internal/sessionindex"
)

// SessionEnv carries the external session id to child processes, so every
// process of one logical agent session writes into the same session.
const SessionEnv = "AGENTLENS_SESSION_ID"

// Options configures Start.
type Options struct {
	// ExternalID defaults to $AGENTLENS_SESSION_ID, or a new id that is
	// then exported for children.
	ExternalID     string
	Dir            string
	Index          *sessionindex.Index
	Hosts          []string
	FlushInterval  time.Duration
	FlushThreshold int
	// Sink replaces the per-process capture file when set.
	Sink Sink
}

// Session is the capture side of one process.
type Session struct {
	externalID string
	id         string
	matcher    *Matcher
	recorder   *Recorder
	sink       Sink
}

// Start attaches this process to a logical session and begins recording.
func Start(ctx context.Context, opts Options) (*Session, error) {
	ext := opts.ExternalID
	if ext == "" {
		ext = os.Getenv(SessionEnv)
	}
	if ext == "" {
		ext = domain.NewID()
		if err := os.Setenv(SessionEnv, ext); err != nil {
			return nil, fmt.Errorf("export session id: %w", err)
		}
	}

	var internalID string
	if opts.Index != nil {
		entry, _, err := opts.Index.Attach(ctx, ext)
		if err != nil {
			return nil, fmt.Errorf("attach session: %w", err)
		}
		internalID = entry.SessionID
	}

	sink := opts.Sink
	if sink == nil {
		if opts.Dir == "" {
			return nil, fmt.Errorf("start capture: %w: no capture dir", domain.ErrInvalidInput)
		}
		fs, err := NewFileSink(opts.Dir, ext)
		if err != nil {
			return nil, err
		}
		sink = fs
	}

	rec := NewRecorder(RecorderConfig{
		SessionID:         ext,
		InternalSessionID: internalID,
		FlushInterval:     opts.FlushInterval,
		FlushThreshold:    opts.FlushThreshold,
	}, sink)

	return &Session{
		externalID: ext,
		id:         internalID,
		matcher:    NewMatcher(opts.Hosts),
		recorder:   rec,
		sink:       sink,
	}, nil
}

// ExternalID returns the caller-facing session id.
func (s *Session) ExternalID() string { return s.externalID }

// ID returns the internal session id, empty when no index was used.
func (s *Session) ID() string { return s.id }

// Recorder returns the underlying hooks.
func (s *Session) Recorder() *Recorder { return s.recorder }

// Transport wraps base with capture.
func (s *Session) Transport(base http.RoundTripper) (http.RoundTripper, error) {
	return NewTransport(base, s.recorder, s.matcher)
}

// Client returns an http.Client using Transport(base). A nil base uses the
// tuned model transport.
func (s *Session) Client(base http.RoundTripper) (*http.Client, error) {
	if base == nil {
		base = newModelTransport()
	}
	tr, err := s.Transport(base)
	if err != nil {
		return nil, err
	}
	return &http.Client{Timeout: 10 * time.Minute, Transport: tr}, nil
}

// Close flushes everything and records the end of the session.
func (s *Session) Close(status domain.SessionStatus) error {
	return s.recorder.Close(string(status))
}

// HandleSignals closes the session with status cancelled on SIGINT/SIGTERM.
func (s *Session) HandleSignals(ctx context.Context) {
	s.recorder.HandleSignals(ctx)
}
