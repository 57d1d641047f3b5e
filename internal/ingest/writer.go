package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/felixgeelhaar/fortify/retry"

	"github.com/felixgeelhaar/agentlens/internal/capture"
	"github.com/felixgeelhaar/agentlens/internal/correlate"
	"github.com/felixgeelhaar/agentlens/internal/domain"
	"github.com/felixgeelhaar/agentlens/internal/storage/local"
	"github.com/felixgeelhaar/agentlens/internal/telemetry"
)

// SpoolCollection is the spool directory for calls that could not be
// persisted.
const SpoolCollection = "failed"

// WriterConfig tunes persistence retries.
type WriterConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Pending is a keyed call waiting to be persisted.
type Pending struct {
	ExternalSessionID string
	SessionID         string
	Call              *correlate.Call
	Key               domain.TurnKey
}

// Outcome reports what Persist did with a call.
type Outcome struct {
	Interactions []*domain.Interaction
	Spooled      bool
}

// SpoolEntry is a call that failed to persist, kept with everything
// needed to persist it later under the same key.
type SpoolEntry struct {
	ExternalSessionID string             `json:"external_session_id"`
	SessionID         string             `json:"session_id"`
	RequestID         string             `json:"request_id"`
	Turn              domain.TurnKey     `json:"turn"`
	Start             time.Time          `json:"start"`
	End               time.Time          `json:"end"`
	Synthetic         bool               `json:"synthetic"`
	Features          correlate.Features `json:"features"`
	Envelope          capture.Envelope   `json:"envelope"`
	Error             string             `json:"error"`
	SpooledAt         time.Time          `json:"spooled_at"`
}

func (e *SpoolEntry) pending() Pending {
	return Pending{
		ExternalSessionID: e.ExternalSessionID,
		SessionID:         e.SessionID,
		Key:               e.Turn,
		Call: &correlate.Call{
			RequestID: e.RequestID,
			Envelope:  e.Envelope,
			Start:     e.Start,
			End:       e.End,
			Features:  e.Features,
			Synthetic: e.Synthetic,
			Key:       e.Turn,
		},
	}
}

// Writer persists calls, retrying transient store failures and spooling
// calls that still fail.
type Writer struct {
	store   Store
	spool   *local.Store
	retrier retry.Retry[struct{}]
	// lock serializes reconciliation with imports of the same session.
	lock func(externalID string) func()
	Now  func() time.Time
}

// NewWriter creates a writer. A nil spool turns permanent failures into
// errors.
func NewWriter(store Store, spool *local.Store, cfg WriterConfig) *Writer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 50 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	return &Writer{
		store: store,
		spool: spool,
		retrier: retry.New[struct{}](retry.Config{
			MaxAttempts:   cfg.MaxAttempts,
			InitialDelay:  cfg.InitialDelay,
			MaxDelay:      cfg.MaxDelay,
			Multiplier:    2.0,
			BackoffPolicy: retry.BackoffExponential,
			Jitter:        true,
			IsRetryable:   domain.IsTransient,
		}),
		Now: time.Now,
	}
}

func (w *Writer) insert(ctx context.Context, sessionID string, in *domain.Interaction) error {
	_, err := w.retrier.Do(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, w.store.InsertInteraction(ctx, sessionID, in)
	})
	return err
}

// Persist stores the request and response of p. A failure that survives
// the retries spools the call instead of failing.
func (w *Writer) Persist(ctx context.Context, p Pending) (Outcome, error) {
	var out Outcome

	req := buildRequest(p.Call, p.Key)
	if err := w.insert(ctx, p.SessionID, req); err != nil {
		if domain.IsConflict(err) {
			if ok, _ := w.store.HasRequest(ctx, p.SessionID, p.Call.RequestID); ok {
				return out, nil
			}
		}
		return out, w.spoolCall(ctx, p, err, &out)
	}
	out.Interactions = append(out.Interactions, req)

	if err := w.persistResponse(ctx, p, req, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (w *Writer) persistResponse(ctx context.Context, p Pending, req *domain.Interaction, out *Outcome) error {
	resp := buildResponse(p.Call, req)
	if resp == nil {
		return nil
	}
	if err := w.insert(ctx, p.SessionID, resp); err != nil {
		return w.spoolCall(ctx, p, err, out)
	}
	if resp.Incomplete {
		telemetry.CaptureIncomplete(ctx)
	}
	out.Interactions = append(out.Interactions, resp)
	return nil
}

func (w *Writer) spoolCall(ctx context.Context, p Pending, cause error, out *Outcome) error {
	if w.spool == nil {
		return fmt.Errorf("persist %s: %w", p.Call.RequestID, cause)
	}
	entry := SpoolEntry{
		ExternalSessionID: p.ExternalSessionID,
		SessionID:         p.SessionID,
		RequestID:         p.Call.RequestID,
		Turn:              p.Key,
		Start:             p.Call.Start,
		End:               p.Call.End,
		Synthetic:         p.Call.Synthetic,
		Features:          p.Call.Features,
		Envelope:          p.Call.Envelope,
		Error:             cause.Error(),
		SpooledAt:         w.Now().UTC(),
	}
	if err := w.spool.Save(SpoolCollection, spoolID(p.SessionID, p.Call.RequestID), entry); err != nil {
		return fmt.Errorf("spool %s: %w (after %v)", p.Call.RequestID, err, cause)
	}
	slog.Warn("interaction spooled", "session_id", p.SessionID, "request_id", p.Call.RequestID,
		"turn", p.Key.String(), "error", cause)
	telemetry.IngestSpooled(ctx)
	out.Spooled = true
	return nil
}

func spoolID(sessionID, requestID string) string {
	return sessionID + "_" + requestID
}

// SpooledSeeds returns the spooled calls of sessionID as correlator seeds,
// so new calls are never given a key a spooled call still holds.
func (w *Writer) SpooledSeeds(sessionID string) ([]correlate.Seed, error) {
	if w.spool == nil {
		return nil, nil
	}
	ids, err := w.spool.List(SpoolCollection)
	if err != nil {
		return nil, err
	}
	var out []correlate.Seed
	for _, id := range ids {
		if !strings.HasPrefix(id, sessionID+"_") {
			continue
		}
		var entry SpoolEntry
		if err := w.spool.Load(SpoolCollection, id, &entry); err != nil {
			slog.Warn("unreadable spool entry", "id", id, "error", err)
			continue
		}
		if entry.SessionID != sessionID {
			continue
		}
		out = append(out, correlate.Seed{
			RequestID: entry.RequestID,
			Key:       entry.Turn,
			Start:     entry.Start,
			End:       entry.End,
			Features:  entry.Features,
		})
	}
	return out, nil
}

// ReconcileResult summarizes a spool pass.
type ReconcileResult struct {
	Attempted    int `json:"attempted"`
	Reconciled   int `json:"reconciled"`
	Remaining    int `json:"remaining"`
	Interactions int `json:"interactions"`
}

// Reconcile retries every spooled call under its original key and removes
// the entries that now persist.
func (w *Writer) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	res := &ReconcileResult{}
	if w.spool == nil {
		return res, nil
	}
	ids, err := w.spool.List(SpoolCollection)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return res, nil
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		var entry SpoolEntry
		if err := w.spool.Load(SpoolCollection, id, &entry); err != nil {
			slog.Warn("unreadable spool entry", "id", id, "error", err)
			res.Remaining++
			continue
		}
		res.Attempted++

		unlock := func() {}
		if w.lock != nil {
			unlock = w.lock(entry.ExternalSessionID)
		}
		n, err := w.reconcileEntry(ctx, &entry)
		unlock()
		if err != nil {
			slog.Warn("reconcile spool entry", "id", id, "error", err)
			res.Remaining++
			continue
		}
		if err := w.spool.Delete(SpoolCollection, id); err != nil {
			return res, err
		}
		res.Reconciled++
		res.Interactions += n
	}
	slog.Info("spool reconciled", "attempted", res.Attempted, "reconciled", res.Reconciled, "remaining", res.Remaining)
	return res, nil
}

// reconcileEntry persists whatever part of entry is still missing.
func (w *Writer) reconcileEntry(ctx context.Context, entry *SpoolEntry) (int, error) {
	p := entry.pending()

	exists, err := w.store.HasRequest(ctx, p.SessionID, entry.RequestID)
	if err != nil {
		return 0, err
	}
	if !exists {
		req := buildRequest(p.Call, p.Key)
		if err := w.insert(ctx, p.SessionID, req); err != nil {
			return 0, err
		}
		resp := buildResponse(p.Call, req)
		if resp == nil {
			return 1, nil
		}
		if err := w.insert(ctx, p.SessionID, resp); err != nil {
			return 1, err
		}
		return 2, nil
	}

	turn, err := w.store.GetTurn(ctx, p.SessionID, p.Key)
	if err != nil {
		return 0, err
	}
	if turn.Request.RequestID != entry.RequestID || len(turn.Responses) > 0 {
		return 0, nil
	}
	resp := buildResponse(p.Call, turn.Request)
	if resp == nil {
		return 0, nil
	}
	if err := w.insert(ctx, p.SessionID, resp); err != nil {
		return 0, err
	}
	return 1, nil
}
