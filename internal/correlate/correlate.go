// Package correlate groups captured calls of one session into turns.
//
// A Correlator is an arena of calls plus a request-id index. Keys are
// assigned once, after the highest key already persisted for the session,
// and never recomputed.
package correlate

import (
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/felixgeelhaar/agentlens/internal/capture"
	"github.com/felixgeelhaar/agentlens/internal/decompose"
	"github.com/felixgeelhaar/agentlens/internal/domain"
)

// Config tunes correlation.
type Config struct {
	Window         time.Duration
	ToolWindow     time.Duration
	RetryProximity time.Duration
	// Heuristics overrides the turn rule per provider.
	Heuristics map[domain.Provider]Heuristic
	// Features extracts call features; DefaultFeatures when nil.
	Features func(*capture.Envelope) Features
}

// DefaultConfig returns the standard windows.
func DefaultConfig() Config {
	return Config{
		Window:         2 * time.Second,
		ToolWindow:     5 * time.Minute,
		RetryProximity: 30 * time.Second,
	}
}

// Call is one physical request/response exchange.
type Call struct {
	// RequestID is unique within the session. A reused id outside the
	// retry window is re-keyed "<id>~<n>".
	RequestID string
	Envelope  capture.Envelope
	Start     time.Time
	End       time.Time
	Features  Features
	Synthetic bool
	Seeded    bool
	Key       domain.TurnKey

	assigned bool
}

// Seed is a call already persisted for the session.
type Seed struct {
	RequestID string
	Key       domain.TurnKey
	Start     time.Time
	End       time.Time
	Features  Features
}

// Assignment pairs a new call with its key.
type Assignment struct {
	Call *Call
	Key  domain.TurnKey
}

// Correlator assigns turn keys for one session.
type Correlator struct {
	mu        sync.Mutex
	sessionID string
	cfg       Config
	fallback  Heuristic

	calls []*Call
	index map[string]int
	errs  []*domain.CorrelationError
}

// New returns a correlator for sessionID. Zero durations in cfg take the
// defaults.
func New(sessionID string, cfg Config) *Correlator {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.ToolWindow <= 0 {
		cfg.ToolWindow = def.ToolWindow
	}
	if cfg.RetryProximity <= 0 {
		cfg.RetryProximity = def.RetryProximity
	}
	if cfg.Features == nil {
		cfg.Features = DefaultFeatures
	}
	return &Correlator{
		sessionID: sessionID,
		cfg:       cfg,
		fallback:  WindowHeuristic{Window: cfg.Window, ToolWindow: cfg.ToolWindow},
		index:     make(map[string]int),
	}
}

// Seed loads persisted calls. Their keys are kept as they are.
func (c *Correlator) Seed(seeds ...Seed) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range seeds {
		if _, ok := c.index[s.RequestID]; ok {
			continue
		}
		c.index[s.RequestID] = len(c.calls)
		c.calls = append(c.calls, &Call{
			RequestID: s.RequestID,
			Start:     s.Start,
			End:       s.End,
			Features:  s.Features,
			Key:       s.Key,
			Seeded:    true,
			assigned:  true,
		})
	}
}

// Add folds an envelope into the arena, deduplicating retries.
func (c *Correlator) Add(env capture.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	call := c.newCall(env)
	base := call.RequestID
	if base == "" {
		call.RequestID = "anonymous-" + strconv.Itoa(len(c.calls))
		c.index[call.RequestID] = len(c.calls)
		c.calls = append(c.calls, call)
		return
	}
	for n := 0; ; n++ {
		id := base
		if n > 0 {
			id = base + "~" + strconv.Itoa(n)
		}
		i, ok := c.index[id]
		if !ok {
			if n > 0 {
				c.record(domain.CorrelationDuplicateRequest, base)
			}
			call.RequestID = id
			c.index[id] = len(c.calls)
			c.calls = append(c.calls, call)
			return
		}
		existing := c.calls[i]
		if !withinRetry(existing, call, c.cfg.RetryProximity) {
			continue
		}
		if existing.assigned {
			// already persisted or keyed; a replayed log adds nothing
			return
		}
		if preferAttempt(call, existing) {
			call.RequestID = id
			c.calls[i] = call
		}
		return
	}
}

func (c *Correlator) newCall(env capture.Envelope) *Call {
	start := env.Timestamp
	if start.IsZero() && env.Response != nil {
		start = env.Response.StartedAt
	}
	call := &Call{
		RequestID: env.RequestID,
		Envelope:  env,
		Start:     start,
		End:       env.End(),
	}
	if call.End.Before(start) {
		call.End = start
	}
	if env.HasRequest() {
		call.Features = c.cfg.Features(&env)
		return call
	}
	call.Synthetic = true
	call.Features = Features{Provider: decompose.Detect(env.URL, nil)}
	if env.Response != nil && len(env.Response.Body) > 0 {
		call.Features.IsLLM = true
	}
	c.record(domain.CorrelationOrphanedResponse, env.RequestID)
	return call
}

func (c *Correlator) record(kind domain.CorrelationErrorKind, requestID string) {
	err := &domain.CorrelationError{Kind: kind, SessionID: c.sessionID, RequestID: requestID}
	slog.Warn("correlation anomaly", "kind", kind, "session_id", c.sessionID, "request_id", requestID)
	c.errs = append(c.errs, err)
}

func withinRetry(a, b *Call, proximity time.Duration) bool {
	d := a.Start.Sub(b.Start)
	if d < 0 {
		d = -d
	}
	return d <= proximity
}

// preferAttempt reports whether next should replace prev: a terminal
// attempt beats a non-terminal one, otherwise the later one wins.
func preferAttempt(next, prev *Call) bool {
	nt, pt := next.Envelope.Terminal(), prev.Envelope.Terminal()
	if nt != pt {
		return nt
	}
	return !next.Start.Before(prev.Start)
}

// Assign keys every call added since the last Assign, in (start,
// request id) order, and returns them in key order.
func (c *Correlator) Assign() []Assignment {
	c.mu.Lock()
	defer c.mu.Unlock()

	var fixed, pending []*Call
	for _, call := range c.calls {
		if call.assigned {
			fixed = append(fixed, call)
		} else {
			pending = append(pending, call)
		}
	}
	sort.SliceStable(fixed, func(i, j int) bool { return fixed[i].Key.Less(fixed[j].Key) })
	sort.SliceStable(pending, func(i, j int) bool {
		if !pending[i].Start.Equal(pending[j].Start) {
			return pending[i].Start.Before(pending[j].Start)
		}
		return pending[i].RequestID < pending[j].RequestID
	})

	var turn *Turn
	for _, call := range fixed {
		if turn == nil || call.Key.Major != turn.Key.Major {
			turn = newTurn(call.Key, call)
			continue
		}
		turn.extend(call.Key, call)
	}

	out := make([]Assignment, 0, len(pending))
	for _, call := range pending {
		switch {
		case turn == nil:
			call.Key = domain.TurnKey{Major: 1}
			turn = newTurn(call.Key, call)
		case c.heuristic(call.Features.Provider).SameTurn(*turn, call):
			call.Key = turn.Key.NextMinor()
			turn.extend(call.Key, call)
		default:
			call.Key = turn.Key.NextMajor()
			turn = newTurn(call.Key, call)
		}
		call.assigned = true
		out = append(out, Assignment{Call: call, Key: call.Key})
	}
	return out
}

func (c *Correlator) heuristic(p domain.Provider) Heuristic {
	if h, ok := c.cfg.Heuristics[p]; ok && h != nil {
		return h
	}
	return c.fallback
}

// Calls returns every call in the arena in key order. Unassigned calls
// sort last.
func (c *Correlator) Calls() []*Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]*Call(nil), c.calls...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].assigned != out[j].assigned {
			return out[i].assigned
		}
		return out[i].Key.Less(out[j].Key)
	})
	return out
}

// Errors returns the anomalies resolved so far.
func (c *Correlator) Errors() []*domain.CorrelationError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*domain.CorrelationError(nil), c.errs...)
}
