package correlate

import (
	"net/http"
	"time"

	"github.com/felixgeelhaar/agentlens/internal/capture"
	"github.com/felixgeelhaar/agentlens/internal/decompose"
	"github.com/felixgeelhaar/agentlens/internal/domain"
)

// Features are the request properties turn assignment looks at.
type Features struct {
	Provider       domain.Provider
	Model          string
	IsLLM          bool
	ToolResultOnly bool
	// Fingerprint hashes the current user input; empty when there is none.
	Fingerprint string
}

// DefaultFeatures decomposes the request side of env.
func DefaultFeatures(env *capture.Envelope) Features {
	p := decompose.Detect(env.URL, env.Request)
	if !env.HasRequest() {
		return Features{Provider: p}
	}
	res := decompose.DecomposeRequest(env.URL, env.Request, p)
	return Features{
		Provider:       p,
		Model:          res.Model,
		IsLLM:          res.IsLLM && env.Method != http.MethodGet,
		ToolResultOnly: res.ToolResultOnly,
		Fingerprint:    res.Fingerprint(),
	}
}

// Turn is the running state of the most recent major turn.
type Turn struct {
	Key         domain.TurnKey
	LastEnd     time.Time
	HasLLM      bool
	Fingerprint string
	Provider    domain.Provider
}

func newTurn(key domain.TurnKey, c *Call) *Turn {
	return &Turn{
		Key:         key,
		LastEnd:     c.End,
		HasLLM:      c.Features.IsLLM,
		Fingerprint: c.Features.Fingerprint,
		Provider:    c.Features.Provider,
	}
}

func (t *Turn) extend(key domain.TurnKey, c *Call) {
	if t.Key.Less(key) {
		t.Key = key
	}
	if c.End.After(t.LastEnd) {
		t.LastEnd = c.End
	}
	t.HasLLM = t.HasLLM || c.Features.IsLLM
	if t.Fingerprint == "" {
		t.Fingerprint = c.Features.Fingerprint
	}
}

// Heuristic decides whether a call continues the current turn.
type Heuristic interface {
	SameTurn(turn Turn, call *Call) bool
}

// HeuristicFunc adapts a function to Heuristic.
type HeuristicFunc func(turn Turn, call *Call) bool

func (f HeuristicFunc) SameTurn(turn Turn, call *Call) bool { return f(turn, call) }

// WindowHeuristic groups calls that follow each other closely without new
// user input.
type WindowHeuristic struct {
	Window     time.Duration
	ToolWindow time.Duration
}

// SameTurn implements Heuristic. Rules apply in order:
//
//  1. a tool-result continuation joins an LLM turn within ToolWindow
//  2. a gap longer than Window starts a new turn
//  3. a non-LLM call joins
//  4. a turn with no LLM call yet absorbs the call
//  5. an LLM call without user input joins
//  6. an LLM call repeating the turn's user input joins
func (h WindowHeuristic) SameTurn(turn Turn, call *Call) bool {
	gap := call.Start.Sub(turn.LastEnd)
	if gap < 0 {
		gap = 0
	}
	f := call.Features
	if f.ToolResultOnly && turn.HasLLM && gap <= h.ToolWindow {
		return true
	}
	if gap > h.Window {
		return false
	}
	if !f.IsLLM || !turn.HasLLM {
		return true
	}
	if f.Fingerprint == "" {
		return true
	}
	return f.Fingerprint == turn.Fingerprint
}
