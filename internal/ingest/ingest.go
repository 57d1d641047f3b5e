// Package ingest imports capture logs into the store. It folds records
// into envelopes, resolves sessions through the Session Index, assigns
// turn keys and persists the decomposed interactions.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/felixgeelhaar/fortify/bulkhead"

	"github.com/felixgeelhaar/agentlens/internal/capture"
	"github.com/felixgeelhaar/agentlens/internal/config"
	"github.com/felixgeelhaar/agentlens/internal/correlate"
	"github.com/felixgeelhaar/agentlens/internal/domain"
	"github.com/felixgeelhaar/agentlens/internal/sessionindex"
	"github.com/felixgeelhaar/agentlens/internal/storage/local"
	"github.com/felixgeelhaar/agentlens/internal/telemetry"
)

// DefaultSessionID groups records that carry no session id.
const DefaultSessionID = "default"

// Store is the persistence the importer needs.
type Store interface {
	EnsureSession(ctx context.Context, sess *domain.Session) (bool, error)
	GetSessionByExternalID(ctx context.Context, externalID string) (*domain.Session, error)
	CloseSession(ctx context.Context, id string, status domain.SessionStatus, endedAt time.Time) error
	InsertInteraction(ctx context.Context, sessionID string, in *domain.Interaction) error
	GetTurn(ctx context.Context, sessionID string, key domain.TurnKey) (*domain.Turn, error)
	CorrelationState(ctx context.Context, sessionID string) ([]domain.CallState, error)
	HasRequest(ctx context.Context, sessionID, requestID string) (bool, error)
	HasImport(ctx context.Context, fileHash string) (bool, error)
	RecordImport(ctx context.Context, rec domain.ImportRecord) error
}

// Config tunes the importer.
type Config struct {
	Correlation correlate.Config
	// StaleAfter is how long a capture file must go unmodified before its
	// unfinished calls are imported as incomplete.
	StaleAfter    time.Duration
	MaxConcurrent int
	Persistence   WriterConfig
}

// DefaultConfig returns the importer defaults.
func DefaultConfig() Config {
	return ConfigFrom(config.DefaultLocalConfig())
}

// ConfigFrom maps the local configuration onto importer settings.
func ConfigFrom(cfg *config.LocalConfig) Config {
	return Config{
		Correlation: correlate.Config{
			Window:         cfg.Correlation.SameTurnWindow,
			ToolWindow:     cfg.Correlation.ToolWindow,
			RetryProximity: cfg.Correlation.RetryProximity,
		},
		StaleAfter:    cfg.Correlation.StaleAfter,
		MaxConcurrent: cfg.Sync.MaxConcurrent,
		Persistence: WriterConfig{
			MaxAttempts:  cfg.Persistence.MaxAttempts,
			InitialDelay: cfg.Persistence.InitialDelay,
			MaxDelay:     cfg.Persistence.MaxDelay,
		},
	}
}

// Result summarizes one imported file.
type Result struct {
	Path              string   `json:"path"`
	FileHash          string   `json:"file_hash"`
	Skipped           bool     `json:"skipped"`
	Sessions          []string `json:"sessions"`
	Interactions      int      `json:"interactions"`
	Deferred          int      `json:"deferred"`
	Spooled           int      `json:"spooled"`
	CorrelationErrors int      `json:"correlation_errors"`
}

// Service imports capture files.
type Service struct {
	store    Store
	index    *sessionindex.Index
	writer   *Writer
	notifier Notifier
	cfg      Config
	locks    sync.Map
	// Now is the clock used for staleness checks.
	Now func() time.Time
}

// NewService creates an importer. index may be nil, in which case sessions
// are resolved from the store alone. notifier may be nil.
func NewService(store Store, index *sessionindex.Index, spool *local.Store, notifier Notifier, cfg Config) *Service {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	s := &Service{
		store:    store,
		index:    index,
		writer:   NewWriter(store, spool, cfg.Persistence),
		notifier: notifier,
		cfg:      cfg,
		Now:      time.Now,
	}
	s.writer.lock = s.lock
	return s
}

// Writer returns the persistence writer.
func (s *Service) Writer() *Writer {
	return s.writer
}

// ImportFile imports one capture file. Importing the same content twice is
// a no-op; importing a grown file adds only the new calls.
func (s *Service) ImportFile(ctx context.Context, path string) (*Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat capture file: %w", err)
	}
	hash, err := hashFile(path)
	if err != nil {
		return nil, err
	}
	res := &Result{Path: path, FileHash: hash}

	done, err := s.store.HasImport(ctx, hash)
	if err != nil {
		return nil, err
	}
	if done {
		res.Skipped = true
		return res, nil
	}

	log, err := capture.ReadFile(path)
	if err != nil {
		return nil, err
	}
	stale := s.Now().Sub(info.ModTime()) >= s.cfg.StaleAfter

	if err := s.importLog(ctx, log, stale, res); err != nil {
		return nil, err
	}
	if res.Deferred > 0 {
		slog.Debug("capture file still live", "path", path, "deferred", res.Deferred)
		return res, nil
	}
	if err := s.store.RecordImport(ctx, domain.ImportRecord{
		FileHash:     hash,
		Path:         path,
		SessionIDs:   res.Sessions,
		Interactions: res.Interactions,
	}); err != nil {
		return nil, err
	}
	slog.Info("capture file imported", "path", path, "sessions", len(res.Sessions),
		"interactions", res.Interactions, "spooled", res.Spooled)
	return res, nil
}

// ImportDir imports every capture file under dir. Files run concurrently
// up to MaxConcurrent; calls of one session are still persisted serially.
func (s *Service) ImportDir(ctx context.Context, dir string) ([]*Result, error) {
	files, err := capture.LogFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}

	bh := bulkhead.New[*Result](bulkhead.Config{
		MaxConcurrent: s.cfg.MaxConcurrent,
		MaxQueue:      len(files),
		QueueTimeout:  10 * time.Minute,
	})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make([]*Result, len(files))
		errs    []error
	)
	for i, path := range files {
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			res, err := bh.Execute(ctx, func(ctx context.Context) (*Result, error) {
				return s.ImportFile(ctx, path)
			})
			if err != nil {
				slog.Error("import capture file", "path", path, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", path, err))
				mu.Unlock()
				return
			}
			results[i] = res
		}(i, path)
	}
	wg.Wait()

	out := make([]*Result, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, errors.Join(errs...)
}

// ImportReader folds and imports a capture stream that has no backing
// file. Unfinished calls are imported as incomplete.
func (s *Service) ImportReader(ctx context.Context, r io.Reader) (*Result, error) {
	log, err := capture.ReadLog(r)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	if err := s.importLog(ctx, log, true, res); err != nil {
		return nil, err
	}
	return res, nil
}

type sessionGroup struct {
	externalID string
	hintID     string
	envelopes  []capture.Envelope
	end        *capture.SessionEnd
}

func (s *Service) importLog(ctx context.Context, log *capture.Log, stale bool, res *Result) error {
	groups := map[string]*sessionGroup{}
	group := func(ext string) *sessionGroup {
		if ext == "" {
			ext = DefaultSessionID
		}
		g, ok := groups[ext]
		if !ok {
			g = &sessionGroup{externalID: ext}
			groups[ext] = g
		}
		return g
	}
	for _, env := range log.Envelopes {
		g := group(env.SessionID)
		if g.hintID == "" {
			g.hintID = env.InternalSessionID
		}
		g.envelopes = append(g.envelopes, env)
	}
	for _, end := range log.Ends {
		g := group(end.SessionID)
		if g.end == nil || end.Time.After(g.end.Time) {
			e := end
			g.end = &e
		}
	}

	ids := make([]string, 0, len(groups))
	for ext := range groups {
		ids = append(ids, ext)
	}
	sort.Strings(ids)

	for _, ext := range ids {
		g := groups[ext]
		if !stale {
			g.envelopes = s.deferLive(g.envelopes, log.Pending, res)
		}
		sessionID, err := s.importSession(ctx, g, res)
		if err != nil {
			return fmt.Errorf("import session %s: %w", ext, err)
		}
		res.Sessions = append(res.Sessions, sessionID)
	}
	return nil
}

// deferLive drops calls whose writer may still be running, together with
// every call that started after the first of them, so turn keys are only
// assigned over a settled prefix of the session.
func (s *Service) deferLive(envs []capture.Envelope, pending map[string]bool, res *Result) []capture.Envelope {
	var cutoff time.Time
	for _, env := range envs {
		if pending[env.RequestID] && (cutoff.IsZero() || env.Timestamp.Before(cutoff)) {
			cutoff = env.Timestamp
		}
	}
	if cutoff.IsZero() {
		return envs
	}
	kept := envs[:0:0]
	for _, env := range envs {
		if env.Timestamp.Before(cutoff) && !pending[env.RequestID] {
			kept = append(kept, env)
			continue
		}
		res.Deferred++
	}
	return kept
}

func (s *Service) lock(externalID string) func() {
	v, _ := s.locks.LoadOrStore(externalID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *Service) importSession(ctx context.Context, g *sessionGroup, res *Result) (string, error) {
	unlock := s.lock(g.externalID)
	defer unlock()

	start := time.Time{}
	for _, env := range g.envelopes {
		if start.IsZero() || (!env.Timestamp.IsZero() && env.Timestamp.Before(start)) {
			start = env.Timestamp
		}
	}
	if start.IsZero() && g.end != nil {
		start = g.end.Time
	}

	sess, err := s.resolveSession(ctx, g.externalID, g.hintID, start)
	if err != nil {
		return "", err
	}

	state, err := s.store.CorrelationState(ctx, sess.ID)
	if err != nil {
		return "", err
	}
	spooled, err := s.writer.SpooledSeeds(sess.ID)
	if err != nil {
		return "", err
	}
	corr := correlate.New(sess.ID, s.cfg.Correlation)
	corr.Seed(seeds(state)...)
	corr.Seed(spooled...)

	for _, env := range g.envelopes {
		corr.Add(env)
	}
	for _, cerr := range corr.Errors() {
		telemetry.CorrelationError(ctx, string(cerr.Kind))
		res.CorrelationErrors++
	}

	for _, a := range corr.Assign() {
		exists, err := s.store.HasRequest(ctx, sess.ID, a.Call.RequestID)
		if err != nil {
			return "", err
		}
		if exists {
			continue
		}
		out, err := s.writer.Persist(ctx, Pending{
			ExternalSessionID: g.externalID,
			SessionID:         sess.ID,
			Call:              a.Call,
			Key:               a.Key,
		})
		if err != nil {
			return "", err
		}
		if out.Spooled {
			res.Spooled++
		}
		for _, in := range out.Interactions {
			res.Interactions++
			s.notify(ctx, g.externalID, in)
		}
	}

	if g.end != nil {
		status := domain.SessionStatus(g.end.Status)
		if !status.Valid() || status == domain.SessionActive {
			status = domain.SessionError
		}
		if err := s.store.CloseSession(ctx, sess.ID, status, g.end.Time); err != nil {
			return "", err
		}
	}
	return sess.ID, nil
}

// resolveSession maps an external id onto its stored session, creating
// it when needed. The store wins over the index, and the index over the
// id a capture process recorded.
func (s *Service) resolveSession(ctx context.Context, externalID, hintID string, start time.Time) (*domain.Session, error) {
	existing, err := s.store.GetSessionByExternalID(ctx, externalID)
	if err != nil && !domain.IsNotFound(err) {
		return nil, err
	}

	id := hintID
	if existing != nil {
		id = existing.ID
	}
	if s.index != nil {
		entry, _, err := s.index.Ensure(ctx, externalID, id)
		switch {
		case err != nil:
			slog.Warn("session index unavailable", "external_id", externalID, "error", err)
		case existing != nil && entry.SessionID != existing.ID:
			s.indexRace(ctx, externalID, existing.ID, entry.SessionID)
		default:
			id = entry.SessionID
		}
	}
	if hintID != "" && hintID != id {
		s.indexRace(ctx, externalID, id, hintID)
	}
	if existing != nil {
		return existing, nil
	}
	if id == "" {
		id = domain.NewID()
	}

	sess := domain.NewSession(id, externalID, start)
	if _, err := s.store.EnsureSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Service) indexRace(ctx context.Context, externalID, kept, other string) {
	err := &domain.CorrelationError{
		Kind:      domain.CorrelationIndexRace,
		SessionID: kept,
		Err:       fmt.Errorf("external id %s also mapped to %s", externalID, other),
	}
	slog.Warn("session index race", "external_id", externalID, "session_id", kept, "other", other, "error", err)
	telemetry.CorrelationError(ctx, string(err.Kind))
}

func (s *Service) notify(ctx context.Context, externalID string, in *domain.Interaction) {
	telemetry.IngestInteraction(ctx, string(in.Provider), string(in.Type))
	if in.DecodeError != "" {
		telemetry.DecodeError(ctx, in.DecodeError)
	}
	if err := s.notifier.Notify(ctx, NewEvent(externalID, in)); err != nil {
		slog.Warn("notify interaction", "interaction_id", in.ID, "error", err)
	}
}

func seeds(state []domain.CallState) []correlate.Seed {
	out := make([]correlate.Seed, 0, len(state))
	for _, c := range state {
		out = append(out, correlate.Seed{
			RequestID: c.RequestID,
			Key:       c.Key,
			Start:     c.Start,
			End:       c.End,
			Features: correlate.Features{
				Provider:    c.Provider,
				Model:       c.Model,
				IsLLM:       c.IsLLM,
				Fingerprint: c.Fingerprint,
			},
		})
	}
	return out
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open capture file: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash capture file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
