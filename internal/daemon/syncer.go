package daemon

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/felixgeelhaar/agentlens/internal/ingest"
)

// Importer is the part of the ingest service the syncer drives.
type Importer interface {
	ImportDir(ctx context.Context, dir string) ([]*ingest.Result, error)
	Reconcile(ctx context.Context) (*ingest.ReconcileResult, error)
}

// SyncStatus describes the last sync pass.
type SyncStatus struct {
	Runs         int       `json:"runs"`
	LastRun      time.Time `json:"last_run,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	Files        int       `json:"files"`
	Interactions int       `json:"interactions"`
	Deferred     int       `json:"deferred"`
	Spooled      int       `json:"spooled"`
	Reconciled   int       `json:"reconciled"`
}

// Syncer periodically imports the captures directory and drains the spool.
type Syncer struct {
	importer Importer
	dir      string
	interval time.Duration

	mu     sync.Mutex
	status SyncStatus
}

// NewSyncer creates a syncer over dir. A non-positive interval falls back
// to five seconds.
func NewSyncer(importer Importer, dir string, interval time.Duration) *Syncer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Syncer{importer: importer, dir: dir, interval: interval}
}

// Run syncs once immediately and then every interval until ctx is done.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("sync pass failed", "dir", s.dir, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce imports new capture data and retries spooled envelopes. A
// missing captures directory is not an error.
func (s *Syncer) RunOnce(ctx context.Context) error {
	pass := SyncStatus{LastRun: time.Now().UTC()}

	results, err := s.importer.ImportDir(ctx, s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		err = nil
	}
	for _, r := range results {
		if r.Skipped {
			continue
		}
		pass.Files++
		pass.Interactions += r.Interactions
		pass.Deferred += r.Deferred
		pass.Spooled += r.Spooled
	}

	rec, recErr := s.importer.Reconcile(ctx)
	if rec != nil {
		pass.Reconciled = rec.Reconciled
	}
	err = errors.Join(err, recErr)
	if err != nil {
		pass.LastError = err.Error()
	}

	s.mu.Lock()
	pass.Runs = s.status.Runs + 1
	s.status = pass
	s.mu.Unlock()

	if pass.Interactions > 0 || pass.Reconciled > 0 {
		slog.Info("sync pass", "files", pass.Files, "interactions", pass.Interactions,
			"deferred", pass.Deferred, "reconciled", pass.Reconciled)
	}
	return err
}

// Status returns the result of the last pass.
func (s *Syncer) Status() SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}
