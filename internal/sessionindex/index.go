// Package sessionindex maps external session identifiers to internal
// session ids in a JSON file shared by every process of a logical session.
//
// Entries are append-only. Every mutation holds an exclusive lock on
// "<index>.lock", writes a temp file, syncs it and renames it over the
// index, so readers never observe a partial file.
package sessionindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/felixgeelhaar/agentlens/internal/domain"
)

const (
	fileVersion  = 1
	lockPoll     = 10 * time.Millisecond
	defaultWait  = 5 * time.Second
	lockFileMode = 0o644
)

// Entry is one external session.
type Entry struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
	Writers   int       `json:"writers"`
}

// File is the on-disk document.
type File struct {
	Version   int              `json:"version"`
	UpdatedAt time.Time        `json:"updated_at"`
	Sessions  map[string]Entry `json:"sessions"`
}

// Index is a handle on an index file.
type Index struct {
	path  string
	mu    sync.Mutex
	Now   func() time.Time
	NewID func() string
	// Wait bounds how long a mutation waits for the lock.
	Wait time.Duration
}

// New returns a handle for the index at path.
func New(path string) *Index {
	return &Index{path: path, Now: time.Now, NewID: domain.NewID, Wait: defaultWait}
}

// Path returns the index file path.
func (ix *Index) Path() string {
	return ix.path
}

// Attach resolves externalID for a capture writer, creating the session
// if this is the first process to see it, and counts the writer.
func (ix *Index) Attach(ctx context.Context, externalID string) (Entry, bool, error) {
	return ix.resolve(ctx, externalID, "", true)
}

// Ensure resolves externalID without counting a writer. When the entry is
// missing it is created with preferredID, or a new id if that is empty.
func (ix *Index) Ensure(ctx context.Context, externalID, preferredID string) (Entry, bool, error) {
	return ix.resolve(ctx, externalID, preferredID, false)
}

func (ix *Index) resolve(ctx context.Context, externalID, preferredID string, writer bool) (Entry, bool, error) {
	if externalID == "" {
		return Entry{}, false, fmt.Errorf("resolve session: %w: empty external id", domain.ErrInvalidInput)
	}
	var (
		entry   Entry
		created bool
	)
	err := ix.update(ctx, func(f *File, now time.Time) {
		e, ok := f.Sessions[externalID]
		if !ok {
			id := preferredID
			if id == "" {
				id = ix.NewID()
			}
			e = Entry{SessionID: id, CreatedAt: now}
			created = true
		}
		e.LastSeen = now
		if writer {
			e.Writers++
		}
		f.Sessions[externalID] = e
		entry = e
	})
	if err != nil {
		return Entry{}, false, err
	}
	return entry, created, nil
}

// Lookup reads an entry without locking.
func (ix *Index) Lookup(externalID string) (Entry, bool, error) {
	f, err := ix.Read()
	if err != nil {
		return Entry{}, false, err
	}
	e, ok := f.Sessions[externalID]
	return e, ok, nil
}

// Read returns the current document. A missing file is an empty index.
func (ix *Index) Read() (*File, error) {
	data, err := os.ReadFile(ix.path)
	if errors.Is(err, os.ErrNotExist) {
		return &File{Version: fileVersion, Sessions: map[string]Entry{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session index: %w", err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse session index: %w", err)
	}
	if f.Sessions == nil {
		f.Sessions = map[string]Entry{}
	}
	return &f, nil
}

// Age reports how long ago the index was last written. It is zero for a
// missing index.
func (ix *Index) Age() (time.Duration, error) {
	f, err := ix.Read()
	if err != nil {
		return 0, err
	}
	if f.UpdatedAt.IsZero() {
		return 0, nil
	}
	return ix.Now().Sub(f.UpdatedAt), nil
}

// Keys returns the external ids in sorted order.
func (f *File) Keys() []string {
	keys := make([]string, 0, len(f.Sessions))
	for k := range f.Sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (ix *Index) update(ctx context.Context, mutate func(*File, time.Time)) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(ix.path), 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	lock, err := ix.acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		unlockFile(lock)
		lock.Close()
	}()

	f, err := ix.Read()
	if err != nil {
		return err
	}
	now := ix.Now().UTC()
	mutate(f, now)
	f.Version = fileVersion
	f.UpdatedAt = now
	return ix.write(f)
}

func (ix *Index) acquire(ctx context.Context) (*os.File, error) {
	lock, err := os.OpenFile(ix.path+".lock", os.O_CREATE|os.O_RDWR, lockFileMode)
	if err != nil {
		return nil, fmt.Errorf("open index lock: %w", err)
	}
	wait := ix.Wait
	if wait <= 0 {
		wait = defaultWait
	}
	deadline := time.Now().Add(wait)
	for {
		err := lockFile(lock)
		if err == nil {
			return lock, nil
		}
		if !isBusy(err) {
			lock.Close()
			return nil, fmt.Errorf("lock session index: %w", err)
		}
		if time.Now().After(deadline) {
			lock.Close()
			return nil, &domain.CorrelationError{Kind: domain.CorrelationIndexRace, Err: errors.New("timed out waiting for session index lock")}
		}
		select {
		case <-ctx.Done():
			lock.Close()
			return nil, &domain.CorrelationError{Kind: domain.CorrelationIndexRace, Err: ctx.Err()}
		case <-time.After(lockPoll):
		}
	}
}

func (ix *Index) write(f *File) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session index: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(ix.path), filepath.Base(ix.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create index temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write index temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("sync index temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close index temp file: %w", err)
	}
	if err := os.Rename(name, ix.path); err != nil {
		os.Remove(name)
		return fmt.Errorf("replace session index: %w", err)
	}
	return nil
}
