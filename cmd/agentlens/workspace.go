package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/felixgeelhaar/agentlens/internal/config"
	"github.com/felixgeelhaar/agentlens/internal/domain"
	"github.com/felixgeelhaar/agentlens/internal/ingest"
	"github.com/felixgeelhaar/agentlens/internal/query"
	"github.com/felixgeelhaar/agentlens/internal/sessionindex"
	"github.com/felixgeelhaar/agentlens/internal/storage/local"
	"github.com/felixgeelhaar/agentlens/internal/storage/sqlite"
)

// workspace is direct access to the local store, without the daemon
type workspace struct {
	cfg    *config.LocalConfig
	paths  config.Paths
	db     *sqlite.DB
	store  *sqlite.InteractionStore
	index  *sessionindex.Index
	ingest *ingest.Service
	query  *query.Service
}

func openWorkspace() (*workspace, error) {
	if _, err := config.EnsureDir(); err != nil {
		return nil, fmt.Errorf("ensure agentlens dir: %w", err)
	}
	cfg, err := config.LoadLocalConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	paths, err := config.ResolvePaths(cfg)
	if err != nil {
		return nil, fmt.Errorf("resolve paths: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(paths.Store), 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := sqlite.Open(paths.Store)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	spool, err := local.NewStore(paths.Spool)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open spool: %w", err)
	}

	store := sqlite.NewInteractionStore(db)
	index := sessionindex.New(paths.Index)
	return &workspace{
		cfg:    cfg,
		paths:  paths,
		db:     db,
		store:  store,
		index:  index,
		ingest: ingest.NewService(store, index, spool, nil, ingest.ConfigFrom(cfg)),
		query:  query.NewService(store),
	}, nil
}

func (ws *workspace) Close() error {
	return ws.db.Close()
}

// session resolves an internal session id, falling back to the external id
func (ws *workspace) session(ctx context.Context, ref string) (*domain.Session, error) {
	sess, err := ws.query.GetSession(ctx, ref)
	if err == nil || !errors.Is(err, domain.ErrNotFound) {
		return sess, err
	}
	sess, extErr := ws.store.GetSessionByExternalID(ctx, ref)
	if extErr != nil {
		return nil, err
	}
	return sess, nil
}

// withWorkspace opens the local store for the duration of fn
func withWorkspace(fn func(ws *workspace) error) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ws)
}
