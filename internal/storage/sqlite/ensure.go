package sqlite

import (
	"github.com/felixgeelhaar/agentlens/internal/ingest"
	"github.com/felixgeelhaar/agentlens/internal/query"
)

// Ensure the SQLite store implements the ingest and query interfaces.
var (
	_ ingest.Store = (*InteractionStore)(nil)
	_ query.Store  = (*InteractionStore)(nil)
)
