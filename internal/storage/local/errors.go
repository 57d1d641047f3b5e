package local

import (
	"fmt"

	"github.com/felixgeelhaar/agentlens/internal/domain"
)

var (
	// ErrNotFound is returned when a record is not found
	ErrNotFound = fmt.Errorf("spool record %w", domain.ErrNotFound)
)
