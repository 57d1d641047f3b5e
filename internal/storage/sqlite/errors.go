package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/felixgeelhaar/agentlens/internal/domain"
)

// persistErr wraps err as a PersistenceError. Busy, locked and I/O
// failures are transient. Constraint violations wrap ErrConflict.
func persistErr(op, entity string, err error) error {
	if err == nil {
		return nil
	}
	var pe *domain.PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	if isConstraint(err) {
		err = fmt.Errorf("%w: %v", domain.ErrConflict, err)
		return &domain.PersistenceError{Op: op, Entity: entity, Err: err}
	}
	return &domain.PersistenceError{Op: op, Entity: entity, Transient: transient(err), Err: err}
}

func transient(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr, sqlite3.ErrFull:
		return true
	}
	return false
}

// isConstraint reports a uniqueness, check or trigger violation.
func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

func notFound(entity, id string) error {
	return fmt.Errorf("%s %s: %w", entity, id, domain.ErrNotFound)
}

func noRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
