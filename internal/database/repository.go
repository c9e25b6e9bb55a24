package database

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Sentinel errors returned by conditional repository operations. Callers use
// errors.Is to distinguish a lost race or a full pool from transient
// infrastructure failures.
var (
	// ErrNotFound means the referenced entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrStateConflict means a conditional write found the entity in a
	// different state than expected (e.g. resuming a pool that is not
	// paused, or a transition that lost a race).
	ErrStateConflict = errors.New("state conflict")

	// ErrHardCapExceeded means a capacity-guarded increment would push the
	// pool's current amount past its hard cap.
	ErrHardCapExceeded = errors.New("pool hard cap exceeded")
)

// Repository provides data access methods for all entities. It is the single
// implementation behind the narrow store interfaces each engine package
// declares for itself.
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// casScanError maps the zero-row outcome of a conditional UPDATE ... RETURNING
// to ErrStateConflict, the same sentinel the RowsAffected-style writes report.
// Other errors are wrapped with the given context.
func casScanError(err error, wrap string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrStateConflict
	}
	return fmt.Errorf("%s: %w", wrap, err)
}
