package session

import (
	"context"
	"time"
)

// Store defines durable session persistence. Implementations must be
// tolerant of concurrent access from multiple workers: last-writer-wins
// at the record level, with rotation races converging by construction
// rather than by locking.
type Store interface {
	// Get retrieves the session for token. A malformed token or a
	// missing record yields a brand-new session (with a fresh token
	// unless keepToken is set); Get never fails for those cases.
	Get(ctx context.Context, token string, keepToken bool) (*Session, error)

	// Save durably persists the session. A reader must never observe
	// a partially written record.
	Save(ctx context.Context, s *Session) error

	// Rotate assigns the session a new token. A hard rotation deletes
	// the old record and mints an entirely new token; a soft rotation
	// keeps the stable prefix and leaves a successor pointer on the
	// old record so concurrent holders of the old token converge.
	Rotate(ctx context.Context, s *Session, soft bool) error

	// Delete removes the session record.
	Delete(ctx context.Context, s *Session) error

	// Vacuum removes records idle longer than maxLifetime. Best
	// effort: individual record errors are ignored.
	Vacuum(ctx context.Context, maxLifetime time.Duration) error

	// DeleteFromIdentifiers removes all records whose token starts
	// with one of the given identifiers. Identifiers failing the
	// strict pattern are ignored.
	DeleteFromIdentifiers(ctx context.Context, ids []string) error

	// MissingIdentifiers returns the subset of ids with no stored
	// record, filtering out malformed entries.
	MissingIdentifiers(ctx context.Context, ids []string) ([]string, error)
}
