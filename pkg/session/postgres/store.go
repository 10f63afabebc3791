// Package postgres provides PostgreSQL-backed session storage as an
// alternative to the default file store. Rotation races converge the
// same way: a successor pointer left on the old row, claimed by at most
// one writer.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/txn2/gatehouse/pkg/session"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store implements session.Store using PostgreSQL.
type Store struct {
	db     *sql.DB
	grace  time.Duration
	logger *slog.Logger

	now func() time.Time
}

// Config configures the PostgreSQL session store.
type Config struct {
	// RotationGrace is the window during which a soft-rotated row
	// remains readable.
	RotationGrace time.Duration
}

// New creates a PostgreSQL session store.
func New(db *sql.DB, cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, grace: cfg.RotationGrace, logger: logger, now: time.Now}
}

// Get implements session.Store. A malformed token or a missing row
// yields a fresh session; Get never fails for those cases.
func (s *Store) Get(ctx context.Context, token string, keepToken bool) (*session.Session, error) {
	if !session.ValidToken(token) {
		return session.New(session.GenerateToken()), nil
	}

	query, args, err := psq.
		Select("payload", "next_token", "deletion_time").
		From("sessions").
		Where(sq.Eq{"token": token}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building session query: %w", err)
	}

	var payload []byte
	var nextToken sql.NullString
	var deletionTime sql.NullTime
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&payload, &nextToken, &deletionTime)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if keepToken {
			return session.New(token), nil
		}
		return session.New(session.GenerateToken()), nil
	case err != nil:
		return nil, fmt.Errorf("loading session row: %w", err)
	}

	if nextToken.Valid && session.ValidToken(nextToken.String) {
		if deletionTime.Valid && s.now().After(deletionTime.Time) {
			s.sweep(ctx, token)
		}
		return s.Get(ctx, nextToken.String, true)
	}

	sess := session.NewFromRecord(token, payload)
	if sess == nil {
		s.logger.Warn("discarding undecodable session row", "token_prefix", token[:session.TokenPrefixLen])
		return session.New(session.GenerateToken()), nil
	}
	return sess, nil
}

// Save implements session.Store with an upsert; the row is published
// atomically by the database.
func (s *Store) Save(ctx context.Context, sess *session.Session) error {
	if !session.ValidToken(sess.Token()) {
		return fmt.Errorf("refusing to save session with malformed token")
	}
	payload, err := sess.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encoding session payload: %w", err)
	}

	query, args, err := psq.
		Insert("sessions").
		Columns("token", "payload", "updated_at").
		Values(sess.Token(), payload, s.now()).
		Suffix("ON CONFLICT (token) DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("building session upsert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("saving session row: %w", err)
	}
	sess.MarkClean()
	return nil
}

// Rotate implements session.Store. The soft path claims the successor
// pointer with a conditional update; the loser of a race adopts the
// winner's token.
func (s *Store) Rotate(ctx context.Context, sess *session.Session, soft bool) error {
	old := sess.Token()

	if !soft {
		if err := s.Delete(ctx, sess); err != nil {
			return err
		}
		sess.AdoptToken(session.GenerateToken())
		return s.Save(ctx, sess)
	}

	sess.AdoptToken(session.SuccessorToken(old))
	if err := s.Save(ctx, sess); err != nil {
		sess.AdoptToken(old)
		return err
	}

	query, args, err := psq.
		Update("sessions").
		Set("next_token", sess.Token()).
		Set("deletion_time", s.now().Add(s.grace)).
		Where(sq.Eq{"token": old}).
		Where("next_token IS NULL").
		ToSql()
	if err != nil {
		return fmt.Errorf("building rotation pointer update: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("writing rotation pointer: %w", err)
	}

	// Zero rows claimed means a concurrent request rotated first;
	// discard our freshly minted row and adopt the winner's token.
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		loser := sess.Token()
		winner, err := s.successorOf(ctx, old)
		if err == nil && winner != "" {
			_, _ = s.db.ExecContext(ctx, "DELETE FROM sessions WHERE token = $1", loser)
			sess.AdoptToken(winner)
		}
	}
	return nil
}

func (s *Store) successorOf(ctx context.Context, token string) (string, error) {
	var next sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT next_token FROM sessions WHERE token = $1", token).Scan(&next)
	if err != nil {
		return "", err
	}
	if next.Valid && session.ValidToken(next.String) {
		return next.String, nil
	}
	return "", nil
}

// Delete implements session.Store.
func (s *Store) Delete(ctx context.Context, sess *session.Session) error {
	if !session.ValidToken(sess.Token()) {
		return nil
	}
	query, args, err := psq.Delete("sessions").Where(sq.Eq{"token": sess.Token()}).ToSql()
	if err != nil {
		return fmt.Errorf("building session delete: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("deleting session row: %w", err)
	}
	return nil
}

// Vacuum implements session.Store.
func (s *Store) Vacuum(ctx context.Context, maxLifetime time.Duration) error {
	query, args, err := psq.
		Delete("sessions").
		Where(sq.Lt{"updated_at": s.now().Add(-maxLifetime)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building vacuum delete: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("vacuuming sessions: %w", err)
	}
	return nil
}

// DeleteFromIdentifiers implements session.Store. Identifiers are
// validated before being turned into LIKE patterns, so externally
// supplied lists cannot match arbitrary rows.
func (s *Store) DeleteFromIdentifiers(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if !session.ValidIdentifier(id) {
			continue
		}
		query, args, err := psq.
			Delete("sessions").
			Where(sq.Like{"token": id + "%"}).
			ToSql()
		if err != nil {
			return fmt.Errorf("building identifier delete: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("deleting sessions by identifier: %w", err)
		}
	}
	return nil
}

// MissingIdentifiers implements session.Store.
func (s *Store) MissingIdentifiers(ctx context.Context, ids []string) ([]string, error) {
	var missing []string
	for _, id := range ids {
		if !session.ValidIdentifier(id) {
			continue
		}
		var exists bool
		err := s.db.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM sessions WHERE token LIKE $1)", id+"%").Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("checking session identifier: %w", err)
		}
		if !exists {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (s *Store) sweep(ctx context.Context, token string) {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE token = $1", token); err != nil {
		s.logger.Warn("sweeping rotated session row", "error", err)
	}
}
