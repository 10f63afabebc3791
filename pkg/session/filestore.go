package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// FileStore persists one JSON record per session under
// <root>/<token[:2]>/<token>, sharding on the first two token characters
// for filesystem scalability. All writes go through a temp file in the
// root followed by an atomic rename, so a reader never observes a
// half-written record. No cross-process lock is taken.
type FileStore struct {
	root   string
	grace  time.Duration
	logger *slog.Logger

	// now is injectable for rotation-sweep tests.
	now func() time.Time
}

// NewFileStore creates a file-backed store rooted at dir. grace is the
// window during which a soft-rotated record remains readable.
func NewFileStore(dir string, grace time.Duration, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating session root: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{root: dir, grace: grace, logger: logger, now: time.Now}, nil
}

// Root returns the store root directory.
func (st *FileStore) Root() string { return st.root }

func (st *FileStore) path(token string) string {
	return filepath.Join(st.root, token[:2], token)
}

// Get implements Store. It never fails for a malformed token or a
// missing record; both yield a fresh session.
func (st *FileStore) Get(ctx context.Context, token string, keepToken bool) (*Session, error) {
	if !ValidToken(token) {
		return New(GenerateToken()), nil
	}

	s, err := st.read(token)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			st.logger.Warn("discarding unreadable session record",
				"token_prefix", token[:TokenPrefixLen], "error", err)
		}
		if keepToken {
			return New(token), nil
		}
		return New(GenerateToken()), nil
	}

	// A record left behind by a completed soft rotation points at its
	// successor. Follow the pointer and sweep the old record once the
	// grace window has elapsed.
	if next, ok := s.nextToken(); ok {
		if dt, ok := s.deletionTime(); ok && st.now().After(dt) {
			_ = os.Remove(st.path(token))
		}
		return st.Get(ctx, next, true)
	}
	return s, nil
}

func (st *FileStore) read(token string) (*Session, error) {
	raw, err := os.ReadFile(st.path(token))
	if err != nil {
		return nil, err
	}
	s := &Session{token: token}
	if err := s.UnmarshalJSON(raw); err != nil {
		return nil, err
	}
	return s, nil
}

// Save implements Store using write-to-temp-then-rename.
func (st *FileStore) Save(_ context.Context, s *Session) error {
	if !ValidToken(s.token) {
		return fmt.Errorf("refusing to save session with malformed token")
	}
	raw, err := s.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encoding session record: %w", err)
	}
	if err := st.writeRecord(s.token, raw); err != nil {
		return err
	}
	s.MarkClean()
	return nil
}

func (st *FileStore) writeRecord(token string, raw []byte) error {
	tmp, err := os.CreateTemp(st.root, "tmp-*")
	if err != nil {
		return fmt.Errorf("creating session temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing session record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing session temp file: %w", err)
	}

	dest := st.path(token)
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("creating session shard: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publishing session record: %w", err)
	}
	return nil
}

// Rotate implements Store.
//
// Soft rotation keeps the stable token prefix and is race-safe: if a
// concurrent request already rotated the same old token, the successor
// pointer it left behind is adopted instead of minting a third token.
func (st *FileStore) Rotate(ctx context.Context, s *Session, soft bool) error {
	old := s.token
	defer s.clearRotation()

	if !soft {
		if ValidToken(old) {
			_ = os.Remove(st.path(old))
		}
		s.token = GenerateToken()
		s.dirty = true
		return st.Save(ctx, s)
	}

	if onDisk, err := st.read(old); err == nil {
		if next, ok := onDisk.nextToken(); ok {
			s.token = next
			s.dirty = true
			return st.Save(ctx, s)
		}
	}

	s.token = successorToken(old)
	s.dirty = true
	if err := st.Save(ctx, s); err != nil {
		s.token = old
		return err
	}

	pointer, err := json.Marshal(map[string]any{
		keyNextToken:    s.token,
		keyDeletionTime: st.now().Add(st.grace).Unix(),
	})
	if err != nil {
		return fmt.Errorf("encoding rotation pointer: %w", err)
	}
	return st.writeRecord(old, pointer)
}

// Delete implements Store.
func (st *FileStore) Delete(_ context.Context, s *Session) error {
	if !ValidToken(s.token) {
		return nil
	}
	if err := os.Remove(st.path(s.token)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting session record: %w", err)
	}
	return nil
}

// Vacuum implements Store. Records whose mtime predates the lifetime
// threshold are removed; individual file errors are ignored.
func (st *FileStore) Vacuum(_ context.Context, maxLifetime time.Duration) error {
	cutoff := st.now().Add(-maxLifetime)
	shards, err := os.ReadDir(st.root)
	if err != nil {
		return fmt.Errorf("reading session root: %w", err)
	}
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		shardDir := filepath.Join(st.root, shard.Name())
		entries, err := os.ReadDir(shardDir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !ValidToken(entry.Name()) {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				_ = os.Remove(filepath.Join(shardDir, entry.Name()))
			}
		}
	}
	return nil
}

// DeleteFromIdentifiers implements Store. Only filenames matching the
// strict token pattern are ever touched, so an externally supplied
// identifier list cannot reach outside the store.
func (st *FileStore) DeleteFromIdentifiers(_ context.Context, ids []string) error {
	for _, id := range ids {
		if !ValidIdentifier(id) {
			continue
		}
		matches, err := filepath.Glob(filepath.Join(st.root, id[:2], id+"*"))
		if err != nil {
			continue
		}
		for _, m := range matches {
			if !ValidToken(filepath.Base(m)) {
				continue
			}
			_ = os.Remove(m)
		}
	}
	return nil
}

// MissingIdentifiers implements Store.
func (st *FileStore) MissingIdentifiers(_ context.Context, ids []string) ([]string, error) {
	var missing []string
	for _, id := range ids {
		if !ValidIdentifier(id) {
			continue
		}
		matches, err := filepath.Glob(filepath.Join(st.root, id[:2], id+"*"))
		if err != nil || len(matches) == 0 {
			missing = append(missing, id)
		}
	}
	return missing, nil
}
