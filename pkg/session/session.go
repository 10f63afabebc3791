// Package session provides durable per-client session state for the
// gatehouse front door. Sessions are JSON bags keyed by a high-entropy
// URL-safe token and persisted through a Store; the first TokenPrefixLen
// characters of the token are stable across soft rotations and are the
// only material used for CSRF and device derivation.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"
)

// ErrSessionExpired signals that an authenticated identity is required
// and the bound session does not carry one. Dispatchers translate it
// into a login redirect or a structured error.
var ErrSessionExpired = errors.New("session expired")

// Reserved keys inside the session bag.
const (
	keyUserID       = "uid"
	keyDatabase     = "db"
	keyContext      = "context"
	keyCreateTime   = "create_time"
	keyNextToken    = "next_sid"
	keyDeletionTime = "deletion_time"
	keyDevices      = "devices"
)

// Session is a bag of JSON-serializable values identified by a token.
// It tracks whether it has been mutated since load so the dispatcher can
// skip persistence for read-only requests.
type Session struct {
	token string
	data  map[string]any

	dirty      bool
	isNew      bool
	rotate     bool
	rotateSoft bool

	// persist can be cleared by a route to suppress saving entirely
	// (e.g. stateless RPC routes).
	persist bool
}

// New creates an empty session with the given token.
func New(token string) *Session {
	s := &Session{
		token:   token,
		data:    make(map[string]any),
		isNew:   true,
		persist: true,
	}
	s.data[keyCreateTime] = time.Now().Unix()
	return s
}

// NewFromRecord rebuilds a session from a stored JSON payload. Returns
// nil if the payload cannot be decoded.
func NewFromRecord(token string, payload []byte) *Session {
	s := &Session{token: token}
	if err := s.UnmarshalJSON(payload); err != nil {
		return nil
	}
	return s
}

// Token returns the full session token.
func (s *Session) Token() string { return s.token }

// AdoptToken rebinds the session to a different token, marking it dirty
// so the record is written under the new name. Used by stores during
// rotation.
func (s *Session) AdoptToken(token string) {
	s.token = token
	s.dirty = true
	s.clearRotation()
}

// TokenPrefix returns the stable prefix used for CSRF and device
// derivation. It survives soft rotations.
func (s *Session) TokenPrefix() string { return s.token[:TokenPrefixLen] }

// IsNew reports whether the session was created during this request
// rather than loaded from the store.
func (s *Session) IsNew() bool { return s.isNew }

// Dirty reports whether the session has unpersisted mutations.
func (s *Session) Dirty() bool { return s.dirty }

// MarkClean clears the dirty flag after a successful save.
func (s *Session) MarkClean() { s.dirty = false }

// ShouldPersist reports whether the session may be written at all.
func (s *Session) ShouldPersist() bool { return s.persist }

// DisablePersistence suppresses saving for the rest of the request.
func (s *Session) DisablePersistence() { s.persist = false }

// RotationPending reports whether a rotation was requested, and whether
// it is soft.
func (s *Session) RotationPending() (pending, soft bool) {
	return s.rotate, s.rotateSoft
}

// RequestRotation marks the session for rotation at the end of the
// request. Soft rotations keep the token prefix.
func (s *Session) RequestRotation(soft bool) {
	s.rotate = true
	s.rotateSoft = soft
}

func (s *Session) clearRotation() {
	s.rotate = false
	s.rotateSoft = false
}

// Get returns the value stored under key.
func (s *Session) Get(key string) (any, bool) {
	v, ok := s.data[key]
	return v, ok
}

// Set stores a value and marks the session dirty.
func (s *Session) Set(key string, value any) {
	s.data[key] = value
	s.dirty = true
}

// Delete removes a key, marking the session dirty if it was present.
func (s *Session) Delete(key string) {
	if _, ok := s.data[key]; ok {
		delete(s.data, key)
		s.dirty = true
	}
}

// UserID returns the authenticated principal id, if any.
func (s *Session) UserID() (int64, bool) {
	return intValue(s.data[keyUserID])
}

// SetUserID records the authenticated principal. Changing the identity
// always requests a rotation: soft when logging in, hard when the
// identity is cleared (logout).
func (s *Session) SetUserID(uid int64) {
	s.Set(keyUserID, uid)
	s.RequestRotation(true)
}

// ClearIdentity removes the authenticated principal and empties the bag
// except for the creation timestamp. Used at logout; callers should
// follow with a hard rotation.
func (s *Session) ClearIdentity() {
	created := s.data[keyCreateTime]
	s.data = map[string]any{keyCreateTime: created}
	s.dirty = true
	s.RequestRotation(false)
}

// Database returns the selected data partition name.
func (s *Session) Database() string {
	v, _ := s.data[keyDatabase].(string)
	return v
}

// SetDatabase selects the active data partition.
func (s *Session) SetDatabase(name string) { s.Set(keyDatabase, name) }

// EvalContext returns the locale/context dict, creating it on demand.
// Mutating the returned map does not mark the session dirty; use
// SetContext for persistent changes.
func (s *Session) EvalContext() map[string]any {
	if m, ok := s.data[keyContext].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// SetContext replaces the locale/context dict.
func (s *Session) SetContext(ctx map[string]any) { s.Set(keyContext, ctx) }

// CreateTime returns the session creation timestamp.
func (s *Session) CreateTime() time.Time {
	if n, ok := intValue(s.data[keyCreateTime]); ok {
		return time.Unix(n, 0)
	}
	return time.Time{}
}

// TouchDevice records activity for a device fingerprint.
func (s *Session) TouchDevice(fingerprint string) {
	devices, _ := s.data[keyDevices].(map[string]any)
	if devices == nil {
		devices = make(map[string]any)
	}
	devices[fingerprint] = time.Now().Unix()
	s.Set(keyDevices, devices)
}

// Devices returns last-seen timestamps per device fingerprint.
func (s *Session) Devices() map[string]time.Time {
	out := make(map[string]time.Time)
	devices, _ := s.data[keyDevices].(map[string]any)
	for fp, v := range devices {
		if n, ok := intValue(v); ok {
			out[fp] = time.Unix(n, 0)
		}
	}
	return out
}

// Snapshot returns a copy of the raw bag, for tests and admin surfaces.
func (s *Session) Snapshot() map[string]any {
	return maps.Clone(s.data)
}

// MarshalJSON encodes the bag.
func (s *Session) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.data)
}

// UnmarshalJSON decodes the bag and clears the new/dirty flags.
func (s *Session) UnmarshalJSON(b []byte) error {
	data := make(map[string]any)
	if err := json.Unmarshal(b, &data); err != nil {
		return fmt.Errorf("decoding session record: %w", err)
	}
	s.data = data
	s.dirty = false
	s.isNew = false
	s.persist = true
	return nil
}

// nextToken returns the successor token recorded by a completed soft
// rotation, if any.
func (s *Session) nextToken() (string, bool) {
	tok, _ := s.data[keyNextToken].(string)
	if ValidToken(tok) {
		return tok, true
	}
	return "", false
}

// deletionTime returns the sweep deadline of a rotated-away record.
func (s *Session) deletionTime() (time.Time, bool) {
	if n, ok := intValue(s.data[keyDeletionTime]); ok {
		return time.Unix(n, 0), true
	}
	return time.Time{}, false
}

// intValue coerces JSON numbers (float64 after decode) and native ints.
func intValue(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
