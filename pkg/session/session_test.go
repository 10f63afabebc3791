package session

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_DirtyTracking(t *testing.T) {
	s := New(GenerateToken())
	s.dirty = false

	s.Set("k", "v")
	assert.True(t, s.Dirty())

	s.MarkClean()
	s.Delete("absent")
	assert.False(t, s.Dirty())

	s.Delete("k")
	assert.True(t, s.Dirty())
}

func TestSession_Identity(t *testing.T) {
	s := New(GenerateToken())

	_, ok := s.UserID()
	assert.False(t, ok)

	s.SetUserID(42)
	uid, ok := s.UserID()
	require.True(t, ok)
	assert.Equal(t, int64(42), uid)

	pending, soft := s.RotationPending()
	assert.True(t, pending)
	assert.True(t, soft)
}

func TestSession_ClearIdentity(t *testing.T) {
	s := New(GenerateToken())
	s.SetUserID(42)
	s.SetDatabase("production")
	created := s.CreateTime()

	s.ClearIdentity()

	_, ok := s.UserID()
	assert.False(t, ok)
	assert.Empty(t, s.Database())
	assert.Equal(t, created, s.CreateTime())

	pending, soft := s.RotationPending()
	assert.True(t, pending)
	assert.False(t, soft)
}

func TestSession_JSONRoundTrip(t *testing.T) {
	s := New(GenerateToken())
	s.SetUserID(7)
	s.SetDatabase("main")
	s.SetContext(map[string]any{"lang": "de_DE"})
	s.TouchDevice("fp1234")

	raw, err := json.Marshal(s)
	require.NoError(t, err)

	got := &Session{token: s.Token()}
	require.NoError(t, json.Unmarshal(raw, got))

	uid, ok := got.UserID()
	require.True(t, ok)
	assert.Equal(t, int64(7), uid)
	assert.Equal(t, "main", got.Database())
	assert.Equal(t, "de_DE", got.EvalContext()["lang"])
	assert.Contains(t, got.Devices(), "fp1234")
	assert.False(t, got.Dirty())
	assert.False(t, got.IsNew())
}

func TestSession_PersistenceFlag(t *testing.T) {
	s := New(GenerateToken())
	assert.True(t, s.ShouldPersist())
	s.DisablePersistence()
	assert.False(t, s.ShouldPersist())
}
