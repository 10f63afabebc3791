package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateToken(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		tok := GenerateToken()
		assert.Len(t, tok, TokenLen)
		assert.True(t, ValidToken(tok))
		assert.False(t, seen[tok], "duplicate token")
		seen[tok] = true
	}
}

func TestSuccessorToken(t *testing.T) {
	old := GenerateToken()
	next := successorToken(old)

	assert.True(t, ValidToken(next))
	assert.Equal(t, old[:TokenPrefixLen], next[:TokenPrefixLen])
	assert.NotEqual(t, old, next)
}

func TestValidToken(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{"generated", GenerateToken(), true},
		{"empty", "", false},
		{"too short", GenerateToken()[:40], false},
		{"too long", GenerateToken() + "A", false},
		{"path traversal", "../" + GenerateToken()[3:], false},
		{"slash", "aa/" + GenerateToken()[3:], false},
		{"plus sign", "+" + GenerateToken()[1:], false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidToken(tt.token))
		})
	}
}

func TestValidIdentifier(t *testing.T) {
	tok := GenerateToken()

	assert.True(t, ValidIdentifier(tok))
	assert.True(t, ValidIdentifier(tok[:TokenPrefixLen]))
	assert.False(t, ValidIdentifier(tok[:10]))
	assert.False(t, ValidIdentifier("*"))
	assert.False(t, ValidIdentifier(tok+"AA"))
}
