package session

import (
	"crypto/rand"
	"encoding/base64"
	"regexp"
)

// Token geometry. 64 random bytes encode to 86 URL-safe characters,
// giving a little over 512 bits of entropy. The first TokenPrefixLen
// characters are stable across soft rotations.
const (
	tokenBytes     = 64
	TokenLen       = 86
	TokenPrefixLen = 42

	remainderBytes = 33 // encodes to exactly TokenLen-TokenPrefixLen chars
)

// Tokens are validated before ever being used as a filesystem path
// component. identifierPattern additionally accepts bare prefixes so
// bulk administrative operations can be fed device identifiers.
var (
	tokenPattern      = regexp.MustCompile(`^[A-Za-z0-9_-]{86}$`)
	identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{42,86}$`)
)

// GenerateToken produces a fresh session token.
func GenerateToken() string {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms.
		panic("session: entropy source unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf)[:TokenLen]
}

// SuccessorToken mints a token sharing the stable prefix of old, used
// by stores implementing soft rotation.
func SuccessorToken(old string) string {
	return successorToken(old)
}

// successorToken mints a token sharing the stable prefix of old.
func successorToken(old string) string {
	buf := make([]byte, remainderBytes)
	if _, err := rand.Read(buf); err != nil {
		panic("session: entropy source unavailable: " + err.Error())
	}
	return old[:TokenPrefixLen] + base64.RawURLEncoding.EncodeToString(buf)
}

// ValidToken reports whether tok is a well-formed full session token.
func ValidToken(tok string) bool {
	return tokenPattern.MatchString(tok)
}

// ValidIdentifier reports whether id is a well-formed token or token
// prefix, safe to match against store filenames.
func ValidIdentifier(id string) bool {
	return identifierPattern.MatchString(id)
}
