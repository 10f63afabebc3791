package session

import (
	"crypto/hmac"
	"crypto/sha1" // #nosec G505 -- HMAC-SHA1 remains sound for token derivation
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// CSRF token wire format: <hex-hmac> "o" <unix-expiry>. The HMAC is
// computed over the stable session token prefix concatenated with the
// expiry text, so tokens survive soft rotations but not hard ones.
const (
	csrfSeparator = "o"

	// DefaultCSRFLimit is used when no explicit time limit is given.
	DefaultCSRFLimit = 360 * 24 * time.Hour
)

// CSRF derives and validates double-submit tokens from session state.
type CSRF struct {
	secret []byte

	// now is injectable for expiry tests.
	now func() time.Time
}

// NewCSRF creates a token generator keyed by the deployment secret.
func NewCSRF(secret string) *CSRF {
	return &CSRF{secret: []byte(secret), now: time.Now}
}

// Token generates a token bound to the session's stable prefix,
// expiring after timeLimit. A zero timeLimit applies DefaultCSRFLimit.
func (c *CSRF) Token(s *Session, timeLimit time.Duration) string {
	if timeLimit <= 0 {
		timeLimit = DefaultCSRFLimit
	}
	expiry := strconv.FormatInt(c.now().Add(timeLimit).Unix(), 10)
	return c.sign(s.TokenPrefix(), expiry) + csrfSeparator + expiry
}

// Validate checks a presented token against the session. A token
// without an expiry suffix carries no time limit; the HMAC alone
// decides. Token always embeds one, so that form only appears in
// externally minted tokens.
func (c *CSRF) Validate(s *Session, token string) bool {
	mac, expiry := token, ""
	if i := strings.LastIndex(token, csrfSeparator); i >= 0 {
		mac, expiry = token[:i], token[i+1:]
	}
	if expiry != "" {
		ts, err := strconv.ParseInt(expiry, 10, 64)
		if err != nil || ts <= 0 {
			return false
		}
		if c.now().Unix() > ts {
			return false
		}
	}

	expected := c.sign(s.TokenPrefix(), expiry)
	return hmac.Equal([]byte(mac), []byte(expected))
}

// DeviceFingerprint derives a stable per-session device identifier.
func (c *CSRF) DeviceFingerprint(s *Session) string {
	return c.sign(s.TokenPrefix(), "device")[:16]
}

func (c *CSRF) sign(prefix, payload string) string {
	h := hmac.New(sha1.New, c.secret)
	h.Write([]byte(prefix + payload))
	return hex.EncodeToString(h.Sum(nil))
}
