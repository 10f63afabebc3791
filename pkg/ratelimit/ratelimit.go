// Package ratelimit applies a per-peer token bucket on the accept path.
package ratelimit

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultIdleTTL = 10 * time.Minute

// PeerLimiter applies a token bucket per peer address and periodically
// evicts idle entries. A nil *PeerLimiter allows everything, so callers
// can hold one unconditionally.
type PeerLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	byPeer  map[string]*entry
	hits    uint64
	idleTTL time.Duration
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a peer limiter; returns nil (allow-all) if args are invalid.
func New(perSec float64, burst int) *PeerLimiter {
	if perSec <= 0 || burst <= 0 {
		return nil
	}
	return &PeerLimiter{
		limit:   rate.Limit(perSec),
		burst:   burst,
		byPeer:  make(map[string]*entry),
		idleTTL: defaultIdleTTL,
	}
}

// Allow reports whether one request can be admitted for the peer now.
func (l *PeerLimiter) Allow(peer string, now time.Time) bool {
	if l == nil {
		return true
	}
	peer = strings.TrimSpace(peer)
	if peer == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byPeer[peer]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byPeer[peer] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byPeer {
			if v.lastSeen.Before(cutoff) {
				delete(l.byPeer, k)
			}
		}
	}

	return allowed
}
