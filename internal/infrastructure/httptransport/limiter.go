package httptransport

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// peerLimiter applies a token bucket per sender and evicts idle entries.
type peerLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu     sync.Mutex
	bySend map[string]*limiterEntry
	hits   uint64
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newPeerLimiter returns nil, which allows everything, when rps or burst is
// not positive.
func newPeerLimiter(rps float64, burst int) *peerLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &peerLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: 10 * time.Minute,
		bySend:  make(map[string]*limiterEntry),
	}
}

func (l *peerLimiter) Allow(key string, now time.Time) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.bySend[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.bySend[key] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.bySend {
			if v.lastSeen.Before(cutoff) {
				delete(l.bySend, k)
			}
		}
	}
	return allowed
}
