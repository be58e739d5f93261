package http

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ActorLimiter applies a token bucket per actor and periodically evicts idle
// entries. A nil limiter allows everything.
type ActorLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu    sync.Mutex
	byKey map[string]*limiterEntry
	hits  uint64
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewActorLimiter creates a limiter allowing rps requests per second with the
// given burst per actor. It returns nil when rps or burst is not positive.
func NewActorLimiter(rps float64, burst int) *ActorLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &ActorLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: 10 * time.Minute,
		byKey:   make(map[string]*limiterEntry),
	}
}

// Allow reports whether actor may make one more request at now.
func (l *ActorLimiter) Allow(actor string, now time.Time) bool {
	if l == nil {
		return true
	}
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byKey[actor]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byKey[actor] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byKey {
			if v.lastSeen.Before(cutoff) {
				delete(l.byKey, k)
			}
		}
	}
	return allowed
}
