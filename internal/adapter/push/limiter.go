package push

import "sync"

// streamLimiter caps concurrent connections globally and per owner.
// A zero cap disables that bound.
type streamLimiter struct {
	maxGlobal   int
	maxPerOwner int

	mu      sync.Mutex
	global  int
	byOwner map[string]int
}

func newStreamLimiter(maxGlobal, maxPerOwner int) *streamLimiter {
	return &streamLimiter{
		maxGlobal:   maxGlobal,
		maxPerOwner: maxPerOwner,
		byOwner:     make(map[string]int),
	}
}

func (l *streamLimiter) acquire(ownerID string) (func(), bool) {
	if l == nil {
		return func() {}, true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.maxGlobal > 0 && l.global >= l.maxGlobal {
		return nil, false
	}
	if l.maxPerOwner > 0 && l.byOwner[ownerID] >= l.maxPerOwner {
		return nil, false
	}
	l.global++
	l.byOwner[ownerID]++

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.global > 0 {
				l.global--
			}
			next := l.byOwner[ownerID] - 1
			if next <= 0 {
				delete(l.byOwner, ownerID)
				return
			}
			l.byOwner[ownerID] = next
		})
	}, true
}

func (l *streamLimiter) snapshot() (global int, perOwner map[string]int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	perOwner = make(map[string]int, len(l.byOwner))
	for k, v := range l.byOwner {
		perOwner[k] = v
	}
	return l.global, perOwner
}
