// Package ratelimit throttles callers by key with a token bucket each.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Keyed hands out one limiter per key and forgets keys idle for longer than
// the idle window.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
	limit   rate.Limit
	burst   int
	idle    time.Duration
	now     func() time.Time

	done     chan struct{}
	stopOnce sync.Once
}

func New(rps float64, burst int, idle time.Duration) *Keyed {
	if burst < 1 {
		burst = 1
	}
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	k := &Keyed{
		entries: make(map[string]*entry),
		limit:   rate.Limit(rps),
		burst:   burst,
		idle:    idle,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go k.sweepLoop()
	return k
}

// Allow reports whether key may proceed now. It never blocks.
func (k *Keyed) Allow(key string) bool {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.entries[key] = e
	}
	e.lastSeen = k.now()
	k.mu.Unlock()
	return e.limiter.Allow()
}

func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

func (k *Keyed) Stop() {
	k.stopOnce.Do(func() { close(k.done) })
}

func (k *Keyed) sweepLoop() {
	ticker := time.NewTicker(k.idle)
	defer ticker.Stop()
	for {
		select {
		case <-k.done:
			return
		case <-ticker.C:
			k.sweep()
		}
	}
}

func (k *Keyed) sweep() {
	cutoff := k.now().Add(-k.idle)
	k.mu.Lock()
	defer k.mu.Unlock()
	for key, e := range k.entries {
		if e.lastSeen.Before(cutoff) {
			delete(k.entries, key)
		}
	}
}
