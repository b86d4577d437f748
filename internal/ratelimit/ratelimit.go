// Package ratelimit implements a per-principal sliding window over request
// creations. A token bucket smooths bursts but cannot answer "when does the
// oldest creation leave the window", which callers need for retry_after, so
// the window keeps actual timestamps.
package ratelimit

import (
	"sync"
	"time"
)

type Limiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	seen   map[string][]time.Time
}

func New(max int, window time.Duration) *Limiter {
	return &Limiter{
		max:    max,
		window: window,
		seen:   map[string][]time.Time{},
	}
}

// Allow records an attempt for principal at now and reports whether it is
// within budget. When denied, retryAfter is the whole number of seconds until
// the oldest in-window attempt expires, rounded up, and the attempt is not
// recorded.
func (l *Limiter) Allow(principal string, now time.Time) (ok bool, retryAfter int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	kept := l.seen[principal][:0]
	for _, t := range l.seen[principal] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(l.seen, principal)
	} else {
		l.seen[principal] = kept
	}

	if len(kept) >= l.max {
		oldest := kept[0]
		wait := oldest.Add(l.window).Sub(now)
		secs := int((wait + time.Second - 1) / time.Second)
		if secs < 1 {
			secs = 1
		}
		return false, secs
	}
	l.seen[principal] = append(kept, now)
	return true, 0
}

// Pending returns how many in-window attempts a principal has recorded.
func (l *Limiter) Pending(principal string, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-l.window)
	n := 0
	for _, t := range l.seen[principal] {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
