package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipThrottle is a transport-level guard against abusive clients, separate
// from the per-principal creation budget the engine enforces.
type ipThrottle struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPThrottle(rps int, burst int) *ipThrottle {
	t := &ipThrottle{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go t.cleanup()
	return t
}

func (t *ipThrottle) limiterFor(ip string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.visitors[ip]
	if !ok {
		l := rate.NewLimiter(t.rps, t.burst)
		t.visitors[ip] = &visitor{limiter: l, lastSeen: time.Now()}
		return l
	}
	v.lastSeen = time.Now()
	return v.limiter
}

func (t *ipThrottle) cleanup() {
	for {
		time.Sleep(time.Minute)
		t.mu.Lock()
		for ip, v := range t.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(t.visitors, ip)
			}
		}
		t.mu.Unlock()
	}
}

func (t *ipThrottle) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !t.limiterFor(ip).Allow() {
			respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate_limited", "too many requests", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}
