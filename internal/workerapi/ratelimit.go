package workerapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// perIPLimiter throttles requests to the job-submission endpoint by remote
// IP, guarding against a misbehaving or retry-storming controller. Adapted
// from core/pkg/api's GlobalRateLimiter; the eviction sweep and
// best-effort IP extraction are kept, the response shape is swapped for
// this module's {ok,error} wire contract.
type perIPLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitorEntry
	rps      rate.Limit
	burst    int
}

type visitorEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newPerIPLimiter starts a limiter allowing rps requests/sec with the given
// burst, and launches its background stale-entry sweep.
func newPerIPLimiter(rps int, burst int) *perIPLimiter {
	l := &perIPLimiter{
		visitors: make(map[string]*visitorEntry),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go l.sweep()
	return l
}

func (l *perIPLimiter) sweep() {
	for {
		time.Sleep(time.Minute)
		l.mu.Lock()
		for ip, v := range l.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(l.visitors, ip)
			}
		}
		l.mu.Unlock()
	}
}

func (l *perIPLimiter) allow(ip string) bool {
	l.mu.Lock()
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitorEntry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	limiter := v.limiter
	l.mu.Unlock()
	return limiter.Allow()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return host
}

// middleware wraps next, rejecting requests over the per-IP limit with a
// 429 in this module's wire contract shape.
func (l *perIPLimiter) middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientIP(r)) {
			w.Header().Set("Retry-After", "5")
			writeFail(w, "RATE_LIMITED", "too many job submissions from this client")
			return
		}
		next(w, r)
	}
}
