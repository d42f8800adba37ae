package auth

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

type attempt struct {
	at      time.Time
	subject string
}

// Limiter is a per-client sliding-window attempt counter. Expired records
// are evicted lazily on every access; nothing is retained past the window.
type Limiter struct {
	mu       sync.Mutex
	max      int
	window   time.Duration
	attempts map[string][]attempt
	now      func() time.Time
}

// NewLimiter creates a limiter allowing max failures per window.
func NewLimiter(max int, window time.Duration) *Limiter {
	if max <= 0 {
		max = 5
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &Limiter{
		max:      max,
		window:   window,
		attempts: make(map[string][]attempt),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Check returns ErrRateLimited when the client key has reached the maximum
// number of failures inside the window.
func (l *Limiter) Check(clientKey string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.evictLocked(clientKey)) >= l.max {
		return ErrRateLimited
	}
	return nil
}

// RecordFailure appends a timestamped failure for the client key.
func (l *Limiter) RecordFailure(clientKey, subject string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts[clientKey] = append(l.evictLocked(clientKey), attempt{at: l.now(), subject: subject})
}

// Clear drops all recorded failures for the client key. Called on every
// successful authentication.
func (l *Limiter) Clear(clientKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, clientKey)
}

// RetryAfter returns how long until the oldest in-window failure expires.
// Zero when the client is not currently limited.
func (l *Limiter) RetryAfter(clientKey string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	live := l.evictLocked(clientKey)
	if len(live) < l.max {
		return 0
	}
	return live[0].at.Add(l.window).Sub(l.now())
}

// evictLocked drops attempts older than the window and returns the
// surviving slice. Caller holds l.mu.
func (l *Limiter) evictLocked(clientKey string) []attempt {
	cutoff := l.now().Add(-l.window)
	recorded := l.attempts[clientKey]
	live := recorded[:0]
	for _, a := range recorded {
		if a.at.After(cutoff) {
			live = append(live, a)
		}
	}
	if len(live) == 0 {
		delete(l.attempts, clientKey)
		return nil
	}
	l.attempts[clientKey] = live
	return live
}

// ClientKey derives the rate-limit identity of a request: the first entry
// of X-Forwarded-For when present, else the peer address, else "unknown".
func ClientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first := strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0]); first != "" {
			return first
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
