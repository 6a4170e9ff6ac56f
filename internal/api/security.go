package api

import (
	"crypto/subtle"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/VenkatGGG/idempotency-keys/internal/idempotency"
	"github.com/VenkatGGG/idempotency-keys/pkg/httpx"
)

// guard applies the API key check and the per-client limit to one marked route.
// It sits in front of the idempotency middleware, so a rejected caller never
// reserves a key and a replayed duplicate still counts against the limit.
func (s *Server) guard(route string, next http.Handler) http.Handler {
	if s.requiredAPIKey == "" && s.rateLimiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.requiredAPIKey != "" && !hasAPIKey(r, s.requiredAPIKey) {
			httpx.WriteError(w, http.StatusUnauthorized, "missing or invalid api key")
			return
		}
		if s.rateLimiter != nil {
			client := idempotency.ClientIP(r)
			if wait, ok := s.rateLimiter.Allow(limitKey{client: client, route: route}, time.Now()); !ok {
				s.logger.Warn("rate limit exceeded", "client_ip", client, "route", route)
				w.Header().Set("Retry-After", strconv.Itoa(max(1, int(math.Ceil(wait.Seconds())))))
				httpx.WriteError(w, http.StatusTooManyRequests, "request rate limit exceeded")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// hasAPIKey accepts the key from X-API-Key or an Authorization bearer token.
func hasAPIKey(r *http.Request, want string) bool {
	presented := strings.TrimSpace(r.Header.Get("X-API-Key"))
	if presented == "" {
		scheme, token, found := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
		if found && strings.EqualFold(scheme, "bearer") {
			presented = strings.TrimSpace(token)
		}
	}
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(want)) == 1
}

type limitKey struct {
	client string
	route  string
}

type limitWindow struct {
	start time.Time
	count int
}

// routeLimiter is a fixed-window counter per client and marked route.
type routeLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	windows map[limitKey]limitWindow
}

func newRouteLimiter(limit int, window time.Duration) *routeLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &routeLimiter{
		limit:   max(limit, 1),
		window:  window,
		windows: make(map[limitKey]limitWindow),
	}
}

// Allow counts one request for key. When the window is full it returns false and
// the time left until the next window opens.
func (l *routeLimiter) Allow(key limitKey, now time.Time) (time.Duration, bool) {
	start := now.UTC().Truncate(l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.windows[key]
	if !current.start.Equal(start) {
		current = limitWindow{start: start}
	}
	if current.count >= l.limit {
		return start.Add(l.window).Sub(now), false
	}
	current.count++
	l.windows[key] = current

	if len(l.windows) > 1024 {
		for k, w := range l.windows {
			if w.start.Before(start) {
				delete(l.windows, k)
			}
		}
	}
	return 0, true
}

// Len reports the number of tracked client and route pairs.
func (l *routeLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
