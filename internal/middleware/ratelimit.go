package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"keymint/internal/infrastructure"
)

// SlidingWindowConfig tunes one limiter instance. Endpoints get their own
// instances: health checks run permissive, registry fetch runs strict.
type SlidingWindowConfig struct {
	MaxRequests int
	Window      time.Duration
	// SweepThreshold bounds memory under abuse from many distinct IPs:
	// once more IPs than this are tracked, a bulk sweep drops every IP
	// whose window is empty. Zero uses a default.
	SweepThreshold int
}

// PermissiveRateLimit suits health endpoints.
func PermissiveRateLimit() SlidingWindowConfig {
	return SlidingWindowConfig{MaxRequests: 120, Window: time.Minute}
}

// StrictRateLimit suits the public registry fetch.
func StrictRateLimit() SlidingWindowConfig {
	return SlidingWindowConfig{MaxRequests: 20, Window: time.Minute}
}

const defaultSweepThreshold = 10000

// SlidingWindowLimiter throttles per client IP over a sliding window of
// request timestamps. Per-IP state is pruned lazily on that IP's own
// requests and swept in bulk once the tracked-IP count crosses the
// threshold.
type SlidingWindowLimiter struct {
	config SlidingWindowConfig
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewSlidingWindowLimiter creates a limiter with the given configuration.
func NewSlidingWindowLimiter(config SlidingWindowConfig, logger *slog.Logger) *SlidingWindowLimiter {
	if config.SweepThreshold <= 0 {
		config.SweepThreshold = defaultSweepThreshold
	}
	return &SlidingWindowLimiter{
		config:  config,
		logger:  logger.With(slog.String("component", "rate_limiter")),
		now:     time.Now,
		windows: make(map[string][]time.Time),
	}
}

// SetClock injects a deterministic clock for tests.
func (l *SlidingWindowLimiter) SetClock(now func() time.Time) { l.now = now }

// Allow records a request for ip and reports whether it is within the
// limit. When over the limit it returns the seconds until the oldest
// in-window request expires.
func (l *SlidingWindowLimiter) Allow(ip string) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.config.Window)

	window := l.windows[ip]
	pruned := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}

	if len(pruned) >= l.config.MaxRequests {
		l.windows[ip] = pruned
		retryAfter := int(pruned[0].Sub(cutoff).Seconds()) + 1
		return false, retryAfter
	}

	l.windows[ip] = append(pruned, now)

	if len(l.windows) > l.config.SweepThreshold {
		l.sweep(cutoff)
	}
	return true, 0
}

// sweep drops every tracked IP whose window holds no recent requests.
// Caller holds the mutex.
func (l *SlidingWindowLimiter) sweep(cutoff time.Time) {
	before := len(l.windows)
	for ip, window := range l.windows {
		live := false
		for _, ts := range window {
			if ts.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(l.windows, ip)
		}
	}
	l.logger.Info("rate limiter state swept",
		slog.Int("tracked_before", before),
		slog.Int("tracked_after", len(l.windows)))
}

// TrackedIPs reports how many client IPs currently hold state.
func (l *SlidingWindowLimiter) TrackedIPs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Handler implements the middleware. Run it after RealIP so RemoteAddr
// reflects the actual client.
func (l *SlidingWindowLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ip := clientIP(r)

		allowed, retryAfter := l.Allow(ip)
		if !allowed {
			l.logger.WarnContext(ctx, "rate limit exceeded",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", ip),
				slog.Int("retry_after", retryAfter))

			w.Header().Set("Content-Type", "application/problem+json")
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.WriteHeader(http.StatusTooManyRequests)

			traceID := infrastructure.GetTraceID(ctx)
			response := `{"type":"/errors/rate-limit-exceeded","title":"Too Many Requests","status":429,"detail":"Rate limit exceeded. Please retry after ` + strconv.Itoa(retryAfter) + ` seconds","trace_id":"` + traceID + `"}`
			w.Write([]byte(response))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP strips the port from RemoteAddr; RealIP has already rewritten
// it from forwarding headers when present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
