package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cardguard/ruleengine/pkg/logger"
)

// RateLimit enforces a per-client-IP request rate, grounded on a plain
// token-bucket limiter per key rather than a single global bucket: a noisy
// client should not starve every other caller of its share of throughput.
type RateLimit struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	log      *logger.Logger
}

func NewRateLimit(requestsPerSecond float64, burst int, log *logger.Logger) *RateLimit {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 100
	}
	if burst <= 0 {
		burst = int(requestsPerSecond * 2)
	}
	return &RateLimit{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		log:      log,
	}
}

func (m *RateLimit) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if !m.getLimiter(key).Allow() {
			w.Header().Set("Retry-After", "1")
			writeJSONError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *RateLimit) getLimiter(key string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[key]
	if !ok {
		l = rate.NewLimiter(m.rate, m.burst)
		m.limiters[key] = l
	}
	return l
}

// Cleanup drops limiter entries for keys that have been idle long enough to
// have a full bucket again, bounding the map's growth under many distinct
// clients.
func (m *RateLimit) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, l := range m.limiters {
		if l.TokensAt(time.Now()) >= float64(m.burst) {
			delete(m.limiters, k)
		}
	}
}

func (m *RateLimit) StartCleanup(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.Cleanup()
			}
		}
	}()
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
