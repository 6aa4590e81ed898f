package operator

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RateLimiter is a simple per-IP token bucket.
type RateLimiter struct {
	buckets map[string]*tokenBucket
	mutex   sync.RWMutex
	rate    int
	burst   int
	cleanup chan struct{}
}

type tokenBucket struct {
	tokens     int
	lastRefill time.Time
	mutex      sync.Mutex
}

func NewRateLimiter(rate, burst int) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*tokenBucket),
		rate:    rate,
		burst:   burst,
		cleanup: make(chan struct{}),
	}
	go rl.cleanupStaleEntries()
	return rl
}

func (rl *RateLimiter) Allow(ip string) bool {
	rl.mutex.Lock()
	bucket, exists := rl.buckets[ip]
	if !exists {
		bucket = &tokenBucket{tokens: rl.burst, lastRefill: time.Now()}
		rl.buckets[ip] = bucket
	}
	rl.mutex.Unlock()

	bucket.mutex.Lock()
	defer bucket.mutex.Unlock()

	now := time.Now()
	elapsed := now.Sub(bucket.lastRefill)
	tokensToAdd := int(elapsed.Seconds() * float64(rl.rate))
	if tokensToAdd > 0 {
		bucket.tokens += tokensToAdd
		if bucket.tokens > rl.burst {
			bucket.tokens = rl.burst
		}
		bucket.lastRefill = now
	}

	if bucket.tokens > 0 {
		bucket.tokens--
		return true
	}
	return false
}

func (rl *RateLimiter) cleanupStaleEntries() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.mutex.Lock()
			cutoff := time.Now().Add(-10 * time.Minute)
			for ip, bucket := range rl.buckets {
				bucket.mutex.Lock()
				if bucket.lastRefill.Before(cutoff) {
					delete(rl.buckets, ip)
				}
				bucket.mutex.Unlock()
			}
			rl.mutex.Unlock()
		case <-rl.cleanup:
			return
		}
	}
}

func (rl *RateLimiter) Close() { close(rl.cleanup) }

// SecurityMiddleware guards the operator HTTP surface: per-IP rate limiting,
// a request size cap, and rejection of obvious scanner traffic. The mesh
// wire protocol itself has its own handshake rate limiter (internal/mesh);
// this one only protects /healthz, /status, /peers, /topology, /metrics.
type SecurityMiddleware struct {
	rateLimiter    *RateLimiter
	maxRequestSize int64
	metrics        *securityMetrics
}

type securityMetrics struct {
	rateLimitedRequests prometheus.Counter
	oversizedRequests   prometheus.Counter
	suspiciousRequests  prometheus.Counter
}

func NewSecurityMiddleware(rate, burst int, maxRequestSize int64) *SecurityMiddleware {
	metrics := &securityMetrics{
		rateLimitedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fluxon_operator_rate_limited_requests_total",
			Help: "Total number of rate-limited operator requests",
		}),
		oversizedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fluxon_operator_oversized_requests_total",
			Help: "Total number of oversized operator requests rejected",
		}),
		suspiciousRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fluxon_operator_suspicious_requests_total",
			Help: "Total number of suspicious operator requests detected",
		}),
	}
	prometheus.MustRegister(metrics.rateLimitedRequests, metrics.oversizedRequests, metrics.suspiciousRequests)

	return &SecurityMiddleware{
		rateLimiter:    NewRateLimiter(rate, burst),
		maxRequestSize: maxRequestSize,
		metrics:        metrics,
	}
}

func (sm *SecurityMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sm.applySecurityHeaders(w)

		clientIP := sm.clientIP(r)
		if !sm.rateLimiter.Allow(clientIP) {
			if sm.metrics != nil {
				sm.metrics.rateLimitedRequests.Inc()
			}
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		if r.ContentLength > sm.maxRequestSize {
			if sm.metrics != nil {
				sm.metrics.oversizedRequests.Inc()
			}
			http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
			return
		}

		if sm.isSuspiciousRequest(r) {
			if sm.metrics != nil {
				sm.metrics.suspiciousRequests.Inc()
			}
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (sm *SecurityMiddleware) applySecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("Content-Security-Policy", "default-src 'self'")
}

func (sm *SecurityMiddleware) clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if parts := strings.Split(xff, ","); len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func (sm *SecurityMiddleware) isSuspiciousRequest(r *http.Request) bool {
	ua := strings.ToLower(r.Header.Get("User-Agent"))
	for _, suspicious := range []string{"sqlmap", "nikto", "nmap", "masscan", "gobuster", "dirbuster", "<script"} {
		if strings.Contains(ua, suspicious) {
			return true
		}
	}
	url := strings.ToLower(r.URL.String())
	for _, pattern := range []string{"union", "select", "../", "..\\", "/etc/passwd", "/proc/"} {
		if strings.Contains(url, pattern) {
			return true
		}
	}
	return false
}

func (sm *SecurityMiddleware) Close() {
	if sm.rateLimiter != nil {
		sm.rateLimiter.Close()
	}
}

// TimeoutMiddleware bounds how long a handler may run, guarding against
// slow-loris style clients on the operator surface.
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, timeout, "request timeout")
	}
}
