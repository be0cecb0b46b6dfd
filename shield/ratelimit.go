package shield

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// limit is one loaded rate_limits row.
type limit struct {
	max    int
	window time.Duration
}

// window counts the requests of one client against one endpoint.
type window struct {
	count   int
	resetAt time.Time
}

// RateLimiter applies fixed-window limits per client IP and per
// "METHOD /path" endpoint. Limits live in the rate_limits table so that an
// operator can tighten them without a restart. Endpoints without an
// enabled row are not limited.
type RateLimiter struct {
	db      *sql.DB
	exclude []string
	now     func() time.Time

	mu      sync.Mutex
	limits  map[string]limit
	windows map[string]*window
}

// NewRateLimiter loads the current limits from db. Paths starting with one
// of excludePrefixes bypass the limiter.
func NewRateLimiter(db *sql.DB, excludePrefixes ...string) *RateLimiter {
	rl := &RateLimiter{
		db:      db,
		exclude: excludePrefixes,
		now:     time.Now,
		limits:  make(map[string]limit),
		windows: make(map[string]*window),
	}
	rl.Reload()
	return rl
}

// StartReloader re-reads the limits every minute and drops expired windows
// every five minutes until done is closed.
func (rl *RateLimiter) StartReloader(done <-chan struct{}) {
	reload := time.NewTicker(time.Minute)
	sweep := time.NewTicker(5 * time.Minute)
	go func() {
		defer reload.Stop()
		defer sweep.Stop()
		for {
			select {
			case <-done:
				return
			case <-reload.C:
				rl.Reload()
			case <-sweep.C:
				rl.sweep()
			}
		}
	}()
}

// Reload replaces the limits with the enabled rows of rate_limits. A failed
// read keeps the limits already loaded.
func (rl *RateLimiter) Reload() {
	rows, err := rl.db.Query(`SELECT endpoint, max_requests, window_seconds FROM rate_limits WHERE enabled = 1`)
	if err != nil {
		slog.Warn("shield: reload rate limits", "error", err)
		return
	}
	defer rows.Close()

	limits := make(map[string]limit)
	for rows.Next() {
		var endpoint string
		var n, secs int
		if err := rows.Scan(&endpoint, &n, &secs); err != nil || secs <= 0 {
			continue
		}
		limits[endpoint] = limit{max: n, window: time.Duration(secs) * time.Second}
	}
	if err := rows.Err(); err != nil {
		slog.Warn("shield: reload rate limits", "error", err)
		return
	}

	rl.mu.Lock()
	rl.limits = limits
	rl.mu.Unlock()
	slog.Debug("shield: rate limits loaded", "endpoints", len(limits))
}

func (rl *RateLimiter) sweep() {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, w := range rl.windows {
		if now.After(w.resetAt) {
			delete(rl.windows, k)
		}
	}
}

// take counts one request and reports whether it is within the limit. wait
// is the time left in the current window.
func (rl *RateLimiter) take(ip, endpoint string) (ok bool, wait time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, limited := rl.limits[endpoint]
	if !limited {
		return true, 0
	}
	now := rl.now()
	key := endpoint + "|" + ip
	w := rl.windows[key]
	if w == nil || now.After(w.resetAt) {
		w = &window{resetAt: now.Add(l.window)}
		rl.windows[key] = w
	}
	w.count++
	return w.count <= l.max, w.resetAt.Sub(now)
}

func (rl *RateLimiter) allow(ip, endpoint string) bool {
	ok, _ := rl.take(ip, endpoint)
	return ok
}

// Middleware answers 429 with a JSON error body and a Retry-After header
// once a client exceeds the limit of an endpoint.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, p := range rl.exclude {
			if strings.HasPrefix(r.URL.Path, p) {
				next.ServeHTTP(w, r)
				return
			}
		}

		endpoint := r.Method + " " + r.URL.Path
		ip := ExtractIP(r)
		ok, wait := rl.take(ip, endpoint)
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		GetLogger(r.Context()).Warn("shield: rate limited", "ip", ip, "endpoint", endpoint)
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
	})
}

// ExtractIP returns the first X-Forwarded-For hop, or the host part of
// RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
