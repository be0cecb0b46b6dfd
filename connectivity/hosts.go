package connectivity

import (
	"net/url"
	"strings"
	"sync"
)

// HostBreakers lazily creates one CircuitBreaker per host.
type HostBreakers struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	opts     []BreakerOption
}

// NewHostBreakers returns a set whose breakers are built with opts.
func NewHostBreakers(opts ...BreakerOption) *HostBreakers {
	return &HostBreakers{
		breakers: make(map[string]*CircuitBreaker),
		opts:     opts,
	}
}

// For returns the breaker for rawURL's host. URLs without a host share the
// "" breaker.
func (h *HostBreakers) For(rawURL string) *CircuitBreaker {
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = strings.ToLower(u.Hostname())
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	cb, ok := h.breakers[host]
	if !ok {
		cb = NewCircuitBreaker(h.opts...)
		h.breakers[host] = cb
	}
	return cb
}

// Open lists hosts whose breaker is currently open.
func (h *HostBreakers) Open() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for host, cb := range h.breakers {
		if cb.State() == BreakerOpen {
			out = append(out, host)
		}
	}
	return out
}
