package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"

	"github.com/hazyhaar/newsagg/horosafe"
)

// ErrDisallowed is returned for a page the site's robots.txt excludes for
// our user agent.
var ErrDisallowed = errors.New("fetch: disallowed by robots.txt")

const (
	robotsMaxBytes = 512 << 10
	robotsTimeout  = 10 * time.Second
)

type robotsEntry struct {
	data    *robotstxt.RobotsData // nil allows everything
	expires time.Time
}

// robotsCache keeps the parsed robots.txt of each origin for ttl.
// Concurrent misses on one origin share a single download.
type robotsCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	origins map[string]robotsEntry
	loads   singleflight.Group
}

func newRobotsCache(ttl time.Duration) *robotsCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &robotsCache{ttl: ttl, now: time.Now, origins: make(map[string]robotsEntry)}
}

func (c *robotsCache) get(origin string) (robotsEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.origins[origin]
	if !ok || c.now().After(e.expires) {
		return robotsEntry{}, false
	}
	return e, true
}

func (c *robotsCache) put(origin string, data *robotstxt.RobotsData) robotsEntry {
	e := robotsEntry{data: data, expires: c.now().Add(c.ttl)}
	c.mu.Lock()
	c.origins[origin] = e
	c.mu.Unlock()
	return e
}

// Allowed reports ErrDisallowed when robots.txt excludes pageURL for the
// fetcher's user agent. A robots.txt that cannot be fetched or parsed
// allows everything, as does a 4xx answer; a 5xx answer disallows the
// whole origin until the entry expires. Always nil when the fetcher was
// built without RespectRobots.
func (f *Fetcher) Allowed(ctx context.Context, pageURL string) error {
	if f.robots == nil {
		return nil
	}
	u, err := url.Parse(pageURL)
	if err != nil || u.Host == "" {
		return nil
	}
	origin := u.Scheme + "://" + u.Host

	e, ok := f.robots.get(origin)
	if !ok {
		v, _, _ := f.robots.loads.Do(origin, func() (any, error) {
			return f.robots.put(origin, f.loadRobots(ctx, origin)), nil
		})
		e = v.(robotsEntry)
	}
	if e.data == nil {
		return nil
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	if !e.data.TestAgent(path, f.ua) {
		return ErrDisallowed
	}
	return nil
}

// loadRobots downloads origin/robots.txt. The download is detached from
// the caller since its result is shared with other callers.
func (f *Fetcher) loadRobots(ctx context.Context, origin string) *robotstxt.RobotsData {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), robotsTimeout)
	defer cancel()

	req, err := f.request(ctx, http.MethodGet, origin+"/robots.txt")
	if err != nil {
		return nil
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	body, err := horosafe.LimitedReadAll(resp.Body, robotsMaxBytes)
	if err != nil {
		return nil
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil
	}
	return data
}
