package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hazyhaar/newsagg/aggregator/internal/fetch"
)

func testRegistry(t *testing.T, opts ...RegistryOption) *Registry {
	t.Helper()
	return NewRegistry(mustNormalizer(t, NormalizeConfig{}), opts...)
}

func TestRegistry_Aliases(t *testing.T) {
	r := testRegistry(t)
	a := AdapterFunc(func(context.Context, Descriptor) (*Page, error) { return &Page{}, nil })
	r.Register("feed", a, "rss", "atom", "json")

	for _, k := range []string{"feed", "RSS", "atom", "json"} {
		if _, err := r.Lookup(k); err != nil {
			t.Errorf("Lookup(%q): %v", k, err)
		}
	}
	if _, err := r.Lookup("ftp"); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("Lookup(ftp): got %v, want ErrUnknownKind", err)
	}
	if got := r.Kinds(); len(got) != 4 || got[0] != "atom" {
		t.Errorf("Kinds: %v", got)
	}
}

func TestRegistry_UnknownKindIsParseFailure(t *testing.T) {
	res := testRegistry(t).Fetch(context.Background(), Descriptor{Name: "x", Kind: "gopher"})
	if res.OK() || res.Err.Kind != KindParse || !errors.Is(res.Err, ErrUnknownKind) {
		t.Errorf("result: %+v", res.Err)
	}
}

func TestRegistry_TimeoutIsolated(t *testing.T) {
	// WHAT: An adapter ignoring its context is abandoned at the source timeout.
	// WHY: One hung source must not delay the rest of the cycle.
	r := testRegistry(t)
	release := make(chan struct{})
	defer close(release)
	r.Register("hang", AdapterFunc(func(ctx context.Context, d Descriptor) (*Page, error) {
		<-release
		return nil, nil
	}))

	start := time.Now()
	res := r.Fetch(context.Background(), Descriptor{Name: "slow", Kind: "hang", Timeout: 50 * time.Millisecond})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("fetch took %v", elapsed)
	}
	if res.OK() || res.Err.Kind != KindTimeout {
		t.Errorf("err: got %+v, want timeout", res.Err)
	}
}

func TestRegistry_PanicRecovered(t *testing.T) {
	r := testRegistry(t)
	r.Register("boom", AdapterFunc(func(context.Context, Descriptor) (*Page, error) {
		panic("nil map")
	}))
	res := r.Fetch(context.Background(), Descriptor{Name: "p", Kind: "boom"})
	if res.OK() || res.Err.Kind != KindParse {
		t.Errorf("err: got %+v, want parse", res.Err)
	}
}

func TestRegistry_HTTPStatusIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	r := testRegistry(t)
	r.Register("feed", NewFeedAdapter(testFetcher()))
	res := r.Fetch(context.Background(), Descriptor{Name: "bad", Kind: "feed", Endpoint: srv.URL})
	if res.OK() {
		t.Fatal("expected failure")
	}
	if res.Err.Kind != KindNetwork || res.Err.StatusCode != 502 {
		t.Errorf("err: got kind %s status %d", res.Err.Kind, res.Err.StatusCode)
	}
	if res.Err.Source != "bad" {
		t.Errorf("source: got %q", res.Err.Source)
	}
}

func TestRegistry_NormalizesAdapterOutput(t *testing.T) {
	fixed := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	r := testRegistry(t, WithClock(func() time.Time { return fixed }))
	r.Register("static", AdapterFunc(func(context.Context, Descriptor) (*Page, error) {
		return &Page{
			ETag: `"e"`,
			Items: []Item{
				{Link: "/a", Title: "A"},
				{Title: ""},
			},
		}, nil
	}))
	res := r.Fetch(context.Background(), Descriptor{Name: "s", Kind: "static", Endpoint: "https://s.example/"})
	if !res.OK() {
		t.Fatal(res.Err)
	}
	if len(res.Candidates) != 1 || res.Candidates[0].URL != "https://s.example/a" {
		t.Errorf("candidates: %+v", res.Candidates)
	}
	if res.Malformed != 1 {
		t.Errorf("malformed: got %d", res.Malformed)
	}
	if res.ETag != `"e"` {
		t.Errorf("etag: got %q", res.ETag)
	}
	if !res.Candidates[0].FetchedAt.Equal(fixed) {
		t.Errorf("fetched_at: got %v", res.Candidates[0].FetchedAt)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{context.DeadlineExceeded, KindTimeout},
		{&fetch.HTTPError{StatusCode: 404}, KindNetwork},
		{errors.New("connection refused"), KindNetwork},
		{ParseError(errors.New("bad xml")), KindParse},
	}
	for _, c := range cases {
		if got := classify("s", c.err).Kind; got != c.want {
			t.Errorf("classify(%v): got %s, want %s", c.err, got, c.want)
		}
	}
}
