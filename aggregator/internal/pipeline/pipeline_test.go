package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/newsagg/aggregator/internal/classify"
	"github.com/hazyhaar/newsagg/aggregator/internal/dedup"
	"github.com/hazyhaar/newsagg/aggregator/internal/source"
	"github.com/hazyhaar/newsagg/aggregator/internal/store"
	"github.com/hazyhaar/newsagg/dbopen"
	"github.com/hazyhaar/newsagg/observability"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu      sync.Mutex
	metrics []*observability.Metric
}

func (r *recorder) Record(m *observability.Metric) {
	r.mu.Lock()
	r.metrics = append(r.metrics, m)
	r.mu.Unlock()
}

type fixture struct {
	st     *store.Store
	events *observability.EventLogger
	p      *Pipeline
	rec    *recorder
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(observability.Schema))
	if err := store.ApplySchema(db); err != nil {
		t.Fatal(err)
	}
	st := store.NewStore(db)
	err := st.SyncSources(context.Background(), []store.Source{
		{Name: "nrk", Endpoint: "https://nrk.no/rss", Kind: "feed", Enabled: true},
		{Name: "bbc", Endpoint: "https://bbc.co.uk/rss", Kind: "feed", Enabled: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{st: st, events: observability.NewEventLogger(db), rec: &recorder{}}
	f.p = New(st, dedup.NewResolver(st, dedup.Config{}), classify.New(classify.DefaultRules()), cfg,
		WithEvents(f.events), WithMetrics(f.rec), WithClock(func() time.Time { return t0 }))
	return f
}

func (f *fixture) run(t *testing.T, results ...*source.Result) *Report {
	t.Helper()
	rep := NewReport("cyc_test", t0)
	ctx := context.Background()
	f.p.RecordOutcomes(ctx, rep, results)
	if err := f.p.Reconcile(ctx, rep, results); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	return rep
}

func cand(src, url, title, body string) source.Candidate {
	return source.Candidate{Source: src, URL: url, Title: title, Body: body, PublishedAt: t0, FetchedAt: t0}
}

func ok(src string, cands ...source.Candidate) *source.Result {
	return &source.Result{Source: src, Candidates: cands, Duration: 10 * time.Millisecond}
}

func failed(src string, kind source.ErrorKind) *source.Result {
	return &source.Result{Source: src, Err: &source.FetchError{Source: src, Kind: kind, Err: errors.New("down")}}
}

func TestReconcile_InsertsAndIsIdempotent(t *testing.T) {
	// WHAT: Re-running an identical batch creates no rows and needs no invalidation.
	// WHY: Every cycle re-fetches the same feed items.
	f := newFixture(t, Config{})
	results := []*source.Result{
		ok("nrk", cand("nrk", "https://nrk.no/a", "Regjeringen legger fram budsjett", "Det er store kutt"),
			cand("nrk", "https://nrk.no/b", "Ny vaksine", "Godkjent i dag")),
		ok("bbc", cand("bbc", "https://bbc.co.uk/c", "The war in Ukraine", "Fighting continues")),
	}

	first := f.run(t, results...)
	if first.New != 3 || !first.NeedsInvalidation {
		t.Fatalf("first run: %+v", first)
	}
	second := f.run(t, results...)
	if second.New != 0 || second.Updated != 0 || second.Duplicates != 3 || second.NeedsInvalidation {
		t.Errorf("second run: %+v", second)
	}
	if n, _ := f.st.CountArticles(context.Background()); n != 3 {
		t.Errorf("rows: got %d, want 3", n)
	}

	a, _ := f.st.ArticleByURL(context.Background(), "https://nrk.no/a")
	if a.ContentHash != dedup.ContentHash(a.Title, a.Body) {
		t.Error("stored content_hash does not match its title and body")
	}
	if a.Category != "politikk" || a.Language != "no" {
		t.Errorf("tags: %s/%s", a.Category, a.Language)
	}
	c, _ := f.st.ArticleByURL(context.Background(), "https://bbc.co.uk/c")
	if c.Category != "krig" || c.Language != "en" {
		t.Errorf("bbc tags: %s/%s", c.Category, c.Language)
	}
}

func TestReconcile_SameURLTwiceInBatch(t *testing.T) {
	// WHAT: Same URL with two bodies in one batch gives one row holding the second body.
	// WHY: First-seen wins the id, later versions update it in order.
	f := newFixture(t, Config{})
	rep := f.run(t, ok("nrk",
		cand("nrk", "https://nrk.no/a", "Storm", "første versjon"),
		cand("nrk", "https://nrk.no/a", "Storm", "andre versjon"),
	))
	if rep.New != 1 || rep.Updated != 1 {
		t.Fatalf("report: %+v", rep)
	}
	a, _ := f.st.ArticleByURL(context.Background(), "https://nrk.no/a")
	if a.Body != "andre versjon" {
		t.Errorf("body: got %q", a.Body)
	}
	if want := dedup.ArticleID("https://nrk.no/a", dedup.ContentHash("Storm", "første versjon")); a.ID != want {
		t.Errorf("id: got %s, want %s", a.ID, want)
	}
}

func TestReconcile_SameURLTwiceThroughRegistry(t *testing.T) {
	// WHAT: A page listing one link twice reaches dedup as two candidates and ends as one updated row.
	// WHY: Normalization must not collapse same-URL items before the batch resolver sees them.
	f := newFixture(t, Config{})
	norm, err := source.NewNormalizer(source.NormalizeConfig{})
	if err != nil {
		t.Fatal(err)
	}
	reg := source.NewRegistry(norm, source.WithClock(func() time.Time { return t0 }))
	reg.Register("feed", source.AdapterFunc(func(context.Context, source.Descriptor) (*source.Page, error) {
		return &source.Page{Items: []source.Item{
			{Link: "/a", Title: "Storm", Summary: "first body"},
			{Link: "/a", Title: "Storm", Summary: "second body"},
		}}, nil
	}))

	res := reg.Fetch(context.Background(), source.Descriptor{Name: "nrk", Kind: "feed", Endpoint: "https://nrk.no/rss"})
	if !res.OK() || len(res.Candidates) != 2 {
		t.Fatalf("fetch: err=%v candidates=%d, want 2", res.Err, len(res.Candidates))
	}

	rep := f.run(t, res)
	if rep.New != 1 || rep.Updated != 1 || rep.Duplicates != 0 {
		t.Fatalf("report: %+v", rep)
	}
	if n, _ := f.st.CountArticles(context.Background()); n != 1 {
		t.Errorf("rows: got %d, want 1", n)
	}
	a, _ := f.st.ArticleByURL(context.Background(), "https://nrk.no/a")
	if a == nil || a.Body != "second body" {
		t.Fatalf("article: %+v", a)
	}
	if want := dedup.ArticleID("https://nrk.no/a", dedup.ContentHash("Storm", "first body")); a.ID != want {
		t.Errorf("id: got %s, want %s", a.ID, want)
	}

	again := f.run(t, reg.Fetch(context.Background(), source.Descriptor{Name: "nrk", Kind: "feed", Endpoint: "https://nrk.no/rss"}))
	if again.New != 0 {
		t.Errorf("refetch report: %+v", again)
	}
	if n, _ := f.st.CountArticles(context.Background()); n != 1 {
		t.Errorf("rows after refetch: got %d, want 1", n)
	}
	if a, _ := f.st.ArticleByURL(context.Background(), "https://nrk.no/a"); a == nil || a.Body != "second body" {
		t.Errorf("body after refetch: %+v", a)
	}
}

func TestReconcile_AllowedLanguages(t *testing.T) {
	f := newFixture(t, Config{AllowedLanguages: []string{"no"}})
	rep := f.run(t, ok("bbc", cand("bbc", "https://bbc.co.uk/a", "The election", "It was said that")))
	if rep.Filtered != 1 || rep.New != 0 {
		t.Errorf("report: %+v", rep)
	}
}

func TestReconcile_ConflictDroppedAfterRetry(t *testing.T) {
	// WHAT: A write that keeps conflicting is retried once then dropped, not fatal.
	// WHY: Another writer may hold the identity; the cycle continues.
	f := newFixture(t, Config{})
	c := cand("nrk", "https://nrk.no/a", "Storm", "tekst")
	id := dedup.ArticleID(c.URL, dedup.ContentHash(c.Title, c.Body))
	_, err := f.st.DB.Exec(`INSERT INTO articles (id, source, url, published_at, fetched_at, updated_at, content_hash)
		VALUES (?, 'bbc', 'https://elsewhere/x', 0, 0, 0, 'other')`, id)
	if err != nil {
		t.Fatal(err)
	}

	rep := f.run(t, ok("nrk", c, cand("nrk", "https://nrk.no/b", "Valg", "resultat")))
	if rep.Dropped != 1 || rep.New != 1 {
		t.Errorf("report: %+v", rep)
	}
}

func TestRecordOutcomes_AutoDisable(t *testing.T) {
	// WHAT: Consecutive failures auto-disable a source at the threshold and log an event.
	// WHY: A dead source is skipped until re-enabled or probed back.
	f := newFixture(t, Config{MaxConsecutiveFailures: 3})
	ctx := context.Background()

	var rep *Report
	for range 3 {
		rep = f.run(t, failed("nrk", source.KindTimeout), ok("bbc"))
	}
	if !rep.Failures["nrk"].AutoDisabled {
		t.Errorf("third failure not reported as disabling: %+v", rep.Failures)
	}
	if rep.AllFailed() {
		t.Error("AllFailed with one healthy source")
	}

	nrk, _ := f.st.GetSource(ctx, "nrk")
	if !nrk.AutoDisabled || nrk.FailCount != 3 || nrk.LastErrorKind != "timeout" {
		t.Errorf("nrk: %+v", nrk)
	}
	events, _ := f.events.Recent(ctx, "nrk", 10)
	if len(events) != 1 || events[0].Type != observability.EventAutoDisabled {
		t.Errorf("events: %+v", events)
	}
	log, _ := f.st.RecentFetchLog(ctx, "", 100)
	if len(log) != 6 || log[0].CycleID != "cyc_test" {
		t.Errorf("fetch log: %d entries", len(log))
	}
}

func TestRecordOutcomes_SuccessKeepsValidators(t *testing.T) {
	f := newFixture(t, Config{})
	r := ok("nrk")
	r.ETag, r.LastModified, r.NotModified = `"abc"`, "Sun, 01 Mar 2026 12:00:00 GMT", true
	rep := f.run(t, r, failed("bbc", source.KindParse))

	if rep.NotModified != 1 || rep.SourcesOK != 1 || rep.SourcesFailed != 1 {
		t.Errorf("report: %+v", rep)
	}
	nrk, _ := f.st.GetSource(context.Background(), "nrk")
	if nrk.ETag != `"abc"` || nrk.LastSuccessAt == nil {
		t.Errorf("nrk: %+v", nrk)
	}
}

func TestReport_AllFailed(t *testing.T) {
	f := newFixture(t, Config{})
	rep := f.run(t, failed("nrk", source.KindNetwork), failed("bbc", source.KindTimeout))
	if !rep.AllFailed() {
		t.Error("AllFailed = false")
	}
	if (&Report{}).AllFailed() {
		t.Error("empty report counts as all failed")
	}
}

func TestReconcile_Metrics(t *testing.T) {
	f := newFixture(t, Config{})
	f.run(t, ok("nrk", cand("nrk", "https://nrk.no/a", "a", "b")))
	got := map[string]float64{}
	f.rec.mu.Lock()
	for _, m := range f.rec.metrics {
		got[m.Name] = m.Value
	}
	f.rec.mu.Unlock()
	if got[observability.MetricArticlesNew] != 1 {
		t.Errorf("new metric: %v", got)
	}
	if _, ok := got[observability.MetricFetchDurationMs]; !ok {
		t.Error("fetch duration not recorded")
	}
}
