package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/newsagg/dbopen"
)

// fakeSources serves canned pages by source name. A name mapped to an
// error fails.
type fakeSources struct {
	mu    sync.Mutex
	pages map[string][]SourceItem
	fail  map[string]error
	calls map[string]int
}

func newFakeSources() *fakeSources {
	return &fakeSources{pages: map[string][]SourceItem{}, fail: map[string]error{}, calls: map[string]int{}}
}

func (f *fakeSources) set(name string, items ...SourceItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[name] = items
	delete(f.fail, name)
}

func (f *fakeSources) failWith(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[name] = err
}

func (f *fakeSources) fetch(_ context.Context, d Descriptor) (*SourcePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[d.Name]++
	if err := f.fail[d.Name]; err != nil {
		return nil, err
	}
	return &SourcePage{BaseURL: d.Endpoint, Items: append([]SourceItem(nil), f.pages[d.Name]...)}, nil
}

func item(link, title, body string, age time.Duration) SourceItem {
	return SourceItem{Link: link, Title: title, Summary: body, PublishedAt: time.Now().Add(-age)}
}

func testConfig(names ...string) *Config {
	cfg := &Config{
		Enrichment: EnrichmentConfig{MinBodyRunes: -1},
		Cache:      CacheConfig{TTL: time.Minute},
	}
	cfg.DBPath = ":memory:"
	for _, n := range names {
		cfg.Sources = append(cfg.Sources, SourceConfig{
			Name: n, Endpoint: "https://" + n + ".example/rss", Kind: "feed",
		})
	}
	return cfg
}

func testService(t *testing.T, cfg *Config, fake *fakeSources) *Service {
	t.Helper()
	db := dbopen.OpenMemory(t)
	svc, err := New(db, cfg, nil, WithAdapter("feed", AdapterFunc(fake.fetch)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestService_RefreshAndList(t *testing.T) {
	// WHAT: A refresh stores articles that ListArticles returns newest first with tags.
	// WHY: End-to-end path from adapter to read surface.
	fake := newFakeSources()
	fake.set("nrk",
		item("https://nrk.example/a", "Regjeringen legger fram statsbudsjettet", "Budsjettet for neste år og skatt", 2*time.Hour),
		item("https://nrk.example/b", "Ny vaksine mot korona", "Sykehus og helse i hele landet", time.Hour),
	)
	svc := testService(t, testConfig("nrk"), fake)
	ctx := context.Background()

	rep, err := svc.RefreshNow(ctx)
	if err != nil {
		t.Fatalf("RefreshNow: %v", err)
	}
	if rep.New != 2 || rep.SourcesOK != 1 {
		t.Fatalf("report: new=%d ok=%d, want 2 and 1", rep.New, rep.SourcesOK)
	}

	list, err := svc.ListArticles(ctx, ArticleQuery{})
	if err != nil {
		t.Fatalf("ListArticles: %v", err)
	}
	if list.Total != 2 || len(list.Items) != 2 {
		t.Fatalf("total=%d items=%d, want 2", list.Total, len(list.Items))
	}
	if list.Items[0].URL != "https://nrk.example/b" {
		t.Errorf("first item: got %s, want newest", list.Items[0].URL)
	}
	if list.Page != 1 || list.PageSize != DefaultPageSize {
		t.Errorf("page=%d size=%d", list.Page, list.PageSize)
	}
	if list.Items[0].Category != "helse" {
		t.Errorf("category: got %q, want helse", list.Items[0].Category)
	}

	cats, err := svc.Categories(ctx)
	if err != nil {
		t.Fatalf("Categories: %v", err)
	}
	if len(cats) != 2 {
		t.Errorf("categories: got %v", cats)
	}
}

func TestService_CacheInvalidatedAfterWriteCycle(t *testing.T) {
	// WHAT: A cached empty listing is replaced after a cycle that writes articles.
	// WHY: Readers must not keep seeing the pre-refresh snapshot until the TTL runs out.
	fake := newFakeSources()
	svc := testService(t, testConfig("bbc"), fake)
	ctx := context.Background()

	list, err := svc.ListArticles(ctx, ArticleQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if list.Total != 0 {
		t.Fatalf("initial total = %d", list.Total)
	}

	fake.set("bbc", item("https://bbc.example/news/1", "Election results announced", "The votes were counted overnight", time.Hour))
	rep, err := svc.RefreshNow(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.NeedsInvalidation {
		t.Fatal("write cycle did not ask for invalidation")
	}

	list, err = svc.ListArticles(ctx, ArticleQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if list.Total != 1 {
		t.Errorf("after refresh: total = %d, want 1", list.Total)
	}

	// Identical second cycle writes nothing.
	rep, err = svc.RefreshNow(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.NeedsInvalidation || rep.Duplicates != 1 {
		t.Errorf("idle cycle: invalidation=%v duplicates=%d", rep.NeedsInvalidation, rep.Duplicates)
	}
}

func TestService_AutoDisableAndEnable(t *testing.T) {
	// WHAT: A source failing max_consecutive_failures times is skipped, reported degraded, and re-enabled manually.
	// WHY: One broken feed must not be fetched forever, and operators need a way back.
	fake := newFakeSources()
	fake.set("good", item("https://good.example/1", "Stable story", "A body long enough to keep", time.Hour))
	fake.failWith("bad", errors.New("connection refused"))
	cfg := testConfig("good", "bad")
	cfg.MaxConsecutiveFailures = 2
	svc := testService(t, cfg, fake)
	ctx := context.Background()

	for range 3 {
		if _, err := svc.RefreshNow(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if fake.calls["bad"] != 2 {
		t.Errorf("bad fetched %d times, want 2", fake.calls["bad"])
	}

	h, err := svc.Health(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if h.Status != HealthDegraded {
		t.Errorf("health: got %s, want degraded", h.Status)
	}

	if _, err := svc.EnableSource(ctx, "nope"); !errors.Is(err, ErrUnknownSource) {
		t.Errorf("EnableSource(nope): got %v, want ErrUnknownSource", err)
	}
	src, err := svc.EnableSource(ctx, "bad")
	if err != nil {
		t.Fatalf("EnableSource: %v", err)
	}
	if src.AutoDisabled || src.FailCount != 0 {
		t.Errorf("after enable: auto_disabled=%v fail_count=%d", src.AutoDisabled, src.FailCount)
	}
	h, _ = svc.Health(ctx)
	if h.Status != HealthOK {
		t.Errorf("health after enable: got %s, want ok", h.Status)
	}
}

func TestService_HealthDisabledAfterFailedCycles(t *testing.T) {
	// WHAT: Fully failed cycles past the threshold put the scheduler in Disabled and health reports it.
	// WHY: A total outage must be visible without reading logs.
	fake := newFakeSources()
	fake.failWith("only", errors.New("dns failure"))
	cfg := testConfig("only")
	cfg.Scheduler.FailedCycleThreshold = 1
	cfg.MaxConsecutiveFailures = 10
	svc := testService(t, cfg, fake)
	ctx := context.Background()

	rep, err := svc.RefreshNow(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.AllFailed() {
		t.Fatal("cycle not reported as fully failed")
	}
	h, err := svc.Health(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if h.Status != HealthDisabled {
		t.Errorf("health: got %s, want disabled", h.Status)
	}

	fake.set("only", item("https://only.example/1", "Back online", "Service restored after outage", time.Minute))
	if _, err := svc.EnableSource(ctx, "only"); err != nil {
		t.Fatal(err)
	}
	if got := svc.RequestRefresh(); got.Status != "accepted" {
		t.Errorf("RequestRefresh after enable: got %+v, want accepted", got)
	}
}

func TestService_RequestRefreshWithoutStart(t *testing.T) {
	// WHAT: A refresh requested on a service that was never started runs and leaves the scheduler Idle.
	// WHY: mcp --no-schedule serves news_refresh without the background loop.
	fake := newFakeSources()
	fake.set("nrk", item("https://nrk.example/a", "Storm over Vestlandet", "Kraftig vind og regn i natt", time.Hour))
	svc := testService(t, testConfig("nrk"), fake)
	ctx := context.Background()

	if got := svc.RequestRefresh(); got.Status != "accepted" {
		t.Fatalf("first: got %+v", got)
	}
	svc.scheduler.Wait()
	h, err := svc.Health(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if h.Scheduler.State != "idle" || h.Articles != 1 {
		t.Errorf("after request: state=%s articles=%d", h.Scheduler.State, h.Articles)
	}
	if _, err := svc.RefreshNow(ctx); err != nil {
		t.Errorf("RefreshNow after request: %v", err)
	}
}

func TestService_CloseWaitsForInFlightCycle(t *testing.T) {
	// WHAT: Close after cancellation returns only once the running cycle has fetched and written.
	// WHY: The database is closed right after Close; a cycle still running would write into a closed handle.
	entered := make(chan struct{})
	var finished atomic.Bool
	slow := AdapterFunc(func(_ context.Context, d Descriptor) (*SourcePage, error) {
		close(entered)
		time.Sleep(300 * time.Millisecond)
		finished.Store(true)
		return &SourcePage{BaseURL: d.Endpoint, Items: []SourceItem{
			item("https://slow.example/1", "Sen nyhet", "Kom fram etter en stund", time.Minute),
		}}, nil
	})
	cfg := testConfig("slow")
	cfg.FetchTimeout = 5 * time.Second
	db := dbopen.OpenMemory(t)
	svc, err := New(db, cfg, nil, WithAdapter("feed", slow))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	svc.RequestRefresh()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("cycle never started")
	}
	cancel()
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !finished.Load() {
		t.Fatal("Close returned before the in-flight fetch finished")
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM articles`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("rows after Close: got %d, want 1", n)
	}
	if err := svc.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestService_ReadsIgnoreCallerCancellation(t *testing.T) {
	// WHAT: A cache load started by a cancelled caller still succeeds.
	// WHY: Concurrent readers share the load result; one client leaving must not fail the others.
	fake := newFakeSources()
	fake.set("nrk", item("https://nrk.example/a", "Valg i kommunen", "Resultatet er klart", time.Hour))
	svc := testService(t, testConfig("nrk"), fake)
	if _, err := svc.RefreshNow(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	list, err := svc.ListArticles(ctx, ArticleQuery{})
	if err != nil {
		t.Fatalf("ListArticles with cancelled caller: %v", err)
	}
	if list.Total != 1 {
		t.Errorf("total: got %d, want 1", list.Total)
	}
	if _, err := svc.Categories(ctx); err != nil {
		t.Errorf("Categories with cancelled caller: %v", err)
	}
}

func TestService_SourcesIncludeFetchLog(t *testing.T) {
	fake := newFakeSources()
	fake.set("nrk", item("https://nrk.example/x", "Title", "Body text that is long enough", time.Hour))
	svc := testService(t, testConfig("nrk"), fake)
	ctx := context.Background()
	if _, err := svc.RefreshNow(ctx); err != nil {
		t.Fatal(err)
	}

	srcs, err := svc.Sources(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(srcs) != 1 || len(srcs[0].RecentFetches) != 1 {
		t.Fatalf("sources: %+v", srcs)
	}
	if got := srcs[0].RecentFetches[0].Status; got != "ok" {
		t.Errorf("fetch status: got %q, want ok", got)
	}
}

func TestListArticles_InvalidInput(t *testing.T) {
	svc := testService(t, testConfig("nrk"), newFakeSources())
	ctx := context.Background()
	for _, q := range []ArticleQuery{
		{PageSize: MaxPageSize + 1},
		{Page: -1},
		{Cursor: "!!!"},
		{DateFrom: "yesterday"},
		{DateFrom: "2024-05-02", DateTo: "2024-05-01"},
	} {
		if _, err := svc.ListArticles(ctx, q); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("ListArticles(%+v): got %v, want ErrInvalidInput", q, err)
		}
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig("a")
	cfg.Sources = append(cfg.Sources, cfg.Sources[0])
	_, err := New(dbopen.OpenMemory(t), cfg, nil)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("got %v, want ErrInvalidInput", err)
	}
}

func TestNew_RulesYAML(t *testing.T) {
	// WHAT: Custom categorizer rules replace the built-in set.
	// WHY: Deployments tune categories without rebuilding.
	fake := newFakeSources()
	fake.set("nrk", item("https://nrk.example/r", "Rocket launch today", "Engines fired on schedule", time.Hour))
	rules := []byte(`
categories:
  - category: space
    keywords: [rocket, launch]
`)
	db := dbopen.OpenMemory(t)
	svc, err := New(db, testConfig("nrk"), nil, WithAdapter("feed", AdapterFunc(fake.fetch)), WithRulesYAML(rules))
	if err != nil {
		t.Fatal(err)
	}
	defer svc.Close()
	ctx := context.Background()
	if _, err := svc.RefreshNow(ctx); err != nil {
		t.Fatal(err)
	}
	list, _ := svc.ListArticles(ctx, ArticleQuery{Category: "space"})
	if list.Total != 1 {
		t.Errorf("space articles: got %d, want 1", list.Total)
	}

	if _, err := New(dbopen.OpenMemory(t), testConfig("nrk"), nil, WithRulesYAML([]byte("categories: ["))); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("bad rules: got %v, want ErrInvalidInput", err)
	}
}

func ExampleArticleQuery_Filter() {
	f, _ := ArticleQuery{Page: 3, PageSize: 10, Sources: []string{"nrk,bbc"}}.Filter()
	fmt.Println(f.Offset, f.Limit, f.Sources)
	// Output: 20 10 [nrk bbc]
}
