package dedup

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/newsagg/aggregator/internal/source"
	"github.com/hazyhaar/newsagg/aggregator/internal/store"
)

// memLookup is an in-memory Lookup.
type memLookup struct {
	articles []*store.Article
	err      error
}

func (m *memLookup) add(c source.Candidate) *store.Article {
	hash := ContentHash(c.Title, c.Body)
	a := &store.Article{ID: ArticleID(c.URL, hash), Source: c.Source, URL: c.URL, Title: c.Title,
		Body: c.Body, PublishedAt: c.PublishedAt.UnixMilli(), ContentHash: hash}
	m.articles = append(m.articles, a)
	return a
}

func (m *memLookup) ArticleByURL(_ context.Context, url string) (*store.Article, error) {
	if m.err != nil {
		return nil, m.err
	}
	for _, a := range m.articles {
		if a.URL == url {
			return a, nil
		}
	}
	return nil, nil
}

func (m *memLookup) ArticleBySourceHash(_ context.Context, src, hash string, from, to int64) (*store.Article, error) {
	for _, a := range m.articles {
		if a.Source == src && a.ContentHash == hash && a.PublishedAt >= from && a.PublishedAt <= to {
			return a, nil
		}
	}
	return nil, nil
}

func (m *memLookup) RecentBySource(_ context.Context, src string, from, to int64, _ int) ([]*store.Article, error) {
	var out []*store.Article
	for _, a := range m.articles {
		if a.Source == src && a.PublishedAt >= from && a.PublishedAt <= to {
			out = append(out, a)
		}
	}
	return out, nil
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func cand(url, title, body string, at time.Time) source.Candidate {
	return source.Candidate{Source: "nrk", URL: url, Title: title, Body: body, PublishedAt: at, FetchedAt: at}
}

func TestContentHash_Normalization(t *testing.T) {
	// WHAT: Case and whitespace differences do not change the hash.
	// WHY: Feeds reformat the same text between polls.
	a := ContentHash("  Storm  i Nord-Norge ", "Sterk\tvind\n\nventes")
	b := ContentHash("storm i nord-norge", "sterk vind ventes")
	if a != b {
		t.Errorf("hashes differ: %s %s", a, b)
	}
	if ContentHash("ab", "c") == ContentHash("a", "bc") {
		t.Error("title/body boundary ignored")
	}
	if len(a) != 64 {
		t.Errorf("hash length: got %d", len(a))
	}
}

func TestArticleID_Stable(t *testing.T) {
	id := ArticleID("https://nrk.no/a", "h")
	if id != ArticleID("https://nrk.no/a", "h") {
		t.Error("not deterministic")
	}
	if !strings.HasPrefix(id, "art_") || len(id) != 28 {
		t.Errorf("format: %q", id)
	}
	if id == ArticleID("https://nrk.no/b", "h") {
		t.Error("url ignored")
	}
}

func TestResolve_Rules(t *testing.T) {
	m := &memLookup{}
	stored := m.add(cand("https://nrk.no/a", "Storm", "Sterk vind", t0))
	r := NewResolver(m, Config{})
	ctx := context.Background()

	cases := []struct {
		name string
		c    source.Candidate
		want Decision
		rule string
		id   string
	}{
		{"same url same content", cand("https://nrk.no/a", "Storm", "Sterk vind", t0), Duplicate, RuleURL, stored.ID},
		{"same url new content", cand("https://nrk.no/a", "Storm", "Orkan", t0), Update, RuleURL, stored.ID},
		{"rotated url in window", cand("https://nrk.no/a2", "Storm", "Sterk vind", t0.Add(47*time.Hour)), Duplicate, RuleSourceHash, stored.ID},
		{"rotated url outside window", cand("https://nrk.no/a3", "Storm", "Sterk vind", t0.Add(49*time.Hour)), New, RuleNone, ""},
		{"new", cand("https://nrk.no/b", "Valg", "Resultat", t0), New, RuleNone, ""},
	}
	for _, c := range cases {
		res, err := r.Resolve(ctx, c.c)
		if err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		if res.Decision != c.want || res.Rule != c.rule {
			t.Errorf("%s: got %v/%q, want %v/%q", c.name, res.Decision, res.Rule, c.want, c.rule)
		}
		want := c.id
		if want == "" {
			want = ArticleID(c.c.URL, ContentHash(c.c.Title, c.c.Body))
		}
		if res.ID != want {
			t.Errorf("%s: id %q, want %q", c.name, res.ID, want)
		}
	}
}

func TestResolve_OtherSourceNotDuplicate(t *testing.T) {
	m := &memLookup{}
	m.add(cand("https://nrk.no/a", "Storm", "Sterk vind", t0))
	c := cand("https://vg.no/a", "Storm", "Sterk vind", t0)
	c.Source = "vg"
	res, _ := NewResolver(m, Config{}).Resolve(context.Background(), c)
	if res.Decision != New {
		t.Errorf("got %v, want new", res.Decision)
	}
}

func TestResolve_LookupError(t *testing.T) {
	boom := errors.New("boom")
	_, err := NewResolver(&memLookup{err: boom}, Config{}).Resolve(context.Background(), cand("https://x/a", "t", "b", t0))
	if !errors.Is(err, boom) {
		t.Errorf("got %v, want wrapped boom", err)
	}
}

func TestResolve_NearDup(t *testing.T) {
	// WHAT: With a threshold set, a lightly edited republication is a duplicate.
	// WHY: Sources re-post stories under new URLs with small edits.
	body := "Regjeringen la i dag fram statsbudsjettet for neste år med store kutt i bistand og økte midler til forsvar og helse i hele landet"
	m := &memLookup{}
	stored := m.add(cand("https://nrk.no/a", "Budsjett", body, t0))
	edited := cand("https://nrk.no/b", "Budsjett", body+" oppdatert", t0.Add(time.Hour))

	off, _ := NewResolver(m, Config{}).Resolve(context.Background(), edited)
	if off.Decision != New {
		t.Errorf("disabled near-dup: got %v", off.Decision)
	}
	on, _ := NewResolver(m, Config{NearDupThreshold: 0.8}).Resolve(context.Background(), edited)
	if on.Decision != Duplicate || on.Rule != RuleNearDup || on.ID != stored.ID {
		t.Errorf("enabled near-dup: got %+v", on)
	}
	other, _ := NewResolver(m, Config{NearDupThreshold: 0.8}).Resolve(context.Background(),
		cand("https://nrk.no/c", "Sport", "Norge vant gull i skiskyting etter en dramatisk avslutning på stadion", t0))
	if other.Decision != New {
		t.Errorf("unrelated text: got %v", other.Decision)
	}
}

func TestBatch_FirstSeenWins(t *testing.T) {
	// WHAT: Same URL twice in a batch with different bodies gives New then Update with one id.
	// WHY: The second version must overwrite the first row, not create another.
	r := NewResolver(&memLookup{}, Config{})
	b := r.NewBatch()
	ctx := context.Background()

	first, _ := b.Resolve(ctx, cand("https://nrk.no/a", "Storm", "v1", t0))
	second, _ := b.Resolve(ctx, cand("https://nrk.no/a", "Storm", "v2", t0))
	again, _ := b.Resolve(ctx, cand("https://nrk.no/a", "Storm", "v2", t0))
	if first.Decision != New || second.Decision != Update || again.Decision != Duplicate {
		t.Fatalf("decisions: %v %v %v", first.Decision, second.Decision, again.Decision)
	}
	if second.ID != first.ID || again.ID != first.ID {
		t.Errorf("ids: %s %s %s", first.ID, second.ID, again.ID)
	}

	rotated, _ := b.Resolve(ctx, cand("https://nrk.no/a-copy", "Storm", "v1", t0.Add(time.Hour)))
	if rotated.Decision != Duplicate || rotated.Rule != RuleSourceHash || rotated.ID != first.ID {
		t.Errorf("rotated in batch: %+v", rotated)
	}
}

func TestBatch_StoreURLBeforeBatchHash(t *testing.T) {
	// WHAT: A stored URL match takes precedence over an in-batch content match.
	// WHY: Rule order is the same inside and outside a batch.
	m := &memLookup{}
	stored := m.add(cand("https://nrk.no/old", "Gammel", "tekst", t0))
	b := NewResolver(m, Config{}).NewBatch()
	ctx := context.Background()

	b.Resolve(ctx, cand("https://nrk.no/new", "Storm", "v1", t0))
	res, _ := b.Resolve(ctx, cand("https://nrk.no/old", "Storm", "v1", t0))
	if res.Decision != Update || res.ID != stored.ID {
		t.Errorf("got %+v, want update of %s", res, stored.ID)
	}
}

func TestBatch_Deterministic(t *testing.T) {
	batch := []source.Candidate{
		cand("https://nrk.no/a", "A", "x", t0),
		cand("https://nrk.no/b", "A", "x", t0),
		cand("https://nrk.no/a", "A", "y", t0),
	}
	run := func() []Resolution {
		b := NewResolver(&memLookup{}, Config{}).NewBatch()
		var out []Resolution
		for _, c := range batch {
			res, _ := b.Resolve(context.Background(), c)
			out = append(out, res)
		}
		return out
	}
	a, c := run(), run()
	for i := range a {
		if a[i] != c[i] {
			t.Errorf("item %d: %+v vs %+v", i, a[i], c[i])
		}
	}
}

func TestSignature_Similarity(t *testing.T) {
	s := Sign("en to tre fire fem seks sju", 3)
	if got := s.Similarity(s); got != 1 {
		t.Errorf("self similarity: %v", got)
	}
	short := Sign("hei", 3)
	if short.Similarity(Sign("HEI", 3)) != 1 {
		t.Error("short text not normalized")
	}
	if d := s.Similarity(Sign("helt annen tekst om noe annet her", 3)); d > 0.2 {
		t.Errorf("unrelated similarity too high: %v", d)
	}
}

func TestSignature_StableAndCloseForSmallEdits(t *testing.T) {
	// WHAT: Signatures are identical across calls and stay close when one word changes.
	// WHY: Stored articles are re-signed every cycle and compared with fresh candidates.
	text := "Regjeringen la i dag fram statsbudsjettet for neste år med store kutt i bistand og økte overføringer til kommunene over hele landet etter press fra opposisjonen"
	edited := strings.Replace(text, "store kutt", "betydelige kutt", 1)

	a, b := Sign(text, 3), Sign(text, 3)
	if len(a) != minhashSize {
		t.Fatalf("signature length: got %d, want %d", len(a), minhashSize)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("slot %d differs between calls", i)
		}
	}
	if got := a.Similarity(Sign(edited, 3)); got < 0.6 || got == 1 {
		t.Errorf("similarity after one-word edit: %v", got)
	}
}
