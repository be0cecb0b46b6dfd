package observability

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/newsagg/dbopen"
)

func setupObsDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
}

func TestInit_CreatesAllTables(t *testing.T) {
	db := setupObsDB(t)
	for _, table := range []string{"metrics_timeseries", "source_events"} {
		var count int
		db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if count != 1 {
			t.Fatalf("table %s not found", table)
		}
	}
	if err := Init(db); err != nil {
		t.Fatalf("Init on existing schema: %v", err)
	}
}

func TestMetricsManager_RecordAndQuery(t *testing.T) {
	// WHAT: Buffered metrics are persisted on Close and readable with labels.
	// WHY: Cycle reports are only inspectable after the buffer is flushed.
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 100, time.Hour, nil)

	mm.Record(&Metric{
		Name:   MetricArticlesNew,
		Value:  7,
		Unit:   "count",
		Labels: map[string]string{"cycle": "cyc_1"},
	})
	mm.Record(&Metric{Name: MetricCycleDurationMs, Value: 120, Unit: "milliseconds"})
	mm.Close()

	got, err := mm.Query(context.Background(), MetricQuery{Name: MetricArticlesNew, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("%s count: got %d, want 1", MetricArticlesNew, len(got))
	}
	if got[0].Value != 7 {
		t.Errorf("value: got %f, want 7", got[0].Value)
	}
	if got[0].Labels["cycle"] != "cyc_1" {
		t.Errorf("labels: got %v", got[0].Labels)
	}

	all, err := mm.Query(context.Background(), MetricQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("all metrics: got %d, want 2", len(all))
	}
}

func TestMetricsManager_FlushOnBufferFull(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 2, time.Hour, nil)
	defer mm.Close()

	mm.Record(&Metric{Name: "a", Value: 1})
	mm.Record(&Metric{Name: "b", Value: 2})

	var n int
	db.QueryRow("SELECT COUNT(*) FROM metrics_timeseries").Scan(&n)
	if n != 2 {
		t.Fatalf("rows after full buffer: got %d, want 2", n)
	}
}

func TestMetricsManager_CloseTwice(t *testing.T) {
	mm := NewMetricsManager(setupObsDB(t), 10, time.Hour, nil)
	mm.Close()
	mm.Close()
}

func TestMetricsManager_QuerySince(t *testing.T) {
	db := setupObsDB(t)
	mm := NewMetricsManager(db, 1, time.Hour, nil)
	defer mm.Close()

	mm.Record(&Metric{Name: MetricSourcesFailed, Value: 1, Timestamp: time.Now().Add(-72 * time.Hour)})
	mm.Record(&Metric{Name: MetricSourcesFailed, Value: 2})

	got, err := mm.Query(context.Background(), MetricQuery{Name: MetricSourcesFailed, Since: time.Now().Add(-time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Value != 2 {
		t.Errorf("since filter: got %d rows", len(got))
	}
}

func TestEventLogger_LogAndRecent(t *testing.T) {
	// WHAT: Events are listed newest first and filtered by source.
	// WHY: Operators read the source history when a feed was auto-disabled.
	db := setupObsDB(t)
	ids := []string{"evt_1", "evt_2", "evt_3"}
	i := 0
	l := NewEventLogger(db, WithEventIDGenerator(func() string { i++; return ids[i-1] }))
	ctx := context.Background()

	l.Log(ctx, "nrk", EventAutoDisabled, "5 consecutive failures")
	l.Log(ctx, "vg", EventEnabled, "")
	l.Log(ctx, "nrk", EventProbeRecovered, "status 200")

	got, err := l.Recent(ctx, "nrk", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("nrk events: got %d, want 2", len(got))
	}
	for _, e := range got {
		if e.Source != "nrk" {
			t.Errorf("unexpected source %q", e.Source)
		}
	}

	all, _ := l.Recent(ctx, "", 0)
	if len(all) != 3 {
		t.Errorf("all events: got %d, want 3", len(all))
	}
}

func TestCleanup_Retention(t *testing.T) {
	// WHAT: Rows older than each table's retention are deleted; zero days keeps everything.
	// WHY: The retention loop runs hourly against a database that only grows otherwise.
	db := setupObsDB(t)
	old := time.Now().Add(-10 * 24 * time.Hour).UnixMilli()
	now := time.Now().UnixMilli()
	db.Exec(`INSERT INTO source_events (event_id, source, event_type, created_at) VALUES ('e1','s','enabled',?), ('e2','s','enabled',?)`, old, now)
	db.Exec(`INSERT INTO metrics_timeseries (metric_name, timestamp, value) VALUES ('m',?,1), ('m',?,1)`, old, now)

	if err := Cleanup(context.Background(), db, RetentionConfig{EventsDays: 7}); err != nil {
		t.Fatal(err)
	}
	var events, metrics int
	db.QueryRow(`SELECT COUNT(*) FROM source_events`).Scan(&events)
	db.QueryRow(`SELECT COUNT(*) FROM metrics_timeseries`).Scan(&metrics)
	if events != 1 || metrics != 2 {
		t.Errorf("after cleanup: events=%d metrics=%d, want 1 and 2", events, metrics)
	}
}
