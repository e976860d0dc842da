package offline

import (
	"context"
	"encoding/json"
	"testing"
)

func TestQuotaStatsReportsUsage(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	queue := NewQueue(store, DefaultRetryPolicy())

	if err := store.Put(ctx, Record{EntityType: "pets", EntityID: "7", Payload: json.RawMessage(`{"name":"Rex"}`)}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Put(ctx, Record{EntityType: "appointments", EntityID: "3", Payload: json.RawMessage(`{"time":"09:00"}`)}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := queue.Enqueue(ctx, "pets", "8", OpCreate, json.RawMessage(`{}`), nil, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	qm := NewQuotaManager(store, queue, nil, 1<<20, nil)
	stats, err := qm.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalUsage <= 0 {
		t.Fatalf("usage = %d, want > 0", stats.TotalUsage)
	}
	if stats.EntityCounts["pets"] != 1 || stats.EntityCounts["appointments"] != 1 {
		t.Fatalf("entity counts = %v", stats.EntityCounts)
	}
	if stats.PendingOperations != 1 {
		t.Fatalf("pending operations = %d, want 1", stats.PendingOperations)
	}
	if stats.Warn != WarnNone {
		t.Fatalf("warn = %s at %.1f%%, want none", stats.Warn, stats.PercentUsed)
	}
}

func TestQuotaWarnLevels(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	queue := NewQueue(store, DefaultRetryPolicy())

	if err := store.Put(ctx, Record{EntityType: "pets", EntityID: "7", Payload: json.RawMessage(`{"notes":"boarding, vaccinations, dental history"}`)}); err != nil {
		t.Fatalf("put: %v", err)
	}
	usage, err := store.EstimateSize(ctx)
	if err != nil || usage == 0 {
		t.Fatalf("size = (%d, %v)", usage, err)
	}

	cases := []struct {
		name  string
		quota int64
		want  WarnLevel
	}{
		{"well under budget", usage * 10, WarnNone},
		{"above soft threshold", usage * 100 / 90, WarnSoft},
		{"above hard threshold", usage, WarnHard},
	}
	for _, c := range cases {
		qm := NewQuotaManager(store, queue, nil, c.quota, nil)
		stats, err := qm.Stats(ctx)
		if err != nil {
			t.Fatalf("%s: stats: %v", c.name, err)
		}
		if stats.Warn != c.want {
			t.Errorf("%s: warn = %s at %.1f%%, want %s", c.name, stats.Warn, stats.PercentUsed, c.want)
		}
	}
}

func TestQuotaNeverEvicts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	queue := NewQueue(store, DefaultRetryPolicy())

	if err := store.Put(ctx, Record{EntityType: "pets", EntityID: "7", Payload: json.RawMessage(`{"name":"Rex"}`)}); err != nil {
		t.Fatalf("put: %v", err)
	}

	// Even at hard pressure, Stats only reports; data stays put.
	qm := NewQuotaManager(store, queue, nil, 1, nil)
	stats, err := qm.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Warn != WarnHard {
		t.Fatalf("warn = %s, want hard with a 1-byte budget", stats.Warn)
	}
	if rec, _ := store.Get(ctx, "pets", "7"); rec == nil {
		t.Fatal("storage pressure evicted data")
	}
}

func TestClearAllDataWipesTenant(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	queue := NewQueue(store, DefaultRetryPolicy())

	if err := store.Put(ctx, Record{EntityType: "pets", EntityID: "7", Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := queue.Enqueue(ctx, "pets", "8", OpCreate, json.RawMessage(`{}`), nil, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	qm := NewQuotaManager(store, queue, nil, 0, nil)
	if err := qm.ClearAllData(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}

	if rec, _ := store.Get(ctx, "pets", "7"); rec != nil {
		t.Fatal("record survived wipe")
	}
	stats, _ := queue.Stats(ctx)
	if stats.Total != 0 {
		t.Fatalf("queue survived wipe: %+v", stats)
	}
}
