package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/CVDpl/go-bulkindex/internal/common"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/keys"
)

func TestMetricsRecordBuild(t *testing.T) {
	m := New("")

	p := m.StartBuild("users_idx")
	if got := testutil.ToFloat64(m.BuildsInProgress); got != 1 {
		t.Errorf("builds in progress = %v, want 1", got)
	}

	p.Hit()
	p.Hit()
	p.Finished()

	result := &bulkindex.Result{KeysCommitted: 2}
	p.Done(result, nil)
	p.Done(result, nil) // second call must be a no-op

	if got := testutil.ToFloat64(m.KeysProcessedTotal.WithLabelValues("users_idx")); got != 2 {
		t.Errorf("keys processed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BuildsInProgress); got != 0 {
		t.Errorf("builds in progress after done = %v, want 0", got)
	}
	if got := testutil.CollectAndCount(m.BuildDurationSeconds); got != 1 {
		t.Errorf("duration series = %d, want 1", got)
	}
}

func TestMetricsOutcomeAndHandler(t *testing.T) {
	m := New("custom")

	p := m.StartBuild("bad_idx")
	p.Done(nil, fmt.Errorf("simulated failure"))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read scrape body: %v", err)
	}

	text := string(body)
	if !strings.Contains(text, "custom_build_duration_seconds") {
		t.Error("namespaced duration metric missing from scrape")
	}
	if !strings.Contains(text, `outcome="failure"`) {
		t.Error("failure outcome missing from scrape")
	}
}

func TestMetricsEndToEndBuild(t *testing.T) {
	dir := t.TempDir()
	m := New("")
	p := m.StartBuild("k_idx")

	opts := &bulkindex.Options{
		Logger:        common.NewNullLogger(),
		IndexDir:      filepath.Join(dir, "index"),
		AllowSpill:    true,
		MemoryCeiling: 1, // force a spill per insert
		Progress:      p,
	}
	b, err := bulkindex.New(bulkindex.IndexConfig{
		Name:   "k_idx",
		Fields: []bulkindex.FieldSpec{{Path: "k"}},
		Unique: true,
	}, opts)
	if err != nil {
		t.Fatalf("failed to create builder: %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	for loc := uint64(1); loc <= 10; loc++ {
		data, _ := json.Marshal(map[string]interface{}{"k": fmt.Sprintf("key-%d", loc%5)})
		doc := bulkindex.Document{Loc: keys.Location(loc), Data: data}
		if err := b.Insert(ctx, doc); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}

	result, err := b.Commit(ctx)
	p.Done(result, err)
	if err == nil {
		t.Fatal("expected duplicate rejection")
	}

	if got := testutil.ToFloat64(m.BuildsInProgress); got != 0 {
		t.Errorf("builds in progress = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.KeysProcessedTotal.WithLabelValues("k_idx")); got < 1 {
		t.Errorf("keys processed = %v, want at least 1", got)
	}
}
