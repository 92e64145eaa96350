package bulkindex

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/CVDpl/go-bulkindex/internal/common"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/catalog"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/extsort"
)

func testCatalog(t *testing.T, dir string) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(dir, "catalog"), common.NewNullLogger())
	if err != nil {
		t.Fatalf("failed to open catalog: %v", err)
	}
	return cat
}

func TestBuildIndexPublishesCatalog(t *testing.T) {
	dir := t.TempDir()
	cat := testCatalog(t, dir)
	opts := testOptions(dir)

	docs := []Document{
		jsonDoc(t, 1, map[string]interface{}{"tags": []interface{}{"x", "y"}}),
		jsonDoc(t, 2, map[string]interface{}{"tags": "z"}),
	}
	cfg := IndexConfig{Name: "tags_idx", Fields: []FieldSpec{{Path: "tags"}}}

	result, err := BuildIndex(context.Background(), cat, NewSliceSource(docs), cfg, opts)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if result.KeysCommitted != 3 {
		t.Errorf("committed = %d, want 3", result.KeysCommitted)
	}

	meta, err := cat.GetIndex("tags_idx")
	if err != nil {
		t.Fatalf("index missing from catalog: %v", err)
	}
	if !meta.Ready {
		t.Error("index not marked ready")
	}
	if !meta.Multikey {
		t.Error("multikey flag not recorded")
	}
	if meta.Head == nil || *meta.Head != result.Tree {
		t.Errorf("catalog head = %+v, want %+v", meta.Head, result.Tree)
	}
	if len(meta.Spec) == 0 {
		t.Error("index spec not recorded")
	}

	tree := openTree(t, opts.IndexDir)
	if tree.Ref() != result.Tree {
		t.Errorf("tree ref = %+v, want %+v", tree.Ref(), result.Tree)
	}
}

func TestBuildIndexFailureLeavesNotReady(t *testing.T) {
	dir := t.TempDir()
	cat := testCatalog(t, dir)
	opts := testOptions(dir)

	docs := []Document{
		jsonDoc(t, 1, map[string]interface{}{"k": "dup"}),
		jsonDoc(t, 2, map[string]interface{}{"k": "dup"}),
	}
	cfg := IndexConfig{Name: "uniq_idx", Fields: []FieldSpec{{Path: "k"}}, Unique: true}

	_, err := BuildIndex(context.Background(), cat, NewSliceSource(docs), cfg, opts)
	if !errors.Is(err, common.ErrDuplicateKey) {
		t.Fatalf("build error = %v, want ErrDuplicateKey", err)
	}

	meta, err := cat.GetIndex("uniq_idx")
	if err != nil {
		t.Fatalf("registration missing after failed build: %v", err)
	}
	if meta.Ready {
		t.Error("failed build left index marked ready")
	}
	if meta.Head != nil {
		t.Error("failed build recorded a head")
	}
}

type failingSource struct {
	after int
	pos   int
	err   error
}

func (s *failingSource) Next(ctx context.Context) bool {
	if s.pos >= s.after {
		s.err = fmt.Errorf("simulated read failure")
		return false
	}
	s.pos++
	return true
}

func (s *failingSource) Doc() Document {
	return Document{Loc: 1, Data: []byte(`{"k": "v"}`)}
}

func (s *failingSource) Err() error   { return s.err }
func (s *failingSource) Close() error { return nil }

func TestBuildIndexSourceError(t *testing.T) {
	dir := t.TempDir()
	cat := testCatalog(t, dir)

	cfg := IndexConfig{Name: "idx", Fields: []FieldSpec{{Path: "k"}}}
	_, err := BuildIndex(context.Background(), cat, &failingSource{after: 2}, cfg, testOptions(dir))
	if err == nil {
		t.Fatal("expected source failure to propagate")
	}

	meta, err := cat.GetIndex("idx")
	if err != nil {
		t.Fatalf("registration missing: %v", err)
	}
	if meta.Ready {
		t.Error("index marked ready despite source failure")
	}
}

func TestBuildIndexSharedController(t *testing.T) {
	dir := t.TempDir()
	cat := testCatalog(t, dir)

	ctrl := extsort.NewController(extsort.ControllerConfig{
		MemoryBudgetBytes:   1 << 20,
		MaxConcurrentBuilds: 2,
	})

	docs := make([]Document, 100)
	for i := range docs {
		docs[i] = jsonDoc(t, uint64(i+1), map[string]interface{}{"k": fmt.Sprintf("key-%03d", i)})
	}

	for _, name := range []string{"first_idx", "second_idx"} {
		opts := testOptions(dir)
		opts.IndexDir = filepath.Join(dir, name)
		opts.Controller = ctrl
		cfg := IndexConfig{Name: name, Fields: []FieldSpec{{Path: "k"}}}
		if _, err := BuildIndex(context.Background(), cat, NewSliceSource(docs), cfg, opts); err != nil {
			t.Fatalf("build %s failed: %v", name, err)
		}
	}

	if got := ctrl.MemoryUsage(); got != 0 {
		t.Errorf("memory still reserved after builds: %d", got)
	}
	if got := len(cat.ListIndexes()); got != 2 {
		t.Errorf("catalog has %d indexes, want 2", got)
	}
}

func TestBuildIndexRebuild(t *testing.T) {
	dir := t.TempDir()
	cat := testCatalog(t, dir)

	cfg := IndexConfig{Name: "idx", Fields: []FieldSpec{{Path: "k"}}}
	docsV1 := []Document{jsonDoc(t, 1, map[string]interface{}{"k": "a"})}
	docsV2 := []Document{
		jsonDoc(t, 1, map[string]interface{}{"k": "a"}),
		jsonDoc(t, 2, map[string]interface{}{"k": "b"}),
	}

	opts := testOptions(dir)
	if _, err := BuildIndex(context.Background(), cat, NewSliceSource(docsV1), cfg, opts); err != nil {
		t.Fatalf("initial build failed: %v", err)
	}

	// Rebuilding into a fresh directory reuses the existing registration.
	opts2 := testOptions(dir)
	opts2.IndexDir = filepath.Join(dir, "index-v2")
	result, err := BuildIndex(context.Background(), cat, NewSliceSource(docsV2), cfg, opts2)
	if err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}

	meta, err := cat.GetIndex("idx")
	if err != nil {
		t.Fatalf("index missing: %v", err)
	}
	if meta.Head == nil || meta.Head.Entries != result.Tree.Entries {
		t.Errorf("catalog head not updated: %+v", meta.Head)
	}
	if got := len(cat.ListIndexes()); got != 1 {
		t.Errorf("catalog has %d indexes after rebuild, want 1", got)
	}
}
