package catalog

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/CVDpl/go-bulkindex/internal/common"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/btree"
)

func openCatalog(t *testing.T, dir string) *Catalog {
	t.Helper()
	c, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("failed to open catalog: %v", err)
	}
	return c
}

func generationCount(t *testing.T, dir string) int {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "catalog-*.json"))
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	return len(files)
}

func TestCatalogCreateAndReload(t *testing.T) {
	dir := t.TempDir()

	c := openCatalog(t, dir)
	if got := c.CurrentSeq(); got != 1 {
		t.Fatalf("fresh catalog seq = %d, want 1", got)
	}

	spec, _ := json.Marshal(map[string]string{"field": "user.email"})
	if err := c.AddIndex(IndexMeta{Name: "email_idx", Spec: spec}); err != nil {
		t.Fatalf("failed to add index: %v", err)
	}
	if err := c.AddIndex(IndexMeta{Name: "age_idx"}); err != nil {
		t.Fatalf("failed to add second index: %v", err)
	}
	ref := btree.Ref{RootPage: 7, Pages: 9, Entries: 1234}
	if err := c.SetIndexHead("email_idx", ref); err != nil {
		t.Fatalf("failed to set head: %v", err)
	}
	if err := c.MarkIndexReady("email_idx"); err != nil {
		t.Fatalf("failed to mark ready: %v", err)
	}
	seq := c.CurrentSeq()

	reopened := openCatalog(t, dir)
	if got := reopened.CurrentSeq(); got != seq {
		t.Fatalf("reloaded seq = %d, want %d", got, seq)
	}
	m, err := reopened.GetIndex("email_idx")
	if err != nil {
		t.Fatalf("failed to get index after reload: %v", err)
	}
	if !m.Ready {
		t.Error("index not ready after reload")
	}
	if m.Head == nil || *m.Head != ref {
		t.Errorf("head = %+v, want %+v", m.Head, ref)
	}
	if string(m.Spec) != string(spec) {
		t.Errorf("spec = %s, want %s", m.Spec, spec)
	}
	if got := len(reopened.ListIndexes()); got != 2 {
		t.Errorf("index count after reload = %d, want 2", got)
	}
}

func TestCatalogAddDuplicateName(t *testing.T) {
	dir := t.TempDir()
	c := openCatalog(t, dir)

	if err := c.AddIndex(IndexMeta{Name: "dup"}); err != nil {
		t.Fatalf("first add failed: %v", err)
	}
	seq := c.CurrentSeq()
	files := generationCount(t, dir)

	if err := c.AddIndex(IndexMeta{Name: "dup"}); err == nil {
		t.Fatal("expected error adding index with duplicate name")
	}
	if got := c.CurrentSeq(); got != seq {
		t.Errorf("seq changed on failed update: %d, want %d", got, seq)
	}
	if got := generationCount(t, dir); got != files {
		t.Errorf("generation count changed on failed update: %d, want %d", got, files)
	}
}

func TestCatalogReadyRequiresHead(t *testing.T) {
	c := openCatalog(t, t.TempDir())
	if err := c.AddIndex(IndexMeta{Name: "idx"}); err != nil {
		t.Fatalf("failed to add index: %v", err)
	}

	err := c.MarkIndexReady("idx")
	if !errors.Is(err, common.ErrNoIndexHead) {
		t.Fatalf("error = %v, want ErrNoIndexHead", err)
	}
	m, err := c.GetIndex("idx")
	if err != nil {
		t.Fatalf("failed to get index: %v", err)
	}
	if m.Ready {
		t.Error("index marked ready despite missing head")
	}

	if err := c.SetIndexHead("idx", btree.Ref{RootPage: 1, Pages: 2, Entries: 5}); err != nil {
		t.Fatalf("failed to set head: %v", err)
	}
	if err := c.MarkIndexReady("idx"); err != nil {
		t.Fatalf("failed to mark ready once head exists: %v", err)
	}
}

func TestCatalogUnknownIndex(t *testing.T) {
	c := openCatalog(t, t.TempDir())

	if err := c.SetMultikey("ghost"); !errors.Is(err, common.ErrIndexNotFound) {
		t.Errorf("SetMultikey error = %v, want ErrIndexNotFound", err)
	}
	if err := c.SetIndexHead("ghost", btree.Ref{}); !errors.Is(err, common.ErrIndexNotFound) {
		t.Errorf("SetIndexHead error = %v, want ErrIndexNotFound", err)
	}
	if _, err := c.GetIndex("ghost"); !errors.Is(err, common.ErrIndexNotFound) {
		t.Errorf("GetIndex error = %v, want ErrIndexNotFound", err)
	}
}

func TestCatalogMultikeyMonotonic(t *testing.T) {
	c := openCatalog(t, t.TempDir())
	if err := c.AddIndex(IndexMeta{Name: "tags"}); err != nil {
		t.Fatalf("failed to add index: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := c.SetMultikey("tags"); err != nil {
			t.Fatalf("SetMultikey call %d failed: %v", i+1, err)
		}
	}
	m, err := c.GetIndex("tags")
	if err != nil {
		t.Fatalf("failed to get index: %v", err)
	}
	if !m.Multikey {
		t.Error("multikey flag not set")
	}
}

func TestCatalogSupersededGenerationRemoved(t *testing.T) {
	dir := t.TempDir()
	c := openCatalog(t, dir)

	for _, name := range []string{"a", "b", "c"} {
		if err := c.AddIndex(IndexMeta{Name: name}); err != nil {
			t.Fatalf("failed to add index %q: %v", name, err)
		}
	}
	if got := generationCount(t, dir); got != 1 {
		t.Errorf("generation files on disk = %d, want 1", got)
	}
}

func TestCatalogSurvivesMissingCurrent(t *testing.T) {
	dir := t.TempDir()
	c := openCatalog(t, dir)
	if err := c.AddIndex(IndexMeta{Name: "idx"}); err != nil {
		t.Fatalf("failed to add index: %v", err)
	}
	seq := c.CurrentSeq()

	if err := os.Remove(filepath.Join(dir, common.FileCurrent)); err != nil {
		t.Fatalf("failed to remove CURRENT: %v", err)
	}

	reopened := openCatalog(t, dir)
	if got := reopened.CurrentSeq(); got != seq {
		t.Fatalf("seq without CURRENT = %d, want %d", got, seq)
	}
	if _, err := reopened.GetIndex("idx"); err != nil {
		t.Errorf("index lost without CURRENT: %v", err)
	}
}

func TestCatalogQuarantinesCorruptGeneration(t *testing.T) {
	dir := t.TempDir()
	c := openCatalog(t, dir)
	if err := c.AddIndex(IndexMeta{Name: "idx"}); err != nil {
		t.Fatalf("failed to add index: %v", err)
	}
	seq := c.CurrentSeq()

	// Simulate a torn write of the next generation that CURRENT already
	// points at.
	badName := "catalog-000099.json"
	badPath := filepath.Join(dir, badName)
	if err := os.WriteFile(badPath, []byte("{\"seq\": 99, truncated"), 0644); err != nil {
		t.Fatalf("failed to plant corrupt generation: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, common.FileCurrent), []byte(badName+"\n"), 0644); err != nil {
		t.Fatalf("failed to rewrite CURRENT: %v", err)
	}

	reopened := openCatalog(t, dir)
	if got := reopened.CurrentSeq(); got != seq {
		t.Fatalf("seq after corrupt generation = %d, want %d", got, seq)
	}
	if _, err := os.Stat(badPath); !os.IsNotExist(err) {
		t.Error("corrupt generation still present under original name")
	}
	if _, err := os.Stat(badPath + ".corrupt"); err != nil {
		t.Errorf("quarantined file missing: %v", err)
	}
}

func TestLoadVersionWithoutCatalog(t *testing.T) {
	_, err := LoadVersion(t.TempDir())
	if !errors.Is(err, common.ErrCatalogNotFound) {
		t.Fatalf("error = %v, want ErrCatalogNotFound", err)
	}
}
