package extsort

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/CVDpl/go-bulkindex/internal/common"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/keys"
)

func testOrdering(t *testing.T) keys.Ordering {
	t.Helper()
	ord, err := keys.NewOrdering(keys.FormatV2, keys.Ascending)
	if err != nil {
		t.Fatalf("new ordering: %v", err)
	}
	return ord
}

func runName(seq int) string {
	return fmt.Sprintf(common.RunFilePattern, seq)
}

// TestMergeInterleavedRuns spreads a sorted sequence round-robin across
// three runs and checks the merge reassembles it exactly.
func TestMergeInterleavedRuns(t *testing.T) {
	dir := t.TempDir()
	ord := testOrdering(t)
	entries := sortedEntries(t, 900)

	var paths []string
	for r := 0; r < 3; r++ {
		var part []keys.Entry
		for i := r; i < len(entries); i += 3 {
			part = append(part, entries[i])
		}
		path := filepath.Join(dir, runName(r))
		writeTestRun(t, path, common.CodecZstd, part)
		paths = append(paths, path)
	}

	it, err := newMergeIterator(context.Background(), ord.Compare, paths, nil)
	if err != nil {
		t.Fatalf("new merge iterator: %v", err)
	}
	defer it.Close()

	ctx := context.Background()
	for i, want := range entries {
		if !it.Next(ctx) {
			t.Fatalf("merge ended early at %d: %v", i, it.Err())
		}
		got := it.Entry()
		if string(got.Key) != string(want.Key) || got.Loc != want.Loc {
			t.Fatalf("entry %d: got (%s, %d), want (%s, %d)",
				i, keys.Describe(got.Key), got.Loc, keys.Describe(want.Key), want.Loc)
		}
	}
	if it.Next(ctx) {
		t.Fatalf("merge produced extra entries")
	}
	if err := it.Err(); err != nil {
		t.Fatalf("merge error: %v", err)
	}
}

// TestMergePreservesDuplicates puts the same key in every run and checks
// that each occurrence survives the merge, ordered by location.
func TestMergePreservesDuplicates(t *testing.T) {
	dir := t.TempDir()
	ord := testOrdering(t)

	key, err := keys.Encode("shared")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	locs := []keys.Location{42, 7, 1000}
	var paths []string
	for i, loc := range locs {
		path := filepath.Join(dir, runName(i))
		writeTestRun(t, path, common.CodecNone, []keys.Entry{{Key: key, Loc: loc}})
		paths = append(paths, path)
	}

	it, err := newMergeIterator(context.Background(), ord.Compare, paths, nil)
	if err != nil {
		t.Fatalf("new merge iterator: %v", err)
	}
	defer it.Close()

	ctx := context.Background()
	var got []keys.Location
	for it.Next(ctx) {
		if string(it.Entry().Key) != string(key) {
			t.Fatalf("unexpected key %s", keys.Describe(it.Entry().Key))
		}
		got = append(got, it.Entry().Loc)
	}
	if err := it.Err(); err != nil {
		t.Fatalf("merge error: %v", err)
	}

	want := []keys.Location{7, 42, 1000}
	if len(got) != len(want) {
		t.Fatalf("merge dropped duplicates: got %d occurrences, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("occurrence %d at location %d, want %d", i, got[i], want[i])
		}
	}
}

// TestMergeSkipsEmptyRuns mixes an empty run in and expects it to be
// harmless.
func TestMergeSkipsEmptyRuns(t *testing.T) {
	dir := t.TempDir()
	ord := testOrdering(t)
	entries := sortedEntries(t, 50)

	p0 := filepath.Join(dir, runName(0))
	writeTestRun(t, p0, common.CodecNone, nil)
	p1 := filepath.Join(dir, runName(1))
	writeTestRun(t, p1, common.CodecNone, entries)

	it, err := newMergeIterator(context.Background(), ord.Compare, []string{p0, p1}, nil)
	if err != nil {
		t.Fatalf("new merge iterator: %v", err)
	}
	defer it.Close()

	ctx := context.Background()
	var n int
	for it.Next(ctx) {
		n++
	}
	if err := it.Err(); err != nil {
		t.Fatalf("merge error: %v", err)
	}
	if n != len(entries) {
		t.Fatalf("merged %d entries, want %d", n, len(entries))
	}
}

// TestMergeContextCanceled checks that cancellation surfaces through Err
// rather than looking like end of stream.
func TestMergeContextCanceled(t *testing.T) {
	dir := t.TempDir()
	ord := testOrdering(t)

	path := filepath.Join(dir, runName(0))
	writeTestRun(t, path, common.CodecNone, sortedEntries(t, 10))

	it, err := newMergeIterator(context.Background(), ord.Compare, []string{path}, nil)
	if err != nil {
		t.Fatalf("new merge iterator: %v", err)
	}
	defer it.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if it.Next(ctx) {
		t.Fatalf("Next succeeded under canceled context")
	}
	if it.Err() != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", it.Err())
	}
}
