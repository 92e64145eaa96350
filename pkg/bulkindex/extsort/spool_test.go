package extsort

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/CVDpl/go-bulkindex/internal/common"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/keys"
)

func shuffled(entries []keys.Entry, seed int64) []keys.Entry {
	out := make([]keys.Entry, len(entries))
	copy(out, entries)
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// drain exhausts an iterator and returns everything it produced.
func drain(t *testing.T, it Iterator) []keys.Entry {
	t.Helper()
	ctx := context.Background()
	var out []keys.Entry
	for it.Next(ctx) {
		out = append(out, it.Entry().Clone())
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterator error: %v", err)
	}
	if err := it.Close(); err != nil {
		t.Fatalf("close iterator: %v", err)
	}
	return out
}

func requireSameEntries(t *testing.T, got, want []keys.Entry) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if string(got[i].Key) != string(want[i].Key) || got[i].Loc != want[i].Loc {
			t.Fatalf("entry %d: got (%s, %d), want (%s, %d)",
				i, keys.Describe(got[i].Key), got[i].Loc, keys.Describe(want[i].Key), want[i].Loc)
		}
	}
}

// TestSpoolInMemorySortsAll feeds shuffled entries below the ceiling and
// expects the exact sorted sequence back without any disk activity.
func TestSpoolInMemorySortsAll(t *testing.T) {
	ord := testOrdering(t)
	want := sortedEntries(t, 1000)

	s, err := NewSpool(ord.Compare, &SpoolOptions{TempDir: t.TempDir(), AllowSpill: true})
	if err != nil {
		t.Fatalf("new spool: %v", err)
	}
	defer s.Cleanup()

	ctx := context.Background()
	for _, e := range shuffled(want, 1) {
		if err := s.Add(ctx, e); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	it, err := s.Finalize(ctx)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	requireSameEntries(t, drain(t, it), want)

	if s.Runs() != 0 {
		t.Fatalf("in-memory sort spilled %d runs", s.Runs())
	}
	if st := s.Stats(); st.EntriesAdded != 1000 || st.RunsSpilled != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

// TestSpoolSpillTransparency forces a spill on every entry with a one-byte
// ceiling and checks the output is identical to the in-memory path.
func TestSpoolSpillTransparency(t *testing.T) {
	ord := testOrdering(t)
	want := sortedEntries(t, 120)

	s, err := NewSpool(ord.Compare, &SpoolOptions{
		MemoryCeiling: 1,
		TempDir:       t.TempDir(),
		AllowSpill:    true,
		Compression:   common.CodecLZ4,
	})
	if err != nil {
		t.Fatalf("new spool: %v", err)
	}
	defer s.Cleanup()

	ctx := context.Background()
	for _, e := range shuffled(want, 2) {
		if err := s.Add(ctx, e); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if s.Runs() == 0 {
		t.Fatalf("one-byte ceiling never spilled")
	}

	it, err := s.Finalize(ctx)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	requireSameEntries(t, drain(t, it), want)
}

// TestSpoolSpillDisabled checks that crossing the ceiling without spill
// permission fails the build instead of writing runs.
func TestSpoolSpillDisabled(t *testing.T) {
	ord := testOrdering(t)
	dir := t.TempDir()

	s, err := NewSpool(ord.Compare, &SpoolOptions{
		MemoryCeiling: 64,
		TempDir:       dir,
		AllowSpill:    false,
	})
	if err != nil {
		t.Fatalf("new spool: %v", err)
	}
	defer s.Cleanup()

	ctx := context.Background()
	var sawErr error
	for _, e := range sortedEntries(t, 100) {
		if err := s.Add(ctx, e); err != nil {
			sawErr = err
			break
		}
	}
	if !errors.Is(sawErr, common.ErrSpillDisabled) {
		t.Fatalf("expected ErrSpillDisabled, got %v", sawErr)
	}
	if s.Runs() != 0 {
		t.Fatalf("spool wrote runs with spilling disabled")
	}
}

// TestSpoolFinalizeOnce verifies the accepting phase cannot be reopened.
func TestSpoolFinalizeOnce(t *testing.T) {
	ord := testOrdering(t)

	s, err := NewSpool(ord.Compare, &SpoolOptions{TempDir: t.TempDir(), AllowSpill: true})
	if err != nil {
		t.Fatalf("new spool: %v", err)
	}
	defer s.Cleanup()

	ctx := context.Background()
	if err := s.Add(ctx, sortedEntries(t, 1)[0]); err != nil {
		t.Fatalf("add: %v", err)
	}
	it, err := s.Finalize(ctx)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	defer it.Close()

	if _, err := s.Finalize(ctx); !errors.Is(err, common.ErrSpoolFinalized) {
		t.Fatalf("second finalize: expected ErrSpoolFinalized, got %v", err)
	}
	if err := s.Add(ctx, sortedEntries(t, 1)[0]); !errors.Is(err, common.ErrSpoolFinalized) {
		t.Fatalf("add after finalize: expected ErrSpoolFinalized, got %v", err)
	}
}

// TestSpoolCleanupRemovesRuns spills, merges, then checks Cleanup leaves
// nothing on disk and tolerates being called again.
func TestSpoolCleanupRemovesRuns(t *testing.T) {
	ord := testOrdering(t)
	dir := t.TempDir()
	spillDir := filepath.Join(dir, "spool")

	s, err := NewSpool(ord.Compare, &SpoolOptions{
		MemoryCeiling: 256,
		TempDir:       spillDir,
		AllowSpill:    true,
	})
	if err != nil {
		t.Fatalf("new spool: %v", err)
	}

	ctx := context.Background()
	for _, e := range sortedEntries(t, 200) {
		if err := s.Add(ctx, e); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if s.Runs() == 0 {
		t.Fatalf("expected spilled runs")
	}

	it, err := s.Finalize(ctx)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	drain(t, it)

	s.Cleanup()
	if _, err := os.Stat(spillDir); !os.IsNotExist(err) {
		t.Fatalf("spill directory still present after cleanup: %v", err)
	}
	s.Cleanup() // second call must be a no-op

	// Cleanup before Finalize is equally valid.
	s2, err := NewSpool(ord.Compare, &SpoolOptions{TempDir: filepath.Join(dir, "spool2"), AllowSpill: true})
	if err != nil {
		t.Fatalf("new spool: %v", err)
	}
	if err := s2.Add(ctx, sortedEntries(t, 1)[0]); err != nil {
		t.Fatalf("add: %v", err)
	}
	s2.Cleanup()
	s2.Cleanup()
}

// TestSpoolRejectsInvalidEntries covers the empty and oversized key guards.
func TestSpoolRejectsInvalidEntries(t *testing.T) {
	ord := testOrdering(t)

	s, err := NewSpool(ord.Compare, &SpoolOptions{TempDir: t.TempDir(), AllowSpill: true})
	if err != nil {
		t.Fatalf("new spool: %v", err)
	}
	defer s.Cleanup()

	ctx := context.Background()
	if err := s.Add(ctx, keys.Entry{Key: nil, Loc: 1}); !errors.Is(err, common.ErrEmptyKey) {
		t.Fatalf("empty key: expected ErrEmptyKey, got %v", err)
	}

	huge := keys.Entry{Key: make([]byte, common.MaxKeySize+1), Loc: 1}
	if err := s.Add(ctx, huge); !errors.Is(err, common.ErrKeyTooLarge) {
		t.Fatalf("oversized key: expected ErrKeyTooLarge, got %v", err)
	}
}

// TestSpoolDuplicatesSurviveSpill adds one key five times across spills and
// expects all five back, ordered by location.
func TestSpoolDuplicatesSurviveSpill(t *testing.T) {
	ord := testOrdering(t)

	key, err := keys.Encode("dup")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	s, err := NewSpool(ord.Compare, &SpoolOptions{
		MemoryCeiling: 1,
		TempDir:       t.TempDir(),
		AllowSpill:    true,
	})
	if err != nil {
		t.Fatalf("new spool: %v", err)
	}
	defer s.Cleanup()

	ctx := context.Background()
	for _, loc := range []keys.Location{4, 2, 0, 3, 1} {
		if err := s.Add(ctx, keys.Entry{Key: key, Loc: loc}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	it, err := s.Finalize(ctx)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	got := drain(t, it)

	if len(got) != 5 {
		t.Fatalf("got %d entries, want 5", len(got))
	}
	for i, e := range got {
		if string(e.Key) != string(key) || e.Loc != keys.Location(i) {
			t.Fatalf("entry %d: got (%s, %d), want (%s, %d)", i, keys.Describe(e.Key), e.Loc, keys.Describe(key), i)
		}
	}
}

// TestSpoolSharedBudget runs a spool under a small shared memory budget and
// checks refusals turn into spills, results stay correct, and the
// reservation drains to zero after cleanup.
func TestSpoolSharedBudget(t *testing.T) {
	ord := testOrdering(t)
	want := sortedEntries(t, 400)

	ctrl := NewController(ControllerConfig{MemoryBudgetBytes: 2048})
	s, err := NewSpool(ord.Compare, &SpoolOptions{
		TempDir:    t.TempDir(),
		AllowSpill: true,
		Controller: ctrl,
	})
	if err != nil {
		t.Fatalf("new spool: %v", err)
	}

	ctx := context.Background()
	for _, e := range shuffled(want, 3) {
		if err := s.Add(ctx, e); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if s.Runs() == 0 {
		t.Fatalf("budget refusals never triggered a spill")
	}

	it, err := s.Finalize(ctx)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	requireSameEntries(t, drain(t, it), want)

	s.Cleanup()
	if used := ctrl.MemoryUsage(); used != 0 {
		t.Fatalf("controller still holds %d bytes after cleanup", used)
	}
}

// TestSpoolConfigValidation checks constructor rejection paths.
func TestSpoolConfigValidation(t *testing.T) {
	if _, err := NewSpool(nil, nil); !errors.Is(err, common.ErrInvalidConfig) {
		t.Fatalf("nil comparator: expected ErrInvalidConfig, got %v", err)
	}

	ord := testOrdering(t)
	if _, err := NewSpool(ord.Compare, &SpoolOptions{Compression: 99}); !errors.Is(err, common.ErrInvalidConfig) {
		t.Fatalf("bad codec: expected ErrInvalidConfig, got %v", err)
	}
}

// TestSpoolIteratorContextCanceled checks the in-memory iterator honors
// cancellation.
func TestSpoolIteratorContextCanceled(t *testing.T) {
	ord := testOrdering(t)

	s, err := NewSpool(ord.Compare, &SpoolOptions{TempDir: t.TempDir(), AllowSpill: true})
	if err != nil {
		t.Fatalf("new spool: %v", err)
	}
	defer s.Cleanup()

	ctx := context.Background()
	for _, e := range sortedEntries(t, 10) {
		if err := s.Add(ctx, e); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	it, err := s.Finalize(ctx)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	defer it.Close()

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	if it.Next(canceled) {
		t.Fatalf("Next succeeded under canceled context")
	}
	if it.Err() != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", it.Err())
	}
}
