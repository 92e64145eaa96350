// Package extsort turns an unbounded stream of index entries into one
// ascending iterator using bounded memory: entries buffer in memory up to a
// ceiling, overflow spills as sorted runs to temporary storage, and
// finalization merges the runs back into a single ordered pass.
package extsort

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/CVDpl/go-bulkindex/internal/common"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/keys"
)

// Iterator is a single-pass, forward-only cursor over sorted entries.
type Iterator interface {
	// Next advances to the next entry. It returns false at the end of the
	// stream or on error; Err distinguishes the two.
	Next(ctx context.Context) bool

	// Entry returns the current entry. Valid until the following Next call.
	Entry() keys.Entry

	// Err returns the first error encountered, if any.
	Err() error

	// Close releases the iterator's readers. It does not delete run files;
	// the owning Spool's Cleanup does.
	Close() error
}

// SpoolOptions configures a Spool.
type SpoolOptions struct {
	// MemoryCeiling is the buffered-bytes threshold that forces a spill.
	// Defaults to common.DefaultMemoryCeiling.
	MemoryCeiling int64

	// TempDir is the directory runs spill into. The Spool owns the
	// directory's contents. Defaults to a fresh directory under os.TempDir.
	TempDir string

	// AllowSpill permits writing runs at all. When false, crossing the
	// ceiling fails the build instead.
	AllowSpill bool

	// Compression selects the run block codec: common.CodecNone, CodecLZ4
	// or CodecZstd (the default).
	Compression uint8

	// Controller optionally coordinates memory and I/O with other builds in
	// the process. Nil means uncoordinated.
	Controller *Controller

	// Logger receives spill and merge stage logs. Nil discards them.
	Logger common.Logger
}

// SpoolStats are counters accumulated over the life of a Spool.
type SpoolStats struct {
	EntriesAdded  uint64
	RunsSpilled   int
	BytesBuffered int64
	BytesSpilled  int64
}

// Spool accumulates entries and produces one sorted iterator over all of
// them. It is driven by a single goroutine: Add until done, Finalize once,
// exhaust the iterator, Cleanup. Cleanup must run on every exit path and may
// be deferred immediately after New.
type Spool struct {
	cmp    func(a, b keys.Entry) int
	opts   SpoolOptions
	logger common.Logger

	buf      []keys.Entry
	bufBytes int64

	runs      []string
	runSeq    int
	dirMade   bool
	finalized bool
	cleaned   bool

	stats SpoolStats
}

// NewSpool creates a spool around the injected comparator. The comparator
// must implement a strict total order; both the spill sort and the run merge
// use it and nothing else.
func NewSpool(cmp func(a, b keys.Entry) int, opts *SpoolOptions) (*Spool, error) {
	if cmp == nil {
		return nil, fmt.Errorf("%w: nil comparator", common.ErrInvalidConfig)
	}

	o := SpoolOptions{}
	if opts != nil {
		o = *opts
	}
	if o.MemoryCeiling <= 0 {
		o.MemoryCeiling = common.DefaultMemoryCeiling
	}
	if o.TempDir == "" {
		o.TempDir = filepath.Join(os.TempDir(), fmt.Sprintf("bulkindex-spool-%d-%d", os.Getpid(), time.Now().UnixNano()))
	}
	switch o.Compression {
	case common.CodecNone, common.CodecLZ4, common.CodecZstd:
	default:
		return nil, fmt.Errorf("%w: unknown compression codec %d", common.ErrInvalidConfig, o.Compression)
	}

	logger := o.Logger
	if logger == nil {
		logger = common.NewNullLogger()
	}

	return &Spool{
		cmp:    cmp,
		opts:   o,
		logger: logger,
	}, nil
}

// Add buffers one entry, spilling first if the memory ceiling or the shared
// memory budget requires it. The entry's key is copied.
func (s *Spool) Add(ctx context.Context, e keys.Entry) error {
	if s.finalized {
		return common.ErrSpoolFinalized
	}
	if len(e.Key) == 0 {
		return common.ErrEmptyKey
	}
	if len(e.Key) > common.MaxKeySize {
		return fmt.Errorf("%w: %d bytes", common.ErrKeyTooLarge, len(e.Key))
	}

	size := int64(len(e.Key) + common.EntryOverhead)

	// The shared budget refusing means other builds hold the remainder;
	// spilling our buffer frees our share before blocking for the rest.
	if !s.opts.Controller.tryAcquireMemory(size) {
		if err := s.maybeSpill(ctx); err != nil {
			return err
		}
		if err := s.opts.Controller.acquireMemory(ctx, size); err != nil {
			return err
		}
	}

	s.buf = append(s.buf, e.Clone())
	s.bufBytes += size
	s.stats.EntriesAdded++
	if s.bufBytes > s.stats.BytesBuffered {
		s.stats.BytesBuffered = s.bufBytes
	}

	if s.bufBytes >= s.opts.MemoryCeiling {
		if !s.opts.AllowSpill {
			return fmt.Errorf("%w: %d bytes buffered, ceiling %d", common.ErrSpillDisabled, s.bufBytes, s.opts.MemoryCeiling)
		}
		return s.spill(ctx)
	}
	return nil
}

// maybeSpill spills the buffer if it holds anything and spilling is allowed;
// with spilling disallowed it leaves the buffer alone so the ceiling check
// produces the authoritative error.
func (s *Spool) maybeSpill(ctx context.Context) error {
	if len(s.buf) == 0 || !s.opts.AllowSpill {
		return nil
	}
	return s.spill(ctx)
}

// spill sorts the buffer and persists it as the next run.
func (s *Spool) spill(ctx context.Context) error {
	if len(s.buf) == 0 {
		return nil
	}

	start := time.Now()
	sort.Slice(s.buf, func(i, j int) bool { return s.cmp(s.buf[i], s.buf[j]) < 0 })

	if !s.dirMade {
		if err := os.MkdirAll(s.opts.TempDir, 0755); err != nil {
			return fmt.Errorf("create spill directory: %w", err)
		}
		s.dirMade = true
	}

	path := filepath.Join(s.opts.TempDir, fmt.Sprintf(common.RunFilePattern, s.runSeq))
	w, err := newRunWriter(path, s.opts.Compression, time.Now().UnixNano(), s.opts.Controller)
	if err != nil {
		return err
	}

	for _, e := range s.buf {
		if err := w.add(ctx, e); err != nil {
			w.abort()
			return err
		}
	}
	if err := w.finish(ctx); err != nil {
		w.abort()
		return err
	}

	var spilled int64
	if fi, err := os.Stat(path); err == nil {
		spilled = fi.Size()
	}

	s.logger.Info("spilled sorted run",
		"run", s.runSeq,
		"entries", len(s.buf),
		"buffered_bytes", s.bufBytes,
		"file_bytes", spilled,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	s.runs = append(s.runs, path)
	s.runSeq++
	s.stats.RunsSpilled++
	s.stats.BytesSpilled += spilled

	s.opts.Controller.releaseMemory(s.bufBytes)
	s.buf = s.buf[:0]
	s.bufBytes = 0
	return nil
}

// Finalize ends the accepting phase and returns the ascending iterator over
// everything added. It may be called exactly once. When nothing spilled the
// buffer is sorted and iterated in memory with no disk I/O; otherwise the
// residual buffer spills as the last run and all runs merge.
func (s *Spool) Finalize(ctx context.Context) (Iterator, error) {
	if s.finalized {
		return nil, common.ErrSpoolFinalized
	}
	s.finalized = true

	if len(s.runs) == 0 {
		start := time.Now()
		sort.Slice(s.buf, func(i, j int) bool { return s.cmp(s.buf[i], s.buf[j]) < 0 })
		s.logger.Debug("sorted in memory",
			"entries", len(s.buf),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return &memIterator{entries: s.buf}, nil
	}

	if len(s.buf) > 0 {
		if err := s.spill(ctx); err != nil {
			return nil, err
		}
	}

	it, err := newMergeIterator(ctx, s.cmp, s.runs, s.opts.Controller)
	if err != nil {
		return nil, err
	}
	s.logger.Info("merging spilled runs", "runs", len(s.runs))
	return it, nil
}

// Cleanup deletes all spilled runs and the spill directory. It is idempotent
// and safe on every exit path, including before Finalize and after a failed
// merge; defer it as soon as the Spool exists.
func (s *Spool) Cleanup() {
	if s.cleaned {
		return
	}
	s.cleaned = true

	for _, path := range s.runs {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove run file", "path", path, "error", err.Error())
		}
	}
	s.runs = nil

	if s.dirMade {
		if err := os.Remove(s.opts.TempDir); err != nil && !os.IsNotExist(err) {
			// Leftovers from another process in a shared namespace keep the
			// directory alive; that is not ours to delete.
			s.logger.Debug("spill directory not removed", "path", s.opts.TempDir, "error", err.Error())
		}
	}

	s.opts.Controller.releaseMemory(s.bufBytes)
	s.buf = nil
	s.bufBytes = 0
}

// Stats returns the spool's counters.
func (s *Spool) Stats() SpoolStats { return s.stats }

// Runs returns the number of runs spilled so far.
func (s *Spool) Runs() int { return len(s.runs) }

// memIterator iterates the sorted in-memory buffer when nothing spilled.
type memIterator struct {
	entries []keys.Entry
	idx     int
	cur     keys.Entry
	err     error
	started bool
}

func (m *memIterator) Next(ctx context.Context) bool {
	if m.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		m.err = err
		return false
	}
	if m.started {
		m.idx++
	}
	m.started = true
	if m.idx >= len(m.entries) {
		return false
	}
	m.cur = m.entries[m.idx]
	return true
}

func (m *memIterator) Entry() keys.Entry { return m.cur }

func (m *memIterator) Err() error { return m.err }

func (m *memIterator) Close() error { return nil }
