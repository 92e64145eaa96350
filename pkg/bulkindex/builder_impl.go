package bulkindex

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/CVDpl/go-bulkindex/internal/common"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/btree"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/extsort"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/keys"
)

type builderImpl struct {
	cfg     IndexConfig
	opts    Options
	logger  common.Logger
	ord     keys.Ordering
	extract KeyExtractor
	spool   *extsort.Spool
	start   time.Time

	state    int32 // atomic BuildState
	closed   int32 // atomic
	docs     uint64
	keysFed  uint64
	multikey int32

	// mu serializes Commit and Close against each other. Insert is
	// single-goroutine by contract and only reads the atomics.
	mu     sync.Mutex
	tree   *btree.Builder
	result *Result
}

func newBuilder(cfg IndexConfig, opts Options, ord keys.Ordering, extract KeyExtractor) (*builderImpl, error) {
	logger := WithContext(opts.Logger, map[string]interface{}{"index": cfg.Name})
	if opts.Progress == nil {
		opts.Progress = NewLogProgress(logger, 0)
	}

	tempDir := opts.TempDir
	if tempDir == "" {
		tempDir = filepath.Join(opts.IndexDir, common.DirTemp,
			fmt.Sprintf("%s-%d", cfg.Name, time.Now().UnixNano()))
	}

	spool, err := extsort.NewSpool(ord.Compare, &extsort.SpoolOptions{
		MemoryCeiling: opts.MemoryCeiling,
		TempDir:       tempDir,
		AllowSpill:    opts.AllowSpill,
		Compression:   opts.Compression,
		Controller:    opts.Controller,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	b := &builderImpl{
		cfg:     cfg,
		opts:    opts,
		logger:  logger,
		ord:     ord,
		extract: extract,
		spool:   spool,
		start:   time.Now(),
		state:   int32(StateBuilding),
	}
	logger.Info("starting index build",
		"fields", len(cfg.Fields),
		"unique", cfg.Unique,
		"format_version", int(ord.Version()))
	return b, nil
}

func (b *builderImpl) State() BuildState {
	return BuildState(atomic.LoadInt32(&b.state))
}

func (b *builderImpl) Stats() Stats {
	return Stats{
		State:    b.State(),
		Docs:     atomic.LoadUint64(&b.docs),
		KeysFed:  atomic.LoadUint64(&b.keysFed),
		Multikey: atomic.LoadInt32(&b.multikey) == 1,
		Spool:    b.spool.Stats(),
	}
}

func (b *builderImpl) Insert(ctx context.Context, doc Document) error {
	if atomic.LoadInt32(&b.closed) == 1 {
		return common.ErrClosed
	}
	if b.State() != StateBuilding {
		return common.ErrBuildFinalized
	}

	extracted, err := b.extract.Extract(doc.Data)
	if err != nil {
		return fmt.Errorf("extract keys from document %d: %w", doc.Loc, err)
	}

	// The flag only ever goes up: once any document fans out, the index is
	// multikey for good.
	if len(extracted) > 1 {
		atomic.StoreInt32(&b.multikey, 1)
	}

	for _, k := range extracted {
		if err := b.spool.Add(ctx, keys.Entry{Key: k, Loc: doc.Loc}); err != nil {
			return err
		}
		atomic.AddUint64(&b.keysFed, 1)
	}
	atomic.AddUint64(&b.docs, 1)
	return nil
}

func (b *builderImpl) Commit(ctx context.Context) (*Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if atomic.LoadInt32(&b.closed) == 1 {
		return nil, common.ErrClosed
	}
	if !atomic.CompareAndSwapInt32(&b.state, int32(StateBuilding), int32(StateSorting)) {
		return nil, common.ErrBuildFinalized
	}

	// Spill runs are garbage the moment the build ends, whichever way it
	// ends.
	defer b.spool.Cleanup()

	result, err := b.runCommit(ctx)
	if err != nil {
		atomic.StoreInt32(&b.state, int32(StateFailed))
		b.logger.Error("index build failed", "error", err.Error(), "elapsed", time.Since(b.start).String())
		return nil, err
	}

	atomic.StoreInt32(&b.state, int32(StateCommitted))
	b.result = result
	b.logger.Info("index build committed",
		"docs", result.Docs,
		"keys", result.KeysCommitted,
		"multikey", result.Multikey,
		"soft_skipped", result.SoftSkipped,
		"tree_pages", result.Tree.Pages,
		"duration_ms", result.Elapsed.Milliseconds())
	return result, nil
}

func (b *builderImpl) runCommit(ctx context.Context) (*Result, error) {
	sortStart := time.Now()
	it, err := b.spool.Finalize(ctx)
	if err != nil {
		return nil, fmt.Errorf("finalize sort: %w", err)
	}
	defer it.Close()

	stats := b.spool.Stats()
	b.logger.Info("sort finalized",
		"entries", stats.EntriesAdded,
		"runs_spilled", stats.RunsSpilled,
		"bytes_spilled", stats.BytesSpilled,
		"duration_ms", time.Since(sortStart).Milliseconds())

	atomic.StoreInt32(&b.state, int32(StateConstructing))

	// Uniqueness is enforced by the tree only when the policy actually
	// rejects duplicates; under IgnoreUniqueness the tree must accept them.
	dupsAllowed := !b.cfg.Unique || b.opts.IgnoreUniqueness
	tree, err := btree.NewBuilder(b.opts.IndexDir, b.ord.CompareKeys, &btree.BuilderOptions{
		Unique:   !dupsAllowed,
		BloomFPR: b.opts.BloomFPR,
		Logger:   b.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create tree builder: %w", err)
	}
	b.tree = tree
	committed := false
	defer func() {
		if !committed {
			tree.Abort()
		}
	}()

	progress := b.opts.Progress
	progressDone := false
	finishProgress := func() {
		if !progressDone {
			progressDone = true
			progress.Finished()
		}
	}
	defer finishProgress()

	var (
		dropped       *roaring64.Bitmap
		softSkipped   uint64
		keysCommitted uint64
	)

	constructStart := time.Now()
	for it.Next(ctx) {
		e := it.Entry()
		progress.Hit()

		err := tree.Add(e.Key, e.Loc)
		switch {
		case err == nil:
			keysCommitted++

		case errors.Is(err, common.ErrDuplicateKey):
			if !b.opts.DropDuplicates {
				return nil, err
			}
			if dropped == nil {
				dropped = roaring64.New()
			}
			dropped.Add(uint64(e.Loc))
			if dropped.GetCardinality() > common.MaxTrackedDuplicates {
				return nil, fmt.Errorf("%w: more than %d duplicates", common.ErrTooManyDuplicates, common.MaxTrackedDuplicates)
			}

		case errors.Is(err, common.ErrKeyTooLarge):
			softSkipped++
			b.logger.Debug("skipping oversized key", "key", keys.Describe(e.Key), "loc", uint64(e.Loc))

		default:
			return nil, err
		}
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("drain sorted stream: %w", err)
	}
	finishProgress()

	ref, err := tree.Finish(ctx)
	if err != nil {
		return nil, fmt.Errorf("finish tree: %w", err)
	}
	committed = true
	b.tree = nil

	b.logger.Info("tree constructed",
		"entries", ref.Entries,
		"pages", ref.Pages,
		"duration_ms", time.Since(constructStart).Milliseconds())

	result := &Result{
		Docs:          atomic.LoadUint64(&b.docs),
		KeysFed:       atomic.LoadUint64(&b.keysFed),
		KeysCommitted: keysCommitted,
		Multikey:      atomic.LoadInt32(&b.multikey) == 1,
		Dropped:       dropped,
		SoftSkipped:   softSkipped,
		Tree:          ref,
		Spool:         b.spool.Stats(),
		Elapsed:       time.Since(b.start),
	}

	if dropped != nil {
		b.logger.Info("dropped duplicate keys", "count", dropped.GetCardinality())
	}
	if dropped == nil && softSkipped == 0 && keysCommitted != result.KeysFed {
		b.logger.Warn("committed key count does not match fed count; some keys may have exceeded the size limit",
			"fed", result.KeysFed,
			"committed", keysCommitted)
	}
	return result, nil
}

func (b *builderImpl) Close() error {
	if !atomic.CompareAndSwapInt32(&b.closed, 0, 1) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.State() != StateCommitted {
		if b.tree != nil {
			b.tree.Abort()
			b.tree = nil
		}
		b.spool.Cleanup()
		b.logger.Info("index build aborted", "state", b.State().String())
	}
	return nil
}
