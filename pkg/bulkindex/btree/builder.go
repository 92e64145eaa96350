package btree

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/CVDpl/go-bulkindex/internal/common"
	"github.com/CVDpl/go-bulkindex/internal/filters"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/keys"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/utils"
)

// BuilderOptions configures a tree build.
type BuilderOptions struct {
	// Unique makes Add reject a key equal to the previous one.
	Unique bool

	// MaxKeySize is the per-key limit; larger keys are refused with
	// common.ErrKeyTooLarge and the caller decides whether that is fatal.
	// Defaults to common.MaxIndexKeySize.
	MaxKeySize int

	// BloomFPR is the bloom filter's target false positive rate. Defaults
	// to common.DefaultBloomFPR.
	BloomFPR float64

	// Logger receives build stage logs. Nil discards them.
	Logger common.Logger
}

// Ref identifies a committed tree.
type Ref struct {
	RootPage uint64
	Pages    uint64
	Entries  uint64
}

// separator carries one child page up to the level being built above it.
type separator struct {
	key  []byte
	page uint64
}

// Builder writes a tree bottom-up from entries arriving in ascending order.
// Leaves stream to disk as they fill; only the first key of each written
// page is retained for constructing the levels above at Finish.
type Builder struct {
	dir    string
	cmp    func(a, b []byte) int
	opts   BuilderOptions
	logger common.Logger

	af *utils.AtomicFile
	bw *bufio.Writer

	cur      *page
	curFirst []byte
	nextPage uint64
	seps     []separator
	leafEnd  uint64

	lastKey  []byte
	haveLast bool
	minKey   []byte

	entries uint64
	hashes  [][2]uint64

	started  time.Time
	finished bool
	aborted  bool
}

// NewBuilder creates a builder writing into dir. The comparator defines the
// required input order; it must be the same one that sorted the entries.
func NewBuilder(dir string, cmp func(a, b []byte) int, opts *BuilderOptions) (*Builder, error) {
	if cmp == nil {
		return nil, fmt.Errorf("%w: nil comparator", common.ErrInvalidConfig)
	}

	o := BuilderOptions{}
	if opts != nil {
		o = *opts
	}
	if o.MaxKeySize <= 0 {
		o.MaxKeySize = common.MaxIndexKeySize
	}
	if o.MaxKeySize > maxPageKeySize {
		return nil, fmt.Errorf("%w: max key size %d exceeds page capacity %d", common.ErrInvalidConfig, o.MaxKeySize, maxPageKeySize)
	}
	if o.BloomFPR <= 0 || o.BloomFPR >= 1 {
		o.BloomFPR = common.DefaultBloomFPR
	}
	logger := o.Logger
	if logger == nil {
		logger = common.NewNullLogger()
	}

	if err := utils.CreateDirIfNotExists(dir); err != nil {
		return nil, fmt.Errorf("create tree directory: %w", err)
	}

	af, err := utils.NewAtomicFile(filepath.Join(dir, common.FileTreeData))
	if err != nil {
		return nil, fmt.Errorf("create tree file: %w", err)
	}

	b := &Builder{
		dir:      dir,
		cmp:      cmp,
		opts:     o,
		logger:   logger,
		af:       af,
		bw:       bufio.NewWriterSize(af, common.RunWriterBufferSize),
		cur:      newPage(pageKindLeaf),
		nextPage: 1,
		started:  time.Now(),
	}

	if _, err := b.bw.Write(writeFileHeader(o.Unique, time.Now().Unix())); err != nil {
		af.Close()
		return nil, fmt.Errorf("write tree header: %w", err)
	}
	return b, nil
}

// Add appends one entry. Keys must arrive in non-decreasing comparator
// order; a smaller key is a programming error and fails with
// common.ErrKeyOrder. Under Unique, a key equal to the previous one is
// refused with common.ErrDuplicateKey and the builder state is unchanged, so
// the caller may skip it and continue.
func (b *Builder) Add(key []byte, loc keys.Location) error {
	if b.finished || b.aborted {
		return common.ErrBuildFinalized
	}
	if len(key) == 0 {
		return common.ErrEmptyKey
	}
	if len(key) > b.opts.MaxKeySize {
		return fmt.Errorf("%w: %d bytes, limit %d", common.ErrKeyTooLarge, len(key), b.opts.MaxKeySize)
	}

	if b.haveLast {
		switch c := b.cmp(key, b.lastKey); {
		case c < 0:
			return fmt.Errorf("%w: key %x after %x", common.ErrKeyOrder, keyPreview(key), keyPreview(b.lastKey))
		case c == 0 && b.opts.Unique:
			return fmt.Errorf("%w: %x", common.ErrDuplicateKey, keyPreview(key))
		}
	}

	if !b.cur.fits(len(key)) {
		if err := b.flushLeaf(); err != nil {
			return err
		}
	}
	if b.cur.count == 0 {
		b.curFirst = append(b.curFirst[:0], key...)
	}
	b.cur.add(key, uint64(loc))

	b.lastKey = append(b.lastKey[:0], key...)
	b.haveLast = true
	if b.minKey == nil {
		b.minKey = append([]byte(nil), key...)
	}

	h1, h2 := filters.HashKey(key)
	b.hashes = append(b.hashes, [2]uint64{h1, h2})
	b.entries++
	return nil
}

func (b *Builder) flushLeaf() error {
	if b.cur.count == 0 {
		return nil
	}
	if _, err := b.bw.Write(b.cur.finalize()); err != nil {
		return fmt.Errorf("write leaf page: %w", err)
	}
	b.seps = append(b.seps, separator{key: append([]byte(nil), b.curFirst...), page: b.nextPage})
	b.nextPage++
	b.cur.reset(pageKindLeaf)
	return nil
}

// buildLevel writes one level of internal pages over the given children and
// returns the separators for the level above.
func (b *Builder) buildLevel(ctx context.Context, children []separator) ([]separator, error) {
	var parents []separator
	ip := newPage(pageKindInternal)
	var first []byte

	flush := func() error {
		if ip.count == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := b.bw.Write(ip.finalize()); err != nil {
			return fmt.Errorf("write internal page: %w", err)
		}
		parents = append(parents, separator{key: first, page: b.nextPage})
		b.nextPage++
		ip.reset(pageKindInternal)
		return nil
	}

	for _, child := range children {
		if !ip.fits(len(child.key)) {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		if ip.count == 0 {
			first = child.key
		}
		ip.add(child.key, child.page)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return parents, nil
}

// Finish writes the remaining leaf, the internal levels, the bloom filter
// and the metadata, then commits everything. The returned Ref identifies the
// committed tree.
func (b *Builder) Finish(ctx context.Context) (Ref, error) {
	if b.finished || b.aborted {
		return Ref{}, common.ErrBuildFinalized
	}
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}

	if err := b.flushLeaf(); err != nil {
		return Ref{}, err
	}
	b.leafEnd = b.nextPage - 1

	height := 0
	level := b.seps
	if len(level) > 0 {
		height = 1
	}
	for len(level) > 1 {
		next, err := b.buildLevel(ctx, level)
		if err != nil {
			return Ref{}, err
		}
		level = next
		height++
	}

	var rootPage uint64
	if len(level) == 1 {
		rootPage = level[0].page
	}

	if err := b.bw.Flush(); err != nil {
		return Ref{}, fmt.Errorf("flush tree: %w", err)
	}
	if err := b.af.Commit(); err != nil {
		return Ref{}, fmt.Errorf("commit tree: %w", err)
	}

	if err := b.writeBloom(); err != nil {
		return Ref{}, err
	}

	meta := &Metadata{
		Format:        metadataFormat,
		Version:       "1.0.0",
		RootPage:      rootPage,
		Pages:         b.nextPage,
		LeafEnd:       b.leafEnd,
		Height:        height,
		Entries:       b.entries,
		Unique:        b.opts.Unique,
		CreatedAtUnix: time.Now().Unix(),
		Blake3:        map[string]string{},
	}
	meta.SetKeyRange(b.minKey, b.lastKey)
	if h, err := utils.ComputeBLAKE3File(filepath.Join(b.dir, common.FileTreeData)); err == nil {
		meta.Blake3[common.FileTreeData] = h
	}
	if h, err := utils.ComputeBLAKE3File(filepath.Join(b.dir, common.FileTreeBloom)); err == nil {
		meta.Blake3[common.FileTreeBloom] = h
	}
	if err := meta.SaveToFile(filepath.Join(b.dir, common.FileTreeMeta)); err != nil {
		return Ref{}, fmt.Errorf("save tree metadata: %w", err)
	}

	b.finished = true
	b.hashes = nil
	b.logger.Info("tree built",
		"entries", b.entries,
		"pages", b.nextPage,
		"height", height,
		"duration_ms", time.Since(b.started).Milliseconds(),
	)
	return Ref{RootPage: rootPage, Pages: b.nextPage, Entries: b.entries}, nil
}

func (b *Builder) writeBloom() error {
	bf := filters.NewBloomFilter(uint64(len(b.hashes)), b.opts.BloomFPR)
	for _, h := range b.hashes {
		bf.AddHashes(h[0], h[1])
	}

	af, err := utils.NewAtomicFile(filepath.Join(b.dir, common.FileTreeBloom))
	if err != nil {
		return fmt.Errorf("create bloom file: %w", err)
	}
	defer af.Close()
	if _, err := af.Write(bf.Marshal()); err != nil {
		return fmt.Errorf("write bloom: %w", err)
	}
	if err := af.Commit(); err != nil {
		return fmt.Errorf("commit bloom: %w", err)
	}
	return nil
}

// Abort discards the build, removing partial output. It is idempotent and a
// no-op after a successful Finish.
func (b *Builder) Abort() {
	if b.finished || b.aborted {
		return
	}
	b.aborted = true

	_ = b.af.Close()
	for _, name := range []string{common.FileTreeData, common.FileTreeBloom, common.FileTreeMeta} {
		if err := os.Remove(filepath.Join(b.dir, name)); err != nil && !os.IsNotExist(err) {
			b.logger.Warn("failed to remove partial tree file", "path", name, "error", err.Error())
		}
	}
}

// Entries returns the number of accepted entries so far.
func (b *Builder) Entries() uint64 { return b.entries }

// keyPreview truncates keys for error messages.
func keyPreview(key []byte) []byte {
	const max = 32
	if len(key) <= max {
		return key
	}
	return key[:max]
}
