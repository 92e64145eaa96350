package btree

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/CVDpl/go-bulkindex/internal/common"
	"github.com/CVDpl/go-bulkindex/internal/filters"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/keys"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/utils"
)

// ReaderOptions configures Open.
type ReaderOptions struct {
	// VerifyChecksums re-hashes the tree file against its recorded BLAKE3
	// before use.
	VerifyChecksums bool

	// Logger receives open-time warnings. Nil discards them.
	Logger common.Logger
}

// Tree is a read-only view of a committed tree, backed by a memory map.
type Tree struct {
	dir    string
	meta   *Metadata
	mm     *utils.MemoryMap
	data   []byte
	bloom  *filters.BloomFilter
	cmp    func(a, b []byte) int
	logger common.Logger
	closed bool
}

// Open maps a committed tree for reading. The comparator must be the one the
// tree was built with; page search depends on it.
func Open(dir string, cmp func(a, b []byte) int, opts *ReaderOptions) (*Tree, error) {
	if cmp == nil {
		return nil, fmt.Errorf("%w: nil comparator", common.ErrInvalidConfig)
	}

	o := ReaderOptions{}
	if opts != nil {
		o = *opts
	}
	logger := o.Logger
	if logger == nil {
		logger = common.NewNullLogger()
	}

	meta, err := LoadMetadata(filepath.Join(dir, common.FileTreeMeta))
	if err != nil {
		return nil, fmt.Errorf("load tree metadata: %w", err)
	}

	dataPath := filepath.Join(dir, common.FileTreeData)
	if o.VerifyChecksums {
		if want := meta.Blake3[common.FileTreeData]; want != "" {
			got, err := utils.ComputeBLAKE3File(dataPath)
			if err != nil {
				return nil, fmt.Errorf("hash tree file: %w", err)
			}
			if got != want {
				return nil, fmt.Errorf("%w: tree file hash mismatch", common.ErrCorruptedTree)
			}
		}
	}

	mm, err := utils.MapFile(dataPath, utils.AdviseWillNeed)
	if err != nil {
		return nil, fmt.Errorf("map tree file: %w", err)
	}
	data := mm.Data()

	t := &Tree{
		dir:    dir,
		meta:   meta,
		mm:     mm,
		data:   data,
		cmp:    cmp,
		logger: logger,
	}
	if err := t.validateShape(); err != nil {
		mm.Close()
		return nil, err
	}

	t.loadBloom(o.VerifyChecksums)
	return t, nil
}

func (t *Tree) validateShape() error {
	if uint64(len(t.data)) != t.meta.Pages*common.TreePageSize {
		return fmt.Errorf("%w: file is %d bytes, metadata says %d pages", common.ErrCorruptedTree, len(t.data), t.meta.Pages)
	}
	flags, err := readFileHeader(t.data)
	if err != nil {
		return err
	}
	if unique := flags&fileFlagUnique != 0; unique != t.meta.Unique {
		return fmt.Errorf("%w: unique flag disagrees between header and metadata", common.ErrCorruptedTree)
	}
	if t.meta.LeafEnd >= t.meta.Pages {
		return fmt.Errorf("%w: leaf range ends at page %d of %d", common.ErrCorruptedTree, t.meta.LeafEnd, t.meta.Pages)
	}
	if t.meta.Entries > 0 && (t.meta.RootPage == 0 || t.meta.RootPage >= t.meta.Pages) {
		return fmt.Errorf("%w: root page %d out of range", common.ErrCorruptedTree, t.meta.RootPage)
	}
	return nil
}

// loadBloom loads the negative-lookup filter. The filter is an optimization;
// a missing or unreadable one degrades lookups but never fails the open.
func (t *Tree) loadBloom(verify bool) {
	path := filepath.Join(t.dir, common.FileTreeBloom)
	data, err := os.ReadFile(path)
	if err != nil {
		t.logger.Warn("bloom filter unavailable", "path", path, "error", err.Error())
		return
	}
	if verify {
		if want := t.meta.Blake3[common.FileTreeBloom]; want != "" {
			if got := utils.ComputeBLAKE3(data); got != want {
				t.logger.Warn("bloom filter hash mismatch; ignoring filter", "path", path)
				return
			}
		}
	}
	bf, err := filters.UnmarshalBloomFilter(data)
	if err != nil {
		t.logger.Warn("bloom filter unreadable; ignoring filter", "path", path, "error", err.Error())
		return
	}
	t.bloom = bf
}

// Ref returns the identity of the opened tree.
func (t *Tree) Ref() Ref {
	return Ref{RootPage: t.meta.RootPage, Pages: t.meta.Pages, Entries: t.meta.Entries}
}

// MinKey returns a copy of the smallest committed key.
func (t *Tree) MinKey() ([]byte, bool) {
	k, err := t.meta.GetMinKey()
	if err != nil || len(k) == 0 {
		return nil, false
	}
	return k, true
}

// MaxKey returns a copy of the largest committed key.
func (t *Tree) MaxKey() ([]byte, bool) {
	k, err := t.meta.GetMaxKey()
	if err != nil || len(k) == 0 {
		return nil, false
	}
	return k, true
}

// Lookup returns every location stored under the key, in insertion order of
// the build. Equal keys may span page boundaries; the scan follows them.
func (t *Tree) Lookup(key []byte) ([]keys.Location, bool, error) {
	if t.closed {
		return nil, false, common.ErrClosed
	}
	if t.meta.Entries == 0 {
		return nil, false, nil
	}
	if t.bloom != nil && !t.bloom.Contains(key) {
		return nil, false, nil
	}

	page := t.meta.RootPage
	for depth := 0; ; depth++ {
		if depth > t.meta.Height {
			return nil, false, fmt.Errorf("%w: descent deeper than height %d", common.ErrCorruptedTree, t.meta.Height)
		}
		pv, err := viewPage(t.data, page)
		if err != nil {
			return nil, false, err
		}
		if pv.kind == pageKindLeaf {
			return t.collectFrom(page, key)
		}
		page, err = t.childFor(pv, key)
		if err != nil {
			return nil, false, err
		}
	}
}

// childFor picks the first child that can contain the key: separators are
// first keys of their children, so equal keys may begin in the child before
// the matching separator.
func (t *Tree) childFor(pv pageView, key []byte) (uint64, error) {
	cur := pv.cursor()
	var prev uint64
	var have bool
	for {
		sep, child, ok, err := cur.next()
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		if have && t.cmp(sep, key) >= 0 {
			return prev, nil
		}
		prev = child
		have = true
	}
	if !have {
		return 0, fmt.Errorf("%w: empty internal page", common.ErrCorruptedTree)
	}
	return prev, nil
}

// collectFrom gathers all locations for key starting at the given leaf,
// continuing into following leaves while equal keys run on.
func (t *Tree) collectFrom(start uint64, key []byte) ([]keys.Location, bool, error) {
	var locs []keys.Location
	for page := start; page <= t.meta.LeafEnd; page++ {
		pv, err := viewPage(t.data, page)
		if err != nil {
			return nil, false, err
		}
		if pv.kind != pageKindLeaf {
			return nil, false, fmt.Errorf("%w: page %d in leaf range is not a leaf", common.ErrCorruptedTree, page)
		}
		cur := pv.cursor()
		for {
			k, payload, ok, err := cur.next()
			if err != nil {
				return nil, false, err
			}
			if !ok {
				break
			}
			switch c := t.cmp(k, key); {
			case c < 0:
				continue
			case c > 0:
				return locs, len(locs) > 0, nil
			default:
				locs = append(locs, keys.Location(payload))
			}
		}
	}
	return locs, len(locs) > 0, nil
}

// Scan calls fn for every entry in ascending order. Key slices alias the
// mapped file and are valid only during the callback.
func (t *Tree) Scan(ctx context.Context, fn func(key []byte, loc keys.Location) error) error {
	if t.closed {
		return common.ErrClosed
	}
	for page := uint64(1); page <= t.meta.LeafEnd; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		pv, err := viewPage(t.data, page)
		if err != nil {
			return err
		}
		if pv.kind != pageKindLeaf {
			return fmt.Errorf("%w: page %d in leaf range is not a leaf", common.ErrCorruptedTree, page)
		}
		cur := pv.cursor()
		for {
			k, payload, ok, err := cur.next()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			if err := fn(k, keys.Location(payload)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Verify checks the whole tree: file hash, leaf ordering, entry counts,
// bloom coverage, and that every internal level faithfully indexes the level
// below it.
func (t *Tree) Verify(ctx context.Context) error {
	if t.closed {
		return common.ErrClosed
	}

	if want := t.meta.Blake3[common.FileTreeData]; want != "" {
		got, err := utils.ComputeBLAKE3File(filepath.Join(t.dir, common.FileTreeData))
		if err != nil {
			return fmt.Errorf("hash tree file: %w", err)
		}
		if got != want {
			return fmt.Errorf("%w: tree file hash mismatch", common.ErrCorruptedTree)
		}
	}

	level, total, err := t.verifyLeaves(ctx)
	if err != nil {
		return err
	}
	if total != t.meta.Entries {
		return fmt.Errorf("%w: leaves hold %d entries, metadata says %d", common.ErrCorruptedTree, total, t.meta.Entries)
	}

	if len(level) == 0 {
		if t.meta.RootPage != 0 || t.meta.Pages != 1 {
			return fmt.Errorf("%w: empty tree with root %d and %d pages", common.ErrCorruptedTree, t.meta.RootPage, t.meta.Pages)
		}
		return nil
	}

	next := t.meta.LeafEnd + 1
	for len(level) > 1 {
		parents, consumed, err := t.verifyLevel(ctx, level, next)
		if err != nil {
			return err
		}
		level = parents
		next = consumed
	}
	if level[0].page != t.meta.RootPage {
		return fmt.Errorf("%w: computed root %d, metadata says %d", common.ErrCorruptedTree, level[0].page, t.meta.RootPage)
	}
	if next != t.meta.Pages {
		return fmt.Errorf("%w: %d trailing pages after root", common.ErrCorruptedTree, t.meta.Pages-next)
	}
	return nil
}

// verifyLeaves walks every leaf checking order, uniqueness when promised,
// and bloom membership. It returns the level-0 separators and entry total.
func (t *Tree) verifyLeaves(ctx context.Context) ([]separator, uint64, error) {
	var seps []separator
	var total uint64
	var last []byte
	var haveLast bool

	for page := uint64(1); page <= t.meta.LeafEnd; page++ {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		pv, err := viewPage(t.data, page)
		if err != nil {
			return nil, 0, err
		}
		if pv.kind != pageKindLeaf {
			return nil, 0, fmt.Errorf("%w: page %d in leaf range is not a leaf", common.ErrCorruptedTree, page)
		}
		if pv.count == 0 {
			return nil, 0, fmt.Errorf("%w: empty leaf page %d", common.ErrCorruptedTree, page)
		}

		cur := pv.cursor()
		first := true
		for {
			k, _, ok, err := cur.next()
			if err != nil {
				return nil, 0, err
			}
			if !ok {
				break
			}
			if haveLast {
				switch c := t.cmp(k, last); {
				case c < 0:
					return nil, 0, fmt.Errorf("%w: keys out of order on page %d", common.ErrCorruptedTree, page)
				case c == 0 && t.meta.Unique:
					return nil, 0, fmt.Errorf("%w: duplicate key in unique tree on page %d", common.ErrCorruptedTree, page)
				}
			}
			if first {
				seps = append(seps, separator{key: append([]byte(nil), k...), page: page})
				first = false
			}
			if t.bloom != nil && !t.bloom.Contains(k) {
				return nil, 0, fmt.Errorf("%w: bloom filter misses a committed key", common.ErrCorruptedTree)
			}
			last = append(last[:0], k...)
			haveLast = true
			total++
		}
	}
	return seps, total, nil
}

// verifyLevel checks one internal level against its children, starting at
// page next. Separator comparison is byte equality: separators are copies of
// child first keys, so even comparator-equal encodings must match exactly.
func (t *Tree) verifyLevel(ctx context.Context, children []separator, next uint64) ([]separator, uint64, error) {
	var parents []separator
	idx := 0

	for idx < len(children) {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		if next >= t.meta.Pages {
			return nil, 0, fmt.Errorf("%w: internal level overruns file", common.ErrCorruptedTree)
		}
		pv, err := viewPage(t.data, next)
		if err != nil {
			return nil, 0, err
		}
		if pv.kind != pageKindInternal {
			return nil, 0, fmt.Errorf("%w: page %d in internal range is not internal", common.ErrCorruptedTree, next)
		}
		if pv.count == 0 {
			return nil, 0, fmt.Errorf("%w: empty internal page %d", common.ErrCorruptedTree, next)
		}

		cur := pv.cursor()
		first := true
		for {
			sep, child, ok, err := cur.next()
			if err != nil {
				return nil, 0, err
			}
			if !ok {
				break
			}
			if idx >= len(children) {
				return nil, 0, fmt.Errorf("%w: page %d references more children than exist", common.ErrCorruptedTree, next)
			}
			if !bytes.Equal(sep, children[idx].key) || child != children[idx].page {
				return nil, 0, fmt.Errorf("%w: page %d separator %d does not match child", common.ErrCorruptedTree, next, idx)
			}
			if first {
				parents = append(parents, separator{key: children[idx].key, page: next})
				first = false
			}
			idx++
		}
		next++
	}
	return parents, next, nil
}

// Close unmaps the tree. Idempotent.
func (t *Tree) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	return t.mm.Close()
}
