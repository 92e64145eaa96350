// Package bulkindex implements offline bulk construction of secondary
// indexes: key extraction from documents, external merge sort with a bounded
// memory footprint and disk spill runs, bottom-up B+tree building with a
// configurable duplicate policy, versioned catalog publication, and shared
// resource control across concurrent builds.
package bulkindex

import (
	"context"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/CVDpl/go-bulkindex/internal/common"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/btree"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/extsort"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/keys"
)

// Builder is one bulk index build. It accepts documents, sorts the extracted
// keys and commits them into an on-disk tree. A Builder is not safe for
// concurrent use; distinct Builders may run concurrently.
type Builder interface {
	// Insert extracts index keys from doc and feeds them to the sorter.
	// Only legal before Commit.
	Insert(ctx context.Context, doc Document) error

	// Commit sorts all fed keys and constructs the tree. It may be called
	// exactly once; a second call returns ErrBuildFinalized.
	Commit(ctx context.Context) (*Result, error)

	// State returns the current phase of the build.
	State() BuildState

	// Stats returns a snapshot of the build counters.
	Stats() Stats

	// Close aborts the build if it has not committed and releases all
	// resources. Idempotent.
	Close() error
}

// BuildState is the phase of a build. Transitions are one-way:
// Building -> Sorting -> Constructing -> Committed, with Failed reachable
// from any phase.
type BuildState int32

const (
	// StateBuilding accepts documents.
	StateBuilding BuildState = iota
	// StateSorting finalizes the spool.
	StateSorting
	// StateConstructing drains the sorted stream into the tree.
	StateConstructing
	// StateCommitted is the terminal success state.
	StateCommitted
	// StateFailed is the terminal failure state.
	StateFailed
)

func (s BuildState) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateSorting:
		return "sorting"
	case StateConstructing:
		return "constructing"
	case StateCommitted:
		return "committed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Document is one source document: its stable location and its body as a
// JSON object.
type Document struct {
	Loc  keys.Location
	Data []byte
}

// DocumentSource streams documents into a build.
type DocumentSource interface {
	// Next advances to the next document. It returns false at the end of
	// the stream or on error; Err distinguishes the two.
	Next(ctx context.Context) bool

	// Doc returns the current document. Valid until the following Next call.
	Doc() Document

	// Err returns the first error encountered, if any.
	Err() error

	// Close releases the source.
	Close() error
}

// FieldSpec names one indexed field by its dotted path and sort direction.
type FieldSpec struct {
	Path string
	Dir  keys.Direction
}

// IndexConfig describes the index being built.
type IndexConfig struct {
	// Name identifies the index in the catalog and in logs.
	Name string

	// Fields are the indexed fields in key order.
	Fields []FieldSpec

	// Unique enforces at most one document per key.
	Unique bool

	// Version selects the key comparison semantics. Zero means the current
	// version.
	Version keys.FormatVersion
}

func (c *IndexConfig) validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: empty index name", common.ErrInvalidConfig)
	}
	if len(c.Fields) == 0 {
		return fmt.Errorf("%w: index %q has no fields", common.ErrInvalidConfig, c.Name)
	}
	for i, f := range c.Fields {
		if f.Path == "" {
			return fmt.Errorf("%w: index %q field %d has an empty path", common.ErrInvalidConfig, c.Name, i)
		}
	}
	return nil
}

// Options configures a build.
type Options struct {
	// Logger provides structured logging.
	Logger common.Logger

	// IndexDir is where the committed tree is written. Required.
	IndexDir string

	// TempDir overrides the spill directory. Empty means a per-build
	// directory under IndexDir.
	TempDir string

	// MemoryCeiling bounds the sort buffer before spilling (0 = default).
	MemoryCeiling int64

	// AllowSpill permits writing sort runs to disk. When false, a build
	// larger than MemoryCeiling fails with ErrSpillDisabled.
	AllowSpill bool

	// DropDuplicates records conflicting documents in the result bitmap and
	// continues instead of failing a unique build.
	DropDuplicates bool

	// IgnoreUniqueness accepts duplicate keys into a unique index. Used when
	// the caller guarantees conflicts are resolved elsewhere.
	IgnoreUniqueness bool

	// Compression selects the spill run codec (common.CodecNone, CodecLZ4,
	// CodecZstd).
	Compression uint8

	// Controller optionally shares memory, build slots and I/O bandwidth
	// with other builds in the process.
	Controller *extsort.Controller

	// Progress receives a callback per consumed key. Nil logs throughput
	// through Logger; NullProgress disables reporting entirely.
	Progress ProgressReporter

	// BloomFPR is the tree bloom filter false positive rate (0 = default).
	BloomFPR float64
}

// DefaultOptions returns default build options.
func DefaultOptions() *Options {
	return &Options{
		Logger:           NewDefaultLogger(),
		MemoryCeiling:    common.DefaultMemoryCeiling,
		AllowSpill:       true,
		DropDuplicates:   false,
		IgnoreUniqueness: false,
		Compression:      common.CodecZstd,
		BloomFPR:         common.DefaultBloomFPR,
	}
}

// Stats is a point-in-time snapshot of a build.
type Stats struct {
	// State is the phase at snapshot time.
	State BuildState

	// Docs is the number of documents inserted.
	Docs uint64

	// KeysFed is the number of keys fed to the sorter.
	KeysFed uint64

	// Multikey reports whether any document produced more than one key.
	Multikey bool

	// Spool carries the sorter counters.
	Spool extsort.SpoolStats
}

// Result describes a committed build.
type Result struct {
	// Docs is the number of documents inserted.
	Docs uint64

	// KeysFed is the number of keys fed to the sorter.
	KeysFed uint64

	// KeysCommitted is the number of keys written into the tree.
	KeysCommitted uint64

	// Multikey reports whether any document produced more than one key.
	Multikey bool

	// Dropped holds the locations of documents skipped by the duplicate
	// policy. Nil when nothing was dropped.
	Dropped *roaring64.Bitmap

	// SoftSkipped is the number of oversized keys skipped.
	SoftSkipped uint64

	// Tree locates the committed tree.
	Tree btree.Ref

	// Spool carries the final sorter counters, including runs spilled.
	Spool extsort.SpoolStats

	// Elapsed is the wall-clock duration from construction to commit.
	Elapsed time.Duration
}

// New creates a Builder for cfg. The comparator is fixed here from the
// config's format version and field directions; every downstream stage uses
// it unchanged.
func New(cfg IndexConfig, opts *Options) (Builder, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Version == 0 {
		cfg.Version = keys.CurrentFormatVersion
	}

	o := Options{}
	if opts != nil {
		o = *opts
	}
	if o.Logger == nil {
		o.Logger = NewDefaultLogger()
	}
	if o.IndexDir == "" {
		return nil, fmt.Errorf("%w: IndexDir is required", common.ErrInvalidConfig)
	}

	dirs := make([]keys.Direction, len(cfg.Fields))
	for i, f := range cfg.Fields {
		d := f.Dir
		if d == 0 {
			d = keys.Ascending
		}
		dirs[i] = d
	}
	ord, err := keys.NewOrdering(cfg.Version, dirs...)
	if err != nil {
		return nil, err
	}

	extractor, err := NewFieldExtractor(cfg)
	if err != nil {
		return nil, err
	}

	b, err := newBuilder(cfg, o, ord, extractor)
	if err != nil {
		return nil, err
	}
	return b, nil
}
