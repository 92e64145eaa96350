package bulkindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/CVDpl/go-bulkindex/internal/common"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/catalog"
)

// BuildIndex runs one complete build from src and publishes it in the
// catalog. The index is registered up front (not ready), fed, committed, and
// only then marked ready; a crash anywhere leaves at worst a registered
// not-ready index and no partial tree. BuildIndex drains and closes src.
func BuildIndex(ctx context.Context, cat *catalog.Catalog, src DocumentSource, cfg IndexConfig, opts *Options) (*Result, error) {
	if cat == nil {
		return nil, fmt.Errorf("%w: nil catalog", common.ErrInvalidConfig)
	}
	if src == nil {
		return nil, fmt.Errorf("%w: nil document source", common.ErrInvalidConfig)
	}
	defer src.Close()

	o := Options{}
	if opts != nil {
		o = *opts
	}
	logger := o.Logger
	if logger == nil {
		logger = NewDefaultLogger()
		o.Logger = logger
	}
	start := time.Now()
	defer LogLatency(logger, "build index", start, "index", cfg.Name)

	// Builds may be gated process-wide; nil controllers gate nothing.
	if err := o.Controller.AcquireBuild(ctx); err != nil {
		return nil, err
	}
	defer o.Controller.ReleaseBuild()

	if _, err := cat.GetIndex(cfg.Name); err != nil {
		if !errors.Is(err, common.ErrIndexNotFound) {
			return nil, err
		}
		spec, merr := json.Marshal(cfg)
		if merr != nil {
			return nil, fmt.Errorf("marshal index config: %w", merr)
		}
		if err := cat.AddIndex(catalog.IndexMeta{Name: cfg.Name, Spec: spec}); err != nil {
			return nil, fmt.Errorf("register index: %w", err)
		}
	}

	b, err := New(cfg, &o)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	for src.Next(ctx) {
		if err := b.Insert(ctx, src.Doc()); err != nil {
			return nil, err
		}
	}
	if err := src.Err(); err != nil {
		return nil, fmt.Errorf("read documents: %w", err)
	}

	result, err := b.Commit(ctx)
	if err != nil {
		return nil, err
	}

	// Catalog updates happen strictly after the tree is durable.
	if result.Multikey {
		if err := cat.SetMultikey(cfg.Name); err != nil {
			return nil, fmt.Errorf("record multikey: %w", err)
		}
	}
	if err := cat.SetIndexHead(cfg.Name, result.Tree); err != nil {
		return nil, fmt.Errorf("record index head: %w", err)
	}
	if err := cat.MarkIndexReady(cfg.Name); err != nil {
		return nil, fmt.Errorf("mark index ready: %w", err)
	}
	return result, nil
}
