// bulkload builds one or more secondary indexes over an NDJSON corpus.
//
// Configuration comes from a YAML file, overridden by BULKINDEX_* environment
// variables, overridden by flags. Builds run concurrently and share one
// resource controller, so the configured memory budget holds for the whole
// process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/CVDpl/go-bulkindex/internal/common"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/catalog"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/extsort"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/keys"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/metrics"
	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/monitoring"
)

type fieldConfig struct {
	Path string `yaml:"path"`
	Dir  string `yaml:"dir"` // "asc" (default) or "desc"
}

type indexConfig struct {
	Name             string        `yaml:"name"`
	Fields           []fieldConfig `yaml:"fields"`
	Unique           bool          `yaml:"unique"`
	DropDuplicates   bool          `yaml:"drop_duplicates"`
	IgnoreUniqueness bool          `yaml:"ignore_uniqueness"`
}

type loadConfig struct {
	Corpus              string        `yaml:"corpus"`
	IndexDir            string        `yaml:"index_dir"`
	TempDir             string        `yaml:"temp_dir"`
	MemoryCeiling       int64         `yaml:"memory_ceiling"`
	MemoryBudget        int64         `yaml:"memory_budget"`
	MaxConcurrentBuilds int64         `yaml:"max_concurrent_builds"`
	IORate              int64         `yaml:"io_rate"`
	Compression         string        `yaml:"compression"`
	AllowSpill          *bool         `yaml:"allow_spill"`
	OpsAddr             string        `yaml:"ops_addr"`
	LogLevel            string        `yaml:"log_level"`
	Indexes             []indexConfig `yaml:"indexes"`
}

func readConfig(path string) (*loadConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg loadConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// applyEnv overlays BULKINDEX_* variables onto cfg. Integers that fail to
// parse are reported rather than silently ignored.
func applyEnv(cfg *loadConfig) error {
	if v := os.Getenv("BULKINDEX_CORPUS"); v != "" {
		cfg.Corpus = v
	}
	if v := os.Getenv("BULKINDEX_INDEX_DIR"); v != "" {
		cfg.IndexDir = v
	}
	if v := os.Getenv("BULKINDEX_TEMP_DIR"); v != "" {
		cfg.TempDir = v
	}
	if v := os.Getenv("BULKINDEX_OPS_ADDR"); v != "" {
		cfg.OpsAddr = v
	}
	if v := os.Getenv("BULKINDEX_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BULKINDEX_COMPRESSION"); v != "" {
		cfg.Compression = v
	}
	for _, e := range []struct {
		name string
		dst  *int64
	}{
		{"BULKINDEX_MEMORY_CEILING", &cfg.MemoryCeiling},
		{"BULKINDEX_MEMORY_BUDGET", &cfg.MemoryBudget},
		{"BULKINDEX_MAX_CONCURRENT_BUILDS", &cfg.MaxConcurrentBuilds},
		{"BULKINDEX_IO_RATE", &cfg.IORate},
	} {
		v := os.Getenv(e.name)
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", e.name, err)
		}
		*e.dst = n
	}
	return nil
}

func parseCompression(s string) (uint8, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "zstd":
		return common.CodecZstd, nil
	case "lz4":
		return common.CodecLZ4, nil
	case "none":
		return common.CodecNone, nil
	default:
		return 0, fmt.Errorf("unknown compression %q (want none, lz4 or zstd)", s)
	}
}

func parseLevel(s string) (common.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return common.LogLevelDebug, nil
	case "", "info":
		return common.LogLevelInfo, nil
	case "warn":
		return common.LogLevelWarn, nil
	case "error":
		return common.LogLevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

func parseDirection(s string) (keys.Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "asc", "ascending", "1":
		return keys.Ascending, nil
	case "desc", "descending", "-1":
		return keys.Descending, nil
	default:
		return 0, fmt.Errorf("unknown direction %q (want asc or desc)", s)
	}
}

func main() {
	configPath := flag.String("config", "", "path to the YAML load configuration (required)")
	corpus := flag.String("corpus", "", "override the corpus path")
	indexDir := flag.String("index-dir", "", "override the index root directory")
	opsAddr := flag.String("ops", "", "override the ops listen address for /metrics and /debug/pprof")
	logLevel := flag.String("log-level", "", "override the log level (debug, info, warn, error)")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("bulkload", bulkindex.Version)
		return
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "-config is required")
		os.Exit(2)
	}

	cfg, err := readConfig(*configPath)
	if err == nil {
		err = applyEnv(cfg)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "bulkload:", err)
		os.Exit(2)
	}
	if *corpus != "" {
		cfg.Corpus = *corpus
	}
	if *indexDir != "" {
		cfg.IndexDir = *indexDir
	}
	if *opsAddr != "" {
		cfg.OpsAddr = *opsAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "bulkload:", err)
		os.Exit(1)
	}
}

func run(cfg *loadConfig) error {
	if cfg.Corpus == "" {
		return fmt.Errorf("no corpus configured")
	}
	if cfg.IndexDir == "" {
		return fmt.Errorf("no index_dir configured")
	}
	if len(cfg.Indexes) == 0 {
		return fmt.Errorf("no indexes configured")
	}

	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := bulkindex.NewDefaultLoggerWithLevel(level)

	compression, err := parseCompression(cfg.Compression)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New("")
	if cfg.OpsAddr != "" {
		srv, err := monitoring.StartOpsServer(cfg.OpsAddr, m.Handler())
		if err != nil {
			return fmt.Errorf("start ops server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := monitoring.StopOpsServer(shutdownCtx, srv); err != nil {
				logger.Warn("ops server shutdown", "error", err)
			}
		}()
		logger.Info("ops server listening", "addr", cfg.OpsAddr)
	}

	cat, err := catalog.Open(cfg.IndexDir, logger)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}

	controller := extsort.NewController(extsort.ControllerConfig{
		MemoryBudgetBytes:   cfg.MemoryBudget,
		MaxConcurrentBuilds: cfg.MaxConcurrentBuilds,
		IOBytesPerSec:       cfg.IORate,
	})

	logger.Info("starting bulk load",
		"corpus", cfg.Corpus,
		"indexes", len(cfg.Indexes),
		"memory_budget", cfg.MemoryBudget,
		"max_concurrent_builds", cfg.MaxConcurrentBuilds,
	)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for _, idx := range cfg.Indexes {
		g.Go(func() error {
			return buildOne(gctx, cat, controller, m, logger, cfg, compression, idx)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("bulk load complete",
		"indexes", len(cfg.Indexes),
		"catalog_seq", cat.CurrentSeq(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func buildOne(ctx context.Context, cat *catalog.Catalog, controller *extsort.Controller, m *metrics.Metrics, logger common.Logger, cfg *loadConfig, compression uint8, idx indexConfig) error {
	fields := make([]bulkindex.FieldSpec, 0, len(idx.Fields))
	for _, f := range idx.Fields {
		dir, err := parseDirection(f.Dir)
		if err != nil {
			return fmt.Errorf("index %q: %w", idx.Name, err)
		}
		fields = append(fields, bulkindex.FieldSpec{Path: f.Path, Dir: dir})
	}

	f, err := os.Open(cfg.Corpus)
	if err != nil {
		return fmt.Errorf("open corpus: %w", err)
	}
	src := bulkindex.NewJSONLSource(f)

	opts := bulkindex.DefaultOptions()
	opts.Logger = logger
	opts.IndexDir = filepath.Join(cfg.IndexDir, idx.Name)
	opts.TempDir = ""
	if cfg.TempDir != "" {
		opts.TempDir = filepath.Join(cfg.TempDir, idx.Name)
	}
	if cfg.MemoryCeiling > 0 {
		opts.MemoryCeiling = cfg.MemoryCeiling
	}
	if cfg.AllowSpill != nil {
		opts.AllowSpill = *cfg.AllowSpill
	}
	opts.DropDuplicates = idx.DropDuplicates
	opts.IgnoreUniqueness = idx.IgnoreUniqueness
	opts.Compression = compression
	opts.Controller = controller

	progress := m.StartBuild(idx.Name)
	opts.Progress = progress

	result, err := bulkindex.BuildIndex(ctx, cat, src, bulkindex.IndexConfig{
		Name:   idx.Name,
		Fields: fields,
		Unique: idx.Unique,
	}, opts)
	progress.Done(result, err)
	if err != nil {
		// The group reports only the first failure; log the rest here.
		bulkindex.LogError(logger, "index build failed", err, "index", idx.Name)
		return fmt.Errorf("build index %q: %w", idx.Name, err)
	}

	dropped := uint64(0)
	if result.Dropped != nil {
		dropped = result.Dropped.GetCardinality()
	}
	fmt.Printf("index %s: %d docs, %d keys committed, %d dropped, %d skipped, %d runs spilled, %s\n",
		idx.Name, result.Docs, result.KeysCommitted, dropped, result.SoftSkipped,
		result.Spool.RunsSpilled, result.Elapsed.Round(time.Millisecond))
	return nil
}
