package bulkindex

import (
	"sync/atomic"
	"time"

	"github.com/CVDpl/go-bulkindex/internal/common"
)

// ProgressReporter observes the construction phase of a build. Hit is called
// once per key consumed from the sorted stream, Finished exactly once when
// consumption ends.
type ProgressReporter interface {
	Hit()
	Finished()
}

// NullProgress discards all progress callbacks.
type NullProgress struct{}

func (NullProgress) Hit()      {}
func (NullProgress) Finished() {}

// LogProgress logs throughput every interval keys.
type LogProgress struct {
	logger   common.Logger
	interval uint64
	count    uint64
	start    time.Time
}

// NewLogProgress creates a reporter that logs every interval keys
// (0 = every million).
func NewLogProgress(logger common.Logger, interval uint64) *LogProgress {
	if logger == nil {
		logger = common.NewNullLogger()
	}
	if interval == 0 {
		interval = common.DefaultProgressEntries
	}
	return &LogProgress{
		logger:   logger,
		interval: interval,
		start:    time.Now(),
	}
}

func (p *LogProgress) Hit() {
	n := atomic.AddUint64(&p.count, 1)
	if n%p.interval != 0 {
		return
	}
	elapsed := time.Since(p.start).Seconds()
	rate := float64(n)
	if elapsed > 0 {
		rate = float64(n) / elapsed
	}
	p.logger.Info("build progress", "keys", n, "keys_per_sec", uint64(rate))
}

func (p *LogProgress) Finished() {
	p.logger.Info("build progress complete",
		"keys", atomic.LoadUint64(&p.count),
		"duration_ms", time.Since(p.start).Milliseconds())
}

// Count returns the number of keys seen so far.
func (p *LogProgress) Count() uint64 {
	return atomic.LoadUint64(&p.count)
}
