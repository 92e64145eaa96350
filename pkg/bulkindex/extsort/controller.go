package extsort

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ControllerConfig holds shared resource limits for builds running in one
// process.
type ControllerConfig struct {
	// MemoryBudgetBytes caps the total bytes buffered by all spools sharing
	// this controller. 0 means no cap.
	MemoryBudgetBytes int64

	// MaxConcurrentBuilds caps builds admitted via AcquireBuild. 0 defaults
	// to 1.
	MaxConcurrentBuilds int64

	// IOBytesPerSec throttles spill and merge I/O. 0 means unlimited.
	IOBytesPerSec int64
}

// Controller coordinates memory and I/O across concurrent builds. A nil
// *Controller is valid and enforces nothing, so single-build callers never
// have to construct one.
type Controller struct {
	cfg ControllerConfig

	memSem  *semaphore.Weighted // nil if unlimited
	memUsed atomic.Int64

	buildSem *semaphore.Weighted

	ioLimiter *rate.Limiter
	ioBurst   int
}

// NewController creates a controller with the given limits.
func NewController(cfg ControllerConfig) *Controller {
	if cfg.MaxConcurrentBuilds <= 0 {
		cfg.MaxConcurrentBuilds = 1
	}

	c := &Controller{
		cfg:      cfg,
		buildSem: semaphore.NewWeighted(cfg.MaxConcurrentBuilds),
	}

	if cfg.MemoryBudgetBytes > 0 {
		c.memSem = semaphore.NewWeighted(cfg.MemoryBudgetBytes)
	}

	if cfg.IOBytesPerSec > 0 {
		burst := int(cfg.IOBytesPerSec)
		if burst < runBlockWriteChunk {
			burst = runBlockWriteChunk
		}
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOBytesPerSec), burst)
		c.ioBurst = burst
	}

	return c
}

// tryAcquireMemory reserves bytes without blocking. A refusal tells the
// spool to spill before retrying.
func (c *Controller) tryAcquireMemory(bytes int64) bool {
	if c == nil || bytes <= 0 {
		return true
	}
	if c.memSem != nil && !c.memSem.TryAcquire(bytes) {
		return false
	}
	c.memUsed.Add(bytes)
	return true
}

// acquireMemory reserves bytes, blocking until another spool releases its
// share or ctx is done.
func (c *Controller) acquireMemory(ctx context.Context, bytes int64) error {
	if c == nil || bytes <= 0 {
		return nil
	}
	if c.memSem != nil {
		if bytes > c.cfg.MemoryBudgetBytes {
			return fmt.Errorf("reservation of %d bytes exceeds shared memory budget %d", bytes, c.cfg.MemoryBudgetBytes)
		}
		if err := c.memSem.Acquire(ctx, bytes); err != nil {
			return err
		}
	}
	c.memUsed.Add(bytes)
	return nil
}

// releaseMemory returns reserved bytes to the budget.
func (c *Controller) releaseMemory(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}
	if c.memSem != nil {
		c.memSem.Release(bytes)
	}
	c.memUsed.Add(-bytes)
}

// MemoryUsage returns the bytes currently reserved across all spools.
func (c *Controller) MemoryUsage() int64 {
	if c == nil {
		return 0
	}
	return c.memUsed.Load()
}

// AcquireBuild reserves a build slot, blocking while the concurrency limit
// is saturated.
func (c *Controller) AcquireBuild(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.buildSem.Acquire(ctx, 1)
}

// ReleaseBuild releases a build slot.
func (c *Controller) ReleaseBuild() {
	if c == nil {
		return
	}
	c.buildSem.Release(1)
}

// runBlockWriteChunk is the largest single wait issued against the rate
// limiter; larger writes are throttled in chunks so the configured rate can
// be smaller than a block.
const runBlockWriteChunk = 64 * 1024

// throttleIO waits until the I/O budget admits n bytes.
func (c *Controller) throttleIO(ctx context.Context, n int) error {
	if c == nil || c.ioLimiter == nil || n <= 0 {
		return nil
	}
	for n > 0 {
		chunk := n
		if chunk > c.ioBurst {
			chunk = c.ioBurst
		}
		if err := c.ioLimiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
