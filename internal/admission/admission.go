// Package admission gates new work on concurrency headroom and sampled
// memory utilization.
package admission

import (
	"context"

	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/refdex/recrawl/internal/config"
	"github.com/refdex/recrawl/internal/metrics"
)

// Denial reasons reported by CanAdmit.
const (
	ReasonConcurrency = "concurrency"
	ReasonMemory      = "memory"
)

// MemorySampler reports system memory utilization as a percentage.
type MemorySampler interface {
	UsedPercent(ctx context.Context) (float64, error)
}

// SystemSampler samples real memory utilization via gopsutil.
type SystemSampler struct{}

// UsedPercent returns the percentage of physical memory in use.
func (SystemSampler) UsedPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// Controller decides whether the scheduler may claim new work this tick.
// Denial only stops new claims; already-running crawls continue, which gives
// backpressure without aborting in-flight work.
type Controller struct {
	sampler MemorySampler
	logger  *zap.Logger
}

// New constructs a Controller.
func New(sampler MemorySampler, logger *zap.Logger) *Controller {
	if sampler == nil {
		sampler = SystemSampler{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{sampler: sampler, logger: logger}
}

// CanAdmit admits only when running is under the concurrency limit and
// sampled memory utilization is under the threshold. Sampling failures fail
// open with a warning, so a monitoring glitch cannot deadlock the queue.
func (c *Controller) CanAdmit(ctx context.Context, running int, settings config.Settings) bool {
	if running >= settings.MaxConcurrency {
		metrics.ObserveAdmissionDenied(ReasonConcurrency)
		return false
	}

	used, err := c.sampler.UsedPercent(ctx)
	if err != nil {
		c.logger.Warn("memory sampling failed, admitting anyway", zap.Error(err))
		return true
	}
	if used >= settings.MemoryThresholdPercent {
		c.logger.Info("admission denied by memory pressure",
			zap.Float64("used_percent", used),
			zap.Float64("threshold_percent", settings.MemoryThresholdPercent),
		)
		metrics.ObserveAdmissionDenied(ReasonMemory)
		return false
	}
	return true
}
