// Package health collects host runtime resource usage (CPU, memory, disk)
// for the /healthz surface; no Prometheus metric is derived from it. The
// teacher's go.mod carries shirou/gopsutil/v3 without using it; this is its
// first wiring.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is one point-in-time read of host resource usage.
type Snapshot struct {
	CPUPercent  float64
	MemUsedPct  float64
	DiskUsedPct float64
	SampledAt   time.Time
}

// Collector periodically samples host resources and caches the last
// Snapshot for cheap concurrent reads by the /healthz handler.
type Collector struct {
	interval time.Duration
	diskPath string

	mu   sync.RWMutex
	last Snapshot

	stop chan struct{}
	done chan struct{}
}

// NewCollector builds a Collector sampling every interval. diskPath is the
// filesystem mount point to report disk usage for (e.g. "/").
func NewCollector(interval time.Duration, diskPath string) *Collector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if diskPath == "" {
		diskPath = "/"
	}
	return &Collector{interval: interval, diskPath: diskPath}
}

// Name satisfies system.Service.
func (c *Collector) Name() string { return "health-collector" }

// Start satisfies system.Service: it samples once synchronously so the
// first /healthz request after boot has data, then continues sampling on
// a background ticker until Stop.
func (c *Collector) Start(ctx context.Context) error {
	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	c.sample(ctx)

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sample(ctx)
			case <-c.stop:
				return
			}
		}
	}()
	return nil
}

// Stop satisfies system.Service.
func (c *Collector) Stop(ctx context.Context) error {
	if c.stop == nil {
		return nil
	}
	close(c.stop)
	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (c *Collector) sample(ctx context.Context) {
	snap := Snapshot{SampledAt: time.Now()}

	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		snap.CPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemUsedPct = vm.UsedPercent
	}
	if du, err := disk.UsageWithContext(ctx, c.diskPath); err == nil {
		snap.DiskUsedPct = du.UsedPercent
	}

	c.mu.Lock()
	c.last = snap
	c.mu.Unlock()
}

// Latest returns the most recent sample. Zero-value until the first Start
// call completes its synchronous sample.
func (c *Collector) Latest() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}
