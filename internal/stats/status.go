package stats

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/gominer/pkg/log"
)

// PoolLister is implemented by the pool switchers.
type PoolLister interface {
	Pools() []PoolStatus
}

// DeviceLister is implemented by the miners.
type DeviceLister interface {
	Devices() []DeviceStatus
}

// Collector assembles status snapshots from every registered switcher and
// miner.
type Collector struct {
	mu      sync.RWMutex
	pools   []PoolLister
	devices []DeviceLister
}

// AddPools registers a pool table source.
func (c *Collector) AddPools(p PoolLister) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pools = append(c.pools, p)
}

// AddDevices registers a device table source.
func (c *Collector) AddDevices(d DeviceLister) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.devices = append(c.devices, d)
}

// Pools returns every pool row, optionally only those of one algorithm.
func (c *Collector) Pools(algorithm string) []PoolStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := []PoolStatus{}
	for _, src := range c.pools {
		for _, p := range src.Pools() {
			if algorithm == "" || p.Algorithm == algorithm {
				out = append(out, p)
			}
		}
	}
	return out
}

// Devices returns every device row, optionally only those of one algorithm.
func (c *Collector) Devices(algorithm string) []DeviceStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := []DeviceStatus{}
	for _, src := range c.devices {
		for _, d := range src.Devices() {
			if algorithm == "" || d.Algorithm == algorithm {
				out = append(out, d)
			}
		}
	}
	return out
}

// Snapshot collects the full status at now.
func (c *Collector) Snapshot(now time.Time) StatusSnapshot {
	return StatusSnapshot{
		Time:    now.UTC(),
		Pools:   c.Pools(""),
		Devices: c.Devices(""),
	}
}

// StatusPublisher periodically hands a snapshot to every status sink.
type StatusPublisher struct {
	collector *Collector
	sinks     []StatusSink
	interval  time.Duration
	timeout   time.Duration
	logger    *log.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewStatusPublisher creates a publisher ticking every interval.
func NewStatusPublisher(collector *Collector, interval time.Duration, logger *log.Logger, sinks ...StatusSink) *StatusPublisher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &StatusPublisher{
		collector: collector,
		sinks:     sinks,
		interval:  interval,
		timeout:   5 * time.Second,
		logger:    logger.WithComponent("status"),
	}
}

// Start launches the publishing loop. With no sinks it does nothing.
func (p *StatusPublisher) Start(ctx context.Context) {
	if len(p.sinks) == 0 {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.run(ctx)
}

// Close stops the loop after publishing one final snapshot.
func (p *StatusPublisher) Close() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
}

func (p *StatusPublisher) run(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Publish()
		case <-ctx.Done():
			p.Publish()
			return
		}
	}
}

// Publish sends one snapshot to every sink now.
func (p *StatusPublisher) Publish() {
	snap := p.collector.Snapshot(time.Now())
	for _, sink := range p.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		err := sink.PublishStatus(ctx, snap)
		cancel()
		if err != nil {
			p.logger.WithError(err).Warn("status sink failed", "sink", sink.Name())
		}
	}
}
