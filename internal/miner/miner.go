// Package miner drives compute devices: one owner goroutine per device keeps
// the device dataset current and runs a group of sub-workers that pull work,
// scan nonce ranges and hand results to a bounded submitter.
package miner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/internal/stats"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// EpochWork is work that needs a per-epoch device dataset.
type EpochWork interface {
	work.Work
	DatasetEpoch() uint64
}

// Dataset is device resident state shared read-only by all sub-workers, such
// as an Ethash DAG.
type Dataset interface {
	Epoch() uint64
}

// Device is one compute device assigned to a miner.
type Device struct {
	Index int
	Name  string
}

// Backend runs the algorithm on a device.
type Backend[W EpochWork, R work.Result] interface {
	// BuildDataset prepares the dataset for w's epoch.
	BuildDataset(ctx context.Context, dev Device, w W) (Dataset, error)
	// Search scans nonces [first, first+count) and returns every result
	// meeting the work's device target.
	Search(ctx context.Context, dev Device, ds Dataset, w W, first, count uint64) ([]R, error)
}

// Config tunes the worker loops.
type Config struct {
	// SubTasks is the number of sub-workers per device.
	SubTasks int
	// Stride is how many nonces one Search call covers. Shutdown and expiry
	// are checked between strides.
	Stride     uint64
	NonceSpace uint64

	SubmitWorkers int
	SubmitQueue   int
	// ErrorBackoff is the pause after a failed dataset build or search.
	ErrorBackoff time.Duration
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		SubTasks:      4,
		Stride:        2400,
		NonceSpace:    1 << 32,
		SubmitWorkers: 2,
		SubmitQueue:   64,
		ErrorBackoff:  time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.SubTasks <= 0 {
		c.SubTasks = def.SubTasks
	}
	if c.Stride == 0 {
		c.Stride = def.Stride
	}
	if c.NonceSpace == 0 {
		c.NonceSpace = def.NonceSpace
	}
	if c.SubmitWorkers <= 0 {
		c.SubmitWorkers = def.SubmitWorkers
	}
	if c.SubmitQueue <= 0 {
		c.SubmitQueue = def.SubmitQueue
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = def.ErrorBackoff
	}
}

type deviceState struct {
	dev     Device
	records *stats.DeviceRecords
	logger  *log.Logger
}

// Miner mines one algorithm on a set of devices.
type Miner[W EpochWork, R work.Result] struct {
	provider  pool.Provider
	backend   Backend[W, R]
	cfg       Config
	logger    *log.Logger
	devices   []*deviceState
	submitter *Submitter

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a miner pulling work from provider.
func New[W EpochWork, R work.Result](provider pool.Provider, backend Backend[W, R], devices []Device, cfg Config, logger *log.Logger) (*Miner[W, R], error) {
	if len(devices) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "new_miner",
			fmt.Sprintf("no devices for %s", provider.Algorithm()))
	}
	cfg.applyDefaults()

	logger = logger.WithComponent("miner").WithFields("algorithm", provider.Algorithm().String())
	now := time.Now()
	m := &Miner[W, R]{
		provider:  provider,
		backend:   backend,
		cfg:       cfg,
		logger:    logger,
		submitter: NewSubmitter(provider, cfg.SubmitWorkers, cfg.SubmitQueue, logger),
	}
	for _, dev := range devices {
		m.devices = append(m.devices, &deviceState{
			dev:     dev,
			records: stats.NewDeviceRecords(now),
			logger:  logger.WithDevice(dev.Index, dev.Name),
		})
	}
	return m, nil
}

// Start spawns one owner goroutine per device.
func (m *Miner[W, R]) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.submitter.Start(ctx)

	for _, d := range m.devices {
		m.wg.Add(1)
		go m.runDevice(ctx, d)
	}
	m.logger.Info("miner started", "devices", len(m.devices), "sub_tasks", m.cfg.SubTasks)
}

// Close cancels every worker and blocks until all of them returned.
func (m *Miner[W, R]) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.submitter.Close()
	m.logger.Info("miner stopped", "dropped_results", m.submitter.Dropped())
}

// Devices returns a stats row per device.
func (m *Miner[W, R]) Devices() []stats.DeviceStatus {
	now := time.Now()
	out := make([]stats.DeviceStatus, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, stats.DeviceStatus{
			Index:     d.dev.Index,
			Name:      d.dev.Name,
			Algorithm: m.provider.Algorithm().String(),
			Records:   d.records.Snapshot(now),
		})
	}
	return out
}

// runDevice is the owner loop: it learns the epoch from one work unit,
// rebuilds the dataset when the epoch changed and runs the sub-workers until
// they all return.
func (m *Miner[W, R]) runDevice(ctx context.Context, d *deviceState) {
	defer m.wg.Done()
	defer d.logger.Debug("device loop stopped")

	var ds Dataset
	for ctx.Err() == nil {
		first, ok := m.nextWork(ctx, d)
		if !ok {
			continue
		}

		epoch := first.DatasetEpoch()
		if ds == nil || ds.Epoch() != epoch {
			start := time.Now()
			var err error
			ds, err = m.backend.BuildDataset(ctx, d.dev, first)
			if err != nil {
				ds = nil
				d.records.AddError()
				d.logger.WithError(err).Error("failed to build dataset", "epoch", epoch)
				m.backoff(ctx)
				continue
			}
			d.logger.LogDuration("build dataset", time.Since(start))
		}

		var wg sync.WaitGroup
		for i := 0; i < m.cfg.SubTasks; i++ {
			wg.Add(1)
			go func(seeded bool) {
				defer wg.Done()
				m.runSubTask(ctx, d, ds, first, seeded)
			}(i == 0)
		}
		wg.Wait()
	}
}

// runSubTask pulls work and scans it until shutdown or until work for another
// epoch shows up. The first sub-task starts on the owner's work unit.
func (m *Miner[W, R]) runSubTask(ctx context.Context, d *deviceState, ds Dataset, initial W, seeded bool) {
	for ctx.Err() == nil {
		var w W
		if seeded {
			w, seeded = initial, false
		} else {
			var ok bool
			if w, ok = m.nextWork(ctx, d); !ok {
				continue
			}
		}

		if w.DatasetEpoch() != ds.Epoch() {
			d.logger.Info("work needs a new dataset", "epoch", w.DatasetEpoch(), "loaded", ds.Epoch())
			return
		}
		m.scan(ctx, d, ds, w)
	}
}

// nextWork pulls one work unit. Work of another algorithm counts as a device
// error and is followed by a backoff.
func (m *Miner[W, R]) nextWork(ctx context.Context, d *deviceState) (W, bool) {
	w, ok, err := pool.GetWork[W](ctx, m.provider)
	if err != nil {
		d.records.AddError()
		d.logger.WithError(err).Error("discarding work from provider")
		m.backoff(ctx)
	}
	return w, ok
}

func (m *Miner[W, R]) scan(ctx context.Context, d *deviceState, ds Dataset, w W) {
	for first := uint64(0); first < m.cfg.NonceSpace; first += m.cfg.Stride {
		if ctx.Err() != nil || w.Expired() {
			return
		}

		count := min(m.cfg.Stride, m.cfg.NonceSpace-first)
		results, err := m.backend.Search(ctx, d.dev, ds, w, first, count)
		if err != nil {
			d.records.AddError()
			d.logger.WithError(err).Warn("search failed", "first_nonce", first)
			m.backoff(ctx)
			return
		}

		d.records.AddHashes(count)
		if len(results) > 0 {
			d.records.AddSolutions(len(results))
			for _, r := range results {
				m.submitter.Enqueue(r)
			}
		}
	}
}

func (m *Miner[W, R]) backoff(ctx context.Context) {
	t := time.NewTimer(m.cfg.ErrorBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
