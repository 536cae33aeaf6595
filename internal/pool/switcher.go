package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bardlex/gominer/internal/stats"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/log"
)

// SwitcherConfig tunes the failover policy.
type SwitcherConfig struct {
	// CheckInterval is the period of the alive check.
	CheckInterval time.Duration
	// DeadThreshold is how long a pool may stay silent before it is declared
	// dead.
	DeadThreshold time.Duration
	// IdleBackoff is how long TryGetWork waits when no pool is active.
	IdleBackoff time.Duration
}

// DefaultSwitcherConfig returns the stock failover policy.
func DefaultSwitcherConfig() SwitcherConfig {
	return SwitcherConfig{
		CheckInterval: 20 * time.Second,
		DeadThreshold: 60 * time.Second,
		IdleBackoff:   time.Second,
	}
}

// RecordsSource is implemented by providers that keep share counters.
type RecordsSource interface {
	Records() *stats.PoolRecords
}

type switcherEntry struct {
	provider Provider
	uid      uint64
	// the first pool counts as alive from the moment it is added
	aliveFloor time.Time
}

func (e *switcherEntry) lastAlive() time.Time {
	t := e.provider.LastKnownAliveTime()
	if e.aliveFloor.After(t) {
		return e.aliveFloor
	}
	return t
}

// Switcher keeps exactly one of an ordered list of pools active. Earlier pools
// have priority: the first alive pool at or before the active one wins, and a
// dead active pool hands over to the next one. The Switcher is itself a
// Provider that forwards to the active pool.
type Switcher struct {
	algorithm work.Algorithm
	uid       uint64
	cfg       SwitcherConfig
	logger    *log.Logger
	now       func() time.Time
	records   stats.PoolRecords

	mu      sync.Mutex
	entries []*switcherEntry
	// len(entries) means no pool is active
	active   int
	onChange func(stats.PoolSwitch)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSwitcher creates an empty switcher for one algorithm.
func NewSwitcher(algorithm work.Algorithm, cfg SwitcherConfig, logger *log.Logger) *Switcher {
	def := DefaultSwitcherConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.DeadThreshold <= 0 {
		cfg.DeadThreshold = def.DeadThreshold
	}
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = def.IdleBackoff
	}

	uid := NewPoolUID()
	return &Switcher{
		algorithm: algorithm,
		uid:       uid,
		cfg:       cfg,
		logger:    logger.WithComponent("pool_switcher").WithFields("algorithm", algorithm.String()),
		now:       time.Now,
	}
}

// OnActiveChange installs a listener for active pool changes. It is called
// without the switcher lock held.
func (s *Switcher) OnActiveChange(fn func(stats.PoolSwitch)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Add appends p with the lowest priority so far.
func (s *Switcher) Add(p Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &switcherEntry{provider: p, uid: p.PoolUID()}
	if len(s.entries) == 0 {
		e.aliveFloor = s.now()
	}
	s.entries = append(s.entries, e)
	s.logger.Info("pool added", "index", len(s.entries)-1, "pool", p.Name(), "pool_uid", e.uid)
}

// Start runs the periodic alive check until ctx is done or Close is called.
func (s *Switcher) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.cfg.CheckInterval)
		defer ticker.Stop()

		for {
			s.aliveCheck(s.now())
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Close stops the alive check and waits for it to return.
func (s *Switcher) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

type deadPool struct {
	index    int
	provider Provider
}

func (s *Switcher) aliveCheck(now time.Time) {
	var (
		declaredDead []deadPool
		change       *stats.PoolSwitch
		listener     func(stats.PoolSwitch)
	)

	s.mu.Lock()
	if len(s.entries) == 0 {
		s.mu.Unlock()
		return
	}
	s.logger.Debug("checking pool connection status")

	before := s.active
	for i := 0; i < len(s.entries) && i <= s.active; i++ {
		e := s.entries[i]
		dead := now.Sub(e.lastAlive()) > s.cfg.DeadThreshold
		if dead {
			if i == s.active {
				s.active++
				declaredDead = append(declaredDead, deadPool{index: i, provider: e.provider})
				s.logger.Warn("pool is inactive, trying next backup pool", "index", i, "pool", e.provider.Name())
			}
		} else if i != s.active {
			s.active = i
			s.logger.Info("pool chosen as new active pool", "index", i, "pool", e.provider.Name())
		}
	}
	if s.active == len(s.entries) {
		s.logger.Info("no more backup pools available, waiting for pools to become available again")
	}

	if s.active != before {
		change = &stats.PoolSwitch{
			Time:      now,
			Algorithm: s.algorithm.String(),
			FromIndex: before,
			ToIndex:   s.active,
			FromPool:  s.nameAt(before),
			ToPool:    s.nameAt(s.active),
		}
		listener = s.onChange
	}
	s.mu.Unlock()

	for _, d := range declaredDead {
		if l, ok := d.provider.(DeathListener); ok {
			l.OnDeclaredDead()
		}
	}
	if change != nil {
		s.logger.LogPoolSwitch(change.FromIndex, change.ToIndex, change.ToPool)
		if listener != nil {
			listener(*change)
		}
	}
}

func (s *Switcher) nameAt(i int) string {
	if i < len(s.entries) {
		return s.entries[i].provider.Name()
	}
	return ""
}

func (s *Switcher) activeEntry() *switcherEntry {
	if s.active >= len(s.entries) {
		return nil
	}
	return s.entries[s.active]
}

// ActiveIndex returns the index of the active pool and whether one is active.
func (s *Switcher) ActiveIndex() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.active < len(s.entries)
}

// Algorithm returns the algorithm all pools of this switcher serve.
func (s *Switcher) Algorithm() work.Algorithm { return s.algorithm }

// TryGetWork asks the active pool for work. Without an active pool it waits
// IdleBackoff (or until ctx is done) so worker loops do not spin.
func (s *Switcher) TryGetWork(ctx context.Context) (work.Work, bool) {
	s.mu.Lock()
	e := s.activeEntry()
	s.mu.Unlock()

	if e != nil {
		return e.provider.TryGetWork(ctx)
	}

	s.logger.Info("cannot provide work since there is no active pool")
	t := time.NewTimer(s.cfg.IdleBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
	return nil, false
}

// SubmitWork forwards r to the active pool if that pool issued it. Results for
// any other pool, or for jobs that no longer exist, are dropped.
func (s *Switcher) SubmitWork(r work.Result) {
	resultUID, ok := r.Handle().PoolUID()
	if !ok {
		s.records.Record(stats.ShareDropped, 0)
		s.logger.Info("work result cannot be submitted because its job has expired")
		return
	}

	s.mu.Lock()
	e := s.activeEntry()
	if e != nil && e.uid == resultUID {
		e.provider.SubmitWork(r)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.records.Record(stats.ShareDropped, 0)
	if e == nil {
		s.logger.Info("solution could not be submitted, since there is no active pool", "result_pool_uid", resultUID)
		return
	}
	s.logger.Info("solution belongs to another pool and will not be submitted to the current pool",
		"result_pool_uid", resultUID, "active_pool_uid", e.uid)
}

// PoolUID returns the active pool's UID, or the switcher's own UID when no
// pool is active.
func (s *Switcher) PoolUID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.activeEntry(); e != nil {
		return e.uid
	}
	return s.uid
}

// Name identifies the switcher in logs.
func (s *Switcher) Name() string {
	return fmt.Sprintf("pool switcher (%s)", s.algorithm)
}

// LastKnownAliveTime reports the active pool's last sign of life.
func (s *Switcher) LastKnownAliveTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.activeEntry(); e != nil {
		return e.lastAlive()
	}
	return time.Time{}
}

// Records returns the switcher's own counters (results dropped by routing).
func (s *Switcher) Records() *stats.PoolRecords {
	return &s.records
}

// Len returns the number of pools.
func (s *Switcher) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Pools returns a snapshot of every pool for the stats API.
func (s *Switcher) Pools() []stats.PoolStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]stats.PoolStatus, 0, len(s.entries))
	for i, e := range s.entries {
		ps := stats.PoolStatus{
			Algorithm: s.algorithm.String(),
			Index:     i,
			Name:      e.provider.Name(),
			UID:       e.uid,
			Active:    i == s.active,
			LastAlive: e.lastAlive(),
		}
		if rs, ok := e.provider.(RecordsSource); ok {
			ps.Records = rs.Records().Snapshot()
		}
		out = append(out, ps)
	}
	return out
}
