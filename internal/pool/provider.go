// Package pool connects the miner to remote pools: the Provider interface
// compute workers pull work from, the Switcher that fails over between pools,
// and the stratum backends behind both.
package pool

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/errors"
)

// Provider hands out work and accepts results. Implementations must be safe
// for concurrent use by many workers.
type Provider interface {
	Algorithm() work.Algorithm
	// TryGetWork returns work, or false after a bounded wait.
	TryGetWork(ctx context.Context) (work.Work, bool)
	// SubmitWork forwards a result. It never blocks on the network and may
	// drop the result.
	SubmitWork(r work.Result)
	PoolUID() uint64
	Name() string
	LastKnownAliveTime() time.Time
}

// DeathListener is implemented by providers that want to hear when the
// switcher gives up on them.
type DeathListener interface {
	OnDeclaredDead()
}

var poolUIDCounter atomic.Uint64

// NewPoolUID returns a process wide unique pool id. UIDs start at 1 and are
// never reused.
func NewPoolUID() uint64 {
	return poolUIDCounter.Add(1)
}

// GetWork pulls work from p and casts it to W. It reports false with a nil
// error when p had no work, and a contract error when p returned work of
// another algorithm.
func GetWork[W work.Work](ctx context.Context, p Provider) (W, bool, error) {
	var zero W
	w, ok := p.TryGetWork(ctx)
	if !ok || w == nil {
		return zero, false, nil
	}
	typed, err := work.As[W](w)
	if err != nil {
		return zero, false, errors.Wrap(err, errors.ErrorTypeContract, "get_work",
			"provider returned work of the wrong algorithm").WithContext("pool", p.Name())
	}
	return typed, true, nil
}

// Submit forwards r to p after checking that the algorithm tags agree.
func Submit(p Provider, r work.Result) error {
	if r == nil {
		return errors.Contract("submit", "nil result")
	}
	if r.Algorithm() != p.Algorithm() {
		return errors.Contract("submit", "%s result submitted to %s pool %q", r.Algorithm(), p.Algorithm(), p.Name())
	}
	p.SubmitWork(r)
	return nil
}

// AliveTracker records when a pool was last heard from.
type AliveTracker struct {
	lastAlive atomic.Int64
}

// Touch marks the pool alive now.
func (a *AliveTracker) Touch() {
	a.TouchAt(time.Now())
}

// TouchAt marks the pool alive at t.
func (a *AliveTracker) TouchAt(t time.Time) {
	a.lastAlive.Store(t.UnixNano())
}

// LastKnownAliveTime returns the last Touch, or the zero time.
func (a *AliveTracker) LastKnownAliveTime() time.Time {
	ns := a.lastAlive.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
