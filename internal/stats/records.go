// Package stats keeps per pool and per device counters and fans share and
// pool switch events out to the configured sinks.
package stats

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// PoolRecords counts share outcomes for one pool. All methods are safe for
// concurrent use; a nil *PoolRecords ignores updates.
type PoolRecords struct {
	accepted       atomic.Uint64
	rejected       atomic.Uint64
	neverResponded atomic.Uint64
	dropped        atomic.Uint64

	// float64 bits
	acceptedDiff atomic.Uint64
	connectedAt  atomic.Int64
}

// PoolSnapshot is a point in time copy of PoolRecords.
type PoolSnapshot struct {
	Accepted           uint64     `json:"accepted"`
	Rejected           uint64     `json:"rejected"`
	NeverResponded     uint64     `json:"never_responded"`
	Dropped            uint64     `json:"dropped"`
	AcceptedDifficulty float64    `json:"accepted_difficulty"`
	ConnectedSince     *time.Time `json:"connected_since,omitempty"`
}

// Record applies a share outcome to the counters.
func (r *PoolRecords) Record(status ShareStatus, difficulty float64) {
	if r == nil {
		return
	}
	switch status {
	case ShareAccepted:
		r.accepted.Add(1)
		for {
			old := r.acceptedDiff.Load()
			next := math.Float64bits(math.Float64frombits(old) + difficulty)
			if r.acceptedDiff.CompareAndSwap(old, next) {
				break
			}
		}
	case ShareRejected:
		r.rejected.Add(1)
	case ShareNeverResponded:
		r.neverResponded.Add(1)
	case ShareDropped:
		r.dropped.Add(1)
	}
}

// SetConnected marks the pool connected since t, or disconnected for the
// zero time.
func (r *PoolRecords) SetConnected(t time.Time) {
	if r == nil {
		return
	}
	if t.IsZero() {
		r.connectedAt.Store(0)
		return
	}
	r.connectedAt.Store(t.UnixNano())
}

// Snapshot copies the counters.
func (r *PoolRecords) Snapshot() PoolSnapshot {
	if r == nil {
		return PoolSnapshot{}
	}
	s := PoolSnapshot{
		Accepted:           r.accepted.Load(),
		Rejected:           r.rejected.Load(),
		NeverResponded:     r.neverResponded.Load(),
		Dropped:            r.dropped.Load(),
		AcceptedDifficulty: math.Float64frombits(r.acceptedDiff.Load()),
	}
	if ns := r.connectedAt.Load(); ns != 0 {
		t := time.Unix(0, ns).UTC()
		s.ConnectedSince = &t
	}
	return s
}

// DeviceRecords counts the work of one compute device.
type DeviceRecords struct {
	hashes    atomic.Uint64
	solutions atomic.Uint64
	errors    atomic.Uint64

	mu         sync.Mutex
	lastHashes uint64
	lastAt     time.Time
	hashrate   float64
}

// DeviceSnapshot is a point in time copy of DeviceRecords.
type DeviceSnapshot struct {
	Hashes    uint64  `json:"hashes"`
	Solutions uint64  `json:"solutions"`
	Errors    uint64  `json:"errors"`
	Hashrate  float64 `json:"hashrate"`
}

// NewDeviceRecords starts the hashrate window at now.
func NewDeviceRecords(now time.Time) *DeviceRecords {
	return &DeviceRecords{lastAt: now}
}

func (d *DeviceRecords) AddHashes(n uint64) { d.hashes.Add(n) }
func (d *DeviceRecords) AddSolutions(n int) { d.solutions.Add(uint64(n)) }
func (d *DeviceRecords) AddError()          { d.errors.Add(1) }

// Snapshot copies the counters. The hashrate covers the hashes scanned since
// the previous snapshot that was at least a second earlier.
func (d *DeviceRecords) Snapshot(now time.Time) DeviceSnapshot {
	hashes := d.hashes.Load()

	d.mu.Lock()
	if elapsed := now.Sub(d.lastAt); elapsed >= time.Second {
		d.hashrate = float64(hashes-d.lastHashes) / elapsed.Seconds()
		d.lastHashes = hashes
		d.lastAt = now
	}
	rate := d.hashrate
	d.mu.Unlock()

	return DeviceSnapshot{
		Hashes:    hashes,
		Solutions: d.solutions.Load(),
		Errors:    d.errors.Load(),
		Hashrate:  rate,
	}
}
