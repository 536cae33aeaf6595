package stats

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/gominer/pkg/log"
)

// ShareStatus is the final state of a submitted share.
type ShareStatus string

const (
	ShareAccepted       ShareStatus = "accepted"
	ShareRejected       ShareStatus = "rejected"
	ShareNeverResponded ShareStatus = "never_responded"
	// ShareDropped means the result never left the miner (stale job, switched
	// pool or a full submit queue).
	ShareDropped ShareStatus = "dropped"
)

// ShareOutcome describes one share after the pool answered, or failed to.
type ShareOutcome struct {
	Time       time.Time     `json:"time"`
	Pool       string        `json:"pool"`
	PoolUID    uint64        `json:"pool_uid"`
	Algorithm  string        `json:"algorithm"`
	JobID      string        `json:"job_id"`
	Difficulty float64       `json:"difficulty"`
	Status     ShareStatus   `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	Latency    time.Duration `json:"latency"`
}

// PoolSwitch describes a change of the active pool.
type PoolSwitch struct {
	Time      time.Time `json:"time"`
	Algorithm string    `json:"algorithm"`
	FromIndex int       `json:"from_index"`
	ToIndex   int       `json:"to_index"`
	FromPool  string    `json:"from_pool"`
	ToPool    string    `json:"to_pool"`
}

// Sink receives events from the Reporter. Implementations may block on I/O;
// the Reporter calls them from its own goroutine.
type Sink interface {
	Name() string
	RecordShare(ctx context.Context, o ShareOutcome) error
	RecordPoolSwitch(ctx context.Context, s PoolSwitch) error
}

type event struct {
	share  *ShareOutcome
	change *PoolSwitch
}

// Reporter queues events and delivers them to every sink in order. Publishing
// never blocks the caller; when the queue is full the event is dropped and
// counted. A nil *Reporter discards everything.
type Reporter struct {
	logger  *log.Logger
	sinks   []Sink
	queue   chan event
	timeout time.Duration
	dropped atomic.Uint64

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewReporter creates a reporter with the given queue capacity.
func NewReporter(logger *log.Logger, queueSize int, sinks ...Sink) *Reporter {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Reporter{
		logger:  logger.WithComponent("reporter"),
		sinks:   sinks,
		queue:   make(chan event, queueSize),
		timeout: 5 * time.Second,
	}
}

// Start launches the delivery goroutine.
func (r *Reporter) Start(ctx context.Context) {
	if r == nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.run(ctx)
}

// Close stops delivery after draining what is already queued.
func (r *Reporter) Close() {
	if r == nil || r.cancel == nil {
		return
	}
	r.cancel()
	r.wg.Wait()
}

// Share queues a share outcome.
func (r *Reporter) Share(o ShareOutcome) {
	if r == nil {
		return
	}
	r.enqueue(event{share: &o})
}

// PoolSwitch queues a pool switch.
func (r *Reporter) PoolSwitch(s PoolSwitch) {
	if r == nil {
		return
	}
	r.enqueue(event{change: &s})
}

// Dropped returns the number of events lost to a full queue.
func (r *Reporter) Dropped() uint64 {
	if r == nil {
		return 0
	}
	return r.dropped.Load()
}

func (r *Reporter) enqueue(ev event) {
	select {
	case r.queue <- ev:
	default:
		r.dropped.Add(1)
		r.logger.Warn("event queue full, dropping event")
	}
}

func (r *Reporter) run(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case ev := <-r.queue:
			r.deliver(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-r.queue:
					r.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (r *Reporter) deliver(ev event) {
	for _, sink := range r.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		var err error
		switch {
		case ev.share != nil:
			err = sink.RecordShare(ctx, *ev.share)
		case ev.change != nil:
			err = sink.RecordPoolSwitch(ctx, *ev.change)
		}
		cancel()
		if err != nil {
			r.logger.WithError(err).Warn("sink failed", "sink", sink.Name())
		}
	}
}

// StatusSnapshot is the full miner state published periodically.
type StatusSnapshot struct {
	Time    time.Time      `json:"time"`
	Pools   []PoolStatus   `json:"pools"`
	Devices []DeviceStatus `json:"devices"`
}

// PoolStatus is one row of the pool table.
type PoolStatus struct {
	Algorithm string       `json:"algorithm"`
	Index     int          `json:"index"`
	Name      string       `json:"name"`
	UID       uint64       `json:"uid"`
	Active    bool         `json:"active"`
	LastAlive time.Time    `json:"last_alive"`
	Records   PoolSnapshot `json:"records"`
}

// DeviceStatus is one row of the device table.
type DeviceStatus struct {
	Index     int            `json:"index"`
	Name      string         `json:"name"`
	Algorithm string         `json:"algorithm"`
	Records   DeviceSnapshot `json:"records"`
}

// StatusSink stores periodic status snapshots.
type StatusSink interface {
	Name() string
	PublishStatus(ctx context.Context, s StatusSnapshot) error
}
