package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/gominer/internal/work"
)

const (
	// DefaultJobQueueDepth is how many recent jobs stay resolvable for
	// late submissions.
	DefaultJobQueueDepth = 8
	// DefaultPopTimeout bounds TryGetWork on a pool without jobs.
	DefaultPopTimeout = 100 * time.Millisecond
)

// Template is a pool job that work units can be cut from.
type Template interface {
	JobID() string
	// MakeWork builds a fresh Work bound to h. extraNonce differs on every
	// call for the same template, so no two workers scan the same space.
	MakeWork(h work.Handle, extraNonce uint64) work.Work
}

type queuedJob struct {
	queue    *JobQueue
	template Template
	seq      uint64
	handle   work.Handle
	// next extra nonce, guarded by the queue lock
	nonce uint64
}

func (j *queuedJob) PoolUID() uint64 { return j.queue.poolUID }
func (j *queuedJob) JobID() string   { return j.template.JobID() }

// Expired reports whether a newer job has been pushed since this one.
func (j *queuedJob) Expired() bool { return j.seq != j.queue.latest.Load() }

// JobQueue keeps the most recent jobs of one pool connection. Only the newest
// job hands out work; older ones stay registered so results for them can
// still be submitted until they fall off the end.
type JobQueue struct {
	poolUID  uint64
	depth    int
	registry *work.Registry
	latest   atomic.Uint64

	mu         sync.Mutex
	jobs       []*queuedJob // newest first
	seq        uint64
	nonceStart uint64
	changed    chan struct{}
}

// NewJobQueue creates a queue for the pool with the given UID. Extra nonces
// of every job start at nonceStart.
func NewJobQueue(poolUID uint64, depth int, nonceStart uint64) *JobQueue {
	if depth <= 0 {
		depth = DefaultJobQueueDepth
	}
	return &JobQueue{
		poolUID:    poolUID,
		depth:      depth,
		registry:   work.NewRegistry(),
		nonceStart: nonceStart,
		changed:    make(chan struct{}),
	}
}

// Push makes t the newest job. With clean set every older job is dropped
// at once; otherwise only jobs beyond the queue depth are.
func (q *JobQueue) Push(t Template, clean bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	keep := q.depth - 1
	if clean {
		keep = 0
	}
	for len(q.jobs) > keep {
		last := q.jobs[len(q.jobs)-1]
		q.registry.Release(last.handle)
		q.jobs = q.jobs[:len(q.jobs)-1]
	}

	q.seq++
	j := &queuedJob{queue: q, template: t, seq: q.seq, nonce: q.nonceStart}
	j.handle = q.registry.Register(j)
	q.jobs = append([]*queuedJob{j}, q.jobs...)
	q.latest.Store(j.seq)

	close(q.changed)
	q.changed = make(chan struct{})
}

// PopWithTimeout cuts a Work from the newest job, waiting up to timeout for
// one to arrive.
func (q *JobQueue) PopWithTimeout(ctx context.Context, timeout time.Duration) (work.Work, bool) {
	var timer *time.Timer
	for {
		q.mu.Lock()
		if len(q.jobs) > 0 {
			j := q.jobs[0]
			nonce := j.nonce
			j.nonce++
			q.mu.Unlock()
			if timer != nil {
				timer.Stop()
			}
			return j.template.MakeWork(j.handle, nonce), true
		}
		changed := q.changed
		q.mu.Unlock()

		if timer == nil {
			timer = time.NewTimer(timeout)
			defer timer.Stop()
		}
		select {
		case <-changed:
		case <-timer.C:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Lookup returns the template a handle refers to, if the job is still queued.
func (q *JobQueue) Lookup(h work.Handle) (Template, bool) {
	j, ok := h.Resolve()
	if !ok {
		return nil, false
	}
	qj, ok := j.(*queuedJob)
	if !ok || qj.queue != q {
		return nil, false
	}
	return qj.template, true
}

// Clear drops every job, for example after the connection was lost.
func (q *JobQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, j := range q.jobs {
		q.registry.Release(j.handle)
	}
	q.jobs = nil
	q.seq++
	q.latest.Store(q.seq)
}

// Len returns the number of queued jobs.
func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close invalidates every handle ever issued by the queue.
func (q *JobQueue) Close() {
	q.mu.Lock()
	q.jobs = nil
	q.mu.Unlock()
	q.registry.Close()
}
