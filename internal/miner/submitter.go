package miner

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/log"
)

// Submitter moves results off the compute goroutines. A fixed pool of workers
// hands queued results to the provider; Enqueue never blocks.
type Submitter struct {
	provider pool.Provider
	logger   *log.Logger
	workers  int
	queue    chan work.Result
	dropped  atomic.Uint64

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewSubmitter creates a submitter with the given worker count and queue size.
func NewSubmitter(provider pool.Provider, workers, queueSize int, logger *log.Logger) *Submitter {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Submitter{
		provider: provider,
		logger:   logger.WithComponent("submitter"),
		workers:  workers,
		queue:    make(chan work.Result, queueSize),
	}
}

// Start launches the worker pool.
func (s *Submitter) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
}

// Close stops the workers. Results still queued are discarded.
func (s *Submitter) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	for {
		select {
		case <-s.queue:
			s.dropped.Add(1)
		default:
			return
		}
	}
}

// Enqueue queues r for submission. It reports false when the queue is full
// and the result was dropped.
func (s *Submitter) Enqueue(r work.Result) bool {
	select {
	case s.queue <- r:
		return true
	default:
		s.dropped.Add(1)
		s.logger.Warn("submit queue full, dropping result", "algorithm", r.Algorithm().String())
		return false
	}
}

// Dropped returns how many results never reached the provider.
func (s *Submitter) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Submitter) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	logger := s.logger.WithFields("worker_id", id)

	for {
		select {
		case <-ctx.Done():
			return
		case r := <-s.queue:
			if err := pool.Submit(s.provider, r); err != nil {
				logger.WithError(err).Error("result rejected before submission")
			}
		}
	}
}
