package miner

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/log"
)

type testJob struct {
	expired atomic.Bool
}

func (*testJob) PoolUID() uint64 { return 1 }
func (*testJob) JobID() string   { return "job" }
func (j *testJob) Expired() bool { return j.expired.Load() }

// testProvider hands out ethash work for a settable epoch.
type testProvider struct {
	reg *work.Registry
	job *testJob

	mu        sync.Mutex
	epoch     uint64
	handle    work.Handle
	submitted []work.Result
	block     chan struct{}
}

func newTestProvider(epoch uint64) *testProvider {
	p := &testProvider{reg: work.NewRegistry(), job: &testJob{}, epoch: epoch}
	p.handle = p.reg.Register(p.job)
	return p
}

func (p *testProvider) Algorithm() work.Algorithm { return work.Ethash }
func (p *testProvider) PoolUID() uint64           { return 1 }
func (p *testProvider) Name() string              { return "test" }
func (p *testProvider) LastKnownAliveTime() time.Time {
	return time.Now()
}

func (p *testProvider) TryGetWork(ctx context.Context) (work.Work, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &work.EthashWork{Base: work.NewBase(p.handle), Epoch: p.epoch}, true
}

func (p *testProvider) SubmitWork(r work.Result) {
	p.mu.Lock()
	block := p.block
	p.mu.Unlock()
	if block != nil {
		<-block
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitted = append(p.submitted, r)
}

func (p *testProvider) setEpoch(e uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.epoch = e
}

func (p *testProvider) submittedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.submitted)
}

type testDataset uint64

func (d testDataset) Epoch() uint64 { return uint64(d) }

// testBackend finds one solution per search when solve is set.
type testBackend struct {
	builds   atomic.Int64
	searches atomic.Int64
	solve    atomic.Bool
	failures atomic.Int64
	delay    time.Duration

	mu     sync.Mutex
	epochs []uint64
}

func (b *testBackend) BuildDataset(_ context.Context, _ Device, w *work.EthashWork) (Dataset, error) {
	b.builds.Add(1)
	b.mu.Lock()
	b.epochs = append(b.epochs, w.Epoch)
	b.mu.Unlock()
	return testDataset(w.Epoch), nil
}

func (b *testBackend) Search(ctx context.Context, _ Device, _ Dataset, w *work.EthashWork, first, _ uint64) ([]*work.EthashResult, error) {
	b.searches.Add(1)
	if b.failures.Load() > 0 {
		b.failures.Add(-1)
		return nil, fmt.Errorf("device lost")
	}
	if b.delay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(b.delay):
		}
	}
	if !b.solve.Load() {
		return nil, nil
	}
	r := w.NewResult()
	r.Nonce = uint64(w.ExtraNonce)<<32 | first
	return []*work.EthashResult{r}, nil
}

func (b *testBackend) builtEpochs() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint64(nil), b.epochs...)
}

func testConfig() Config {
	return Config{
		SubTasks:      2,
		Stride:        100,
		NonceSpace:    1000,
		SubmitWorkers: 1,
		SubmitQueue:   16,
		ErrorBackoff:  5 * time.Millisecond,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNew_NoDevices(t *testing.T) {
	if _, err := New[*work.EthashWork, *work.EthashResult](newTestProvider(0), &testBackend{}, nil, Config{}, log.Nop()); err == nil {
		t.Error("New() with no devices error = nil, want error")
	}
}

func TestMiner_SubmitsResults(t *testing.T) {
	p := newTestProvider(0)
	b := &testBackend{}
	b.solve.Store(true)

	m, err := New[*work.EthashWork, *work.EthashResult](p, b, []Device{{Index: 0, Name: "cpu0"}}, testConfig(), log.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	m.Start(context.Background())
	waitFor(t, "submitted results", func() bool { return p.submittedCount() >= 5 })
	m.Close()

	devs := m.Devices()
	if len(devs) != 1 || devs[0].Algorithm != "ethash" || devs[0].Name != "cpu0" {
		t.Fatalf("Devices() = %+v", devs)
	}
	if devs[0].Records.Hashes == 0 || devs[0].Records.Solutions == 0 {
		t.Errorf("device records = %+v, want hashes and solutions", devs[0].Records)
	}
	if got := b.builds.Load(); got != 1 {
		t.Errorf("BuildDataset calls = %d, want 1 for a single epoch", got)
	}
}

func TestMiner_RebuildsDatasetOnEpochChange(t *testing.T) {
	p := newTestProvider(1)
	b := &testBackend{}

	m, err := New[*work.EthashWork, *work.EthashResult](p, b, []Device{{Index: 0}}, testConfig(), log.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	m.Start(context.Background())
	defer m.Close()

	waitFor(t, "first build", func() bool { return b.builds.Load() == 1 })
	p.setEpoch(2)
	waitFor(t, "rebuild", func() bool { return b.builds.Load() == 2 })

	if got := b.builtEpochs(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("built epochs = %v, want [1 2]", got)
	}
}

func TestMiner_ExpiredWorkStopsScan(t *testing.T) {
	p := newTestProvider(0)
	p.job.expired.Store(true)
	b := &testBackend{}

	cfg := testConfig()
	cfg.SubTasks = 1
	m, err := New[*work.EthashWork, *work.EthashResult](p, b, []Device{{Index: 0}}, cfg, log.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// drive a single scan directly
	w := &work.EthashWork{Base: work.NewBase(p.handle)}
	m.scan(context.Background(), m.devices[0], testDataset(0), w)
	if got := b.searches.Load(); got != 0 {
		t.Errorf("Search calls on expired work = %d, want 0", got)
	}

	p.job.expired.Store(false)
	m.scan(context.Background(), m.devices[0], testDataset(0), w)
	if got := b.searches.Load(); got != 10 {
		t.Errorf("Search calls = %d, want NonceSpace/Stride = 10", got)
	}
	if got := m.devices[0].records.Snapshot(time.Now()).Hashes; got != 1000 {
		t.Errorf("Hashes = %d, want 1000", got)
	}
}

func TestMiner_SearchErrorAbortsIteration(t *testing.T) {
	p := newTestProvider(0)
	b := &testBackend{}
	b.failures.Store(1)

	m, err := New[*work.EthashWork, *work.EthashResult](p, b, []Device{{Index: 0}}, testConfig(), log.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	w := &work.EthashWork{Base: work.NewBase(p.handle)}
	m.scan(context.Background(), m.devices[0], testDataset(0), w)
	if got := b.searches.Load(); got != 1 {
		t.Errorf("Search calls = %d, want 1", got)
	}
	if got := m.devices[0].records.Snapshot(time.Now()).Errors; got != 1 {
		t.Errorf("Errors = %d, want 1", got)
	}
}

// wrongWorkProvider hands sha256d work to an ethash miner.
type wrongWorkProvider struct {
	*testProvider
	calls atomic.Int64
}

func (p *wrongWorkProvider) TryGetWork(context.Context) (work.Work, bool) {
	p.calls.Add(1)
	return &work.SHA256dWork{Base: work.NewBase(p.handle)}, true
}

func TestMiner_WrongWorkBacksOff(t *testing.T) {
	p := &wrongWorkProvider{testProvider: newTestProvider(0)}
	b := &testBackend{}

	cfg := testConfig()
	cfg.ErrorBackoff = 20 * time.Millisecond
	m, err := New[*work.EthashWork, *work.EthashResult](p, b, []Device{{Index: 0}}, cfg, log.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	m.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	m.Close()

	if got := p.calls.Load(); got == 0 || got > 20 {
		t.Errorf("TryGetWork calls = %d, want between 1 and 20 with a 20ms backoff", got)
	}
	if got := b.builds.Load(); got != 0 {
		t.Errorf("BuildDataset calls = %d, want 0", got)
	}
	if got := m.devices[0].records.Snapshot(time.Now()).Errors; got == 0 {
		t.Error("Errors = 0, want the mismatches counted")
	}
}

func TestMiner_CloseTerminatesWorkers(t *testing.T) {
	before := runtime.NumGoroutine()

	p := newTestProvider(0)
	b := &testBackend{delay: 2 * time.Millisecond}
	b.solve.Store(true)

	devices := []Device{{Index: 0}, {Index: 1}}
	m, err := New[*work.EthashWork, *work.EthashResult](p, b, devices, testConfig(), log.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	m.Start(context.Background())
	waitFor(t, "searches", func() bool { return b.searches.Load() > 10 })

	done := make(chan struct{})
	start := time.Now()
	go func() {
		m.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close() did not return")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Close() took %v", elapsed)
	}

	searches := b.searches.Load()
	time.Sleep(20 * time.Millisecond)
	if got := b.searches.Load(); got != searches {
		t.Errorf("Search called %d times after Close", got-searches)
	}

	waitFor(t, "goroutines to exit", func() bool { return runtime.NumGoroutine() <= before+1 })
}

func TestSubmitter_DropsWhenFull(t *testing.T) {
	p := newTestProvider(0)
	p.block = make(chan struct{})

	s := NewSubmitter(p, 1, 2, log.Nop())
	s.Start(context.Background())

	w := &work.EthashWork{Base: work.NewBase(p.handle)}
	// the worker takes one result and blocks on it; two more fill the queue
	accepted := 0
	for i := 0; i < 6; i++ {
		if s.Enqueue(w.NewResult()) {
			accepted++
		}
		time.Sleep(time.Millisecond)
	}
	if accepted < 2 || accepted > 3 {
		t.Errorf("accepted %d results, want 2 or 3", accepted)
	}
	if got := s.Dropped(); got != uint64(6-accepted) {
		t.Errorf("Dropped() = %d, want %d", got, 6-accepted)
	}

	close(p.block)
	waitFor(t, "queued results", func() bool { return p.submittedCount() == accepted })
	s.Close()
}

func TestSubmitter_RejectsWrongAlgorithm(t *testing.T) {
	p := newTestProvider(0)
	s := NewSubmitter(p, 1, 4, log.Nop())
	s.Start(context.Background())

	w := &work.SHA256dWork{Base: work.NewBase(p.handle)}
	s.Enqueue(w.NewResult())
	s.Enqueue((&work.EthashWork{Base: work.NewBase(p.handle)}).NewResult())

	waitFor(t, "ethash result", func() bool { return p.submittedCount() == 1 })
	s.Close()
	if got := p.submittedCount(); got != 1 {
		t.Errorf("submitted %d results, want only the ethash one", got)
	}
}
