package work

import "sync"

// Job is the pool side record a Work unit was cut from. Pool backends
// implement it; the core only needs identity and staleness.
type Job interface {
	PoolUID() uint64
	JobID() string
	Expired() bool
}

type slot struct {
	gen uint32
	job Job
}

// Registry is a generation checked slot table of live jobs. Each pool owns one;
// work and results refer to jobs through Handles into it, never through
// pointers, so a job (or its whole pool) can go away while work is in flight.
type Registry struct {
	mu     sync.RWMutex
	slots  []slot
	free   []uint32
	closed bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register stores j and returns a handle to it. Registering on a closed
// registry returns a handle that never resolves.
func (r *Registry) Register(j Job) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Handle{}
	}

	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		idx = uint32(len(r.slots))
		// generation 0 is reserved for the zero Handle
		r.slots = append(r.slots, slot{gen: 1})
	}
	r.slots[idx].job = j
	return Handle{reg: r, index: idx, gen: r.slots[idx].gen}
}

// Release invalidates h. Releasing an already invalid handle is a no-op.
func (r *Registry) Release(h Handle) {
	if h.reg != r {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if int(h.index) >= len(r.slots) {
		return
	}
	s := &r.slots[h.index]
	if s.gen != h.gen || s.job == nil {
		return
	}
	s.job = nil
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	r.free = append(r.free, h.index)
}

// Close invalidates every handle. Used when the owning pool is torn down.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for i := range r.slots {
		r.slots[i].job = nil
		r.slots[i].gen++
	}
	r.free = nil
}

// Len returns the number of live jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, s := range r.slots {
		if s.job != nil {
			n++
		}
	}
	return n
}

func (r *Registry) lookup(index, gen uint32) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if int(index) >= len(r.slots) {
		return nil, false
	}
	s := r.slots[index]
	if s.gen != gen || s.job == nil {
		return nil, false
	}
	return s.job, true
}

// Handle is a weak reference to a registered Job. The zero Handle never
// resolves.
type Handle struct {
	reg   *Registry
	index uint32
	gen   uint32
}

// Resolve returns the job if it is still registered.
func (h Handle) Resolve() (Job, bool) {
	if h.reg == nil {
		return nil, false
	}
	return h.reg.lookup(h.index, h.gen)
}

// Valid reports whether the job is still registered.
func (h Handle) Valid() bool {
	_, ok := h.Resolve()
	return ok
}

// Expired reports whether the job is gone or superseded.
func (h Handle) Expired() bool {
	j, ok := h.Resolve()
	return !ok || j.Expired()
}

// PoolUID resolves the UID of the pool that issued the job.
func (h Handle) PoolUID() (uint64, bool) {
	j, ok := h.Resolve()
	if !ok {
		return 0, false
	}
	return j.PoolUID(), true
}
