package tube

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type memState int

const (
	memReady memState = iota
	memDelayed
	memReserved
)

type memJob struct {
	job        Job
	state      memState
	readyAt    time.Time
	leaseUntil time.Time
}

// Memory is an in-process Client. Every consumer must share the same value;
// it is meant for tests and for embedding the pipeline in a single process.
type Memory struct {
	mu      sync.Mutex
	tubes   map[string]map[string]*memJob
	changed chan struct{}
	closed  bool
	lease   time.Duration
	now     func() time.Time
}

var _ Client = (*Memory)(nil)

// MemoryOption configures a Memory client.
type MemoryOption func(*Memory)

// WithMemoryLease sets the reservation lease.
func WithMemoryLease(d time.Duration) MemoryOption {
	return func(m *Memory) { m.lease = d }
}

// WithMemoryClock replaces time.Now, for tests that move time by hand.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory returns an empty in-process queue.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		tubes:   make(map[string]map[string]*memJob),
		changed: make(chan struct{}),
		lease:   DefaultLease,
		now:     time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Memory) Name() string { return "memory" }

// broadcastLocked wakes every blocked Reserve.
func (m *Memory) broadcastLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *Memory) tubeLocked(name string) map[string]*memJob {
	t, ok := m.tubes[name]
	if !ok {
		t = make(map[string]*memJob)
		m.tubes[name] = t
	}
	return t
}

func (m *Memory) Put(ctx context.Context, tube string, body []byte, priority uint32, delay time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}

	id := ulid.Make().String()
	mj := &memJob{
		job: Job{ID: id, Tube: tube, Body: append([]byte(nil), body...), Priority: priority},
	}
	if delay > 0 {
		mj.state = memDelayed
		mj.readyAt = m.now().Add(delay)
	}
	m.tubeLocked(tube)[id] = mj
	m.broadcastLocked()
	return id, nil
}

// promoteLocked moves due delayed jobs and expired reservations back to
// ready, and returns how long until the next such transition (0 if none).
func (m *Memory) promoteLocked(tube string, now time.Time) time.Duration {
	var next time.Duration
	consider := func(at time.Time) {
		if d := at.Sub(now); d > 0 && (next == 0 || d < next) {
			next = d
		}
	}
	for _, mj := range m.tubes[tube] {
		switch mj.state {
		case memDelayed:
			if !mj.readyAt.After(now) {
				mj.state = memReady
			} else {
				consider(mj.readyAt)
			}
		case memReserved:
			if !mj.leaseUntil.After(now) {
				mj.state = memReady
				mj.job.token = ""
			} else {
				consider(mj.leaseUntil)
			}
		}
	}
	return next
}

func (m *Memory) firstReadyLocked(tube string) *memJob {
	var best *memJob
	for _, mj := range m.tubes[tube] {
		if mj.state != memReady {
			continue
		}
		if best == nil || mj.job.Priority < best.job.Priority ||
			(mj.job.Priority == best.job.Priority && mj.job.ID < best.job.ID) {
			best = mj
		}
	}
	return best
}

func (m *Memory) Reserve(ctx context.Context, tube string) (*Job, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		now := m.now()
		wait := m.promoteLocked(tube, now)
		if mj := m.firstReadyLocked(tube); mj != nil {
			mj.state = memReserved
			mj.leaseUntil = now.Add(m.lease)
			mj.job.Reserves++
			mj.job.token = ulid.Make().String()
			job := mj.job
			m.mu.Unlock()
			return &job, nil
		}
		changed := m.changed
		m.mu.Unlock()

		var t *time.Timer
		var timer <-chan time.Time
		if wait > 0 {
			t = time.NewTimer(wait)
			timer = t.C
		}

		select {
		case <-ctx.Done():
			if t != nil {
				t.Stop()
			}
			return nil, ctx.Err()
		case <-changed:
		case <-timer:
		}
		if t != nil {
			t.Stop()
		}
	}
}

// heldLocked returns the stored job if job still holds its reservation.
func (m *Memory) heldLocked(job *Job) (*memJob, error) {
	mj, ok := m.tubes[job.Tube][job.ID]
	if !ok || mj.state != memReserved || mj.job.token != job.token {
		return nil, ErrNotReserved
	}
	if !mj.leaseUntil.After(m.now()) {
		return nil, ErrNotReserved
	}
	return mj, nil
}

func (m *Memory) Delete(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.heldLocked(job); err != nil {
		return err
	}
	delete(m.tubes[job.Tube], job.ID)
	m.broadcastLocked()
	return nil
}

func (m *Memory) Release(ctx context.Context, job *Job, priority uint32, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mj, err := m.heldLocked(job)
	if err != nil {
		return err
	}
	if priority != 0 {
		mj.job.Priority = priority
	}
	mj.job.token = ""
	if delay > 0 {
		mj.state = memDelayed
		mj.readyAt = m.now().Add(delay)
	} else {
		mj.state = memReady
	}
	m.broadcastLocked()
	return nil
}

func (m *Memory) Touch(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mj, err := m.heldLocked(job)
	if err != nil {
		return err
	}
	mj.leaseUntil = m.now().Add(m.lease)
	return nil
}

func (m *Memory) PeekReady(ctx context.Context, tube string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promoteLocked(tube, m.now())
	mj := m.firstReadyLocked(tube)
	if mj == nil {
		return nil, ErrEmpty
	}
	job := mj.job
	job.token = ""
	return &job, nil
}

func (m *Memory) Stats(ctx context.Context, tube string) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promoteLocked(tube, m.now())
	var s Stats
	for _, mj := range m.tubes[tube] {
		switch mj.state {
		case memReady:
			s.Ready++
		case memDelayed:
			s.Delayed++
		case memReserved:
			s.Reserved++
		}
	}
	return s, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.broadcastLocked()
	}
	return nil
}
