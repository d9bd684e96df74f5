// Package tube is the job queue client used by every odr-worker daemon.
//
// A tube is a named channel of jobs. Producers Put a JSON body into a tube
// with a priority and an optional delay; consumers Reserve the most urgent
// ready job, which hides it from every other consumer until it is deleted,
// released, or its lease runs out.
//
// Priorities follow beanstalkd: lower numbers are more urgent. Among jobs of
// equal priority the oldest is served first.
//
// Architecture:
//
//	Put ──► delayed ──(delay elapses)──► ready ──Reserve──► reserved
//	                                       ▲                  │
//	                                       └─────Release──────┤
//	                                       └──(lease expires)─┤
//	                                                Delete ◄──┘
package tube

import (
	"context"
	"errors"
	"time"
)

const (
	// DefaultPriority is the priority used by the web tier for ordinary work.
	DefaultPriority uint32 = 1024
	// LowPriority is used when a job is pushed back behind ordinary work.
	LowPriority uint32 = 2048

	// DefaultLease is how long a reservation stays valid without a Touch.
	DefaultLease = 10 * time.Minute
)

var (
	// ErrEmpty is returned by PeekReady when the tube has no ready jobs.
	ErrEmpty = errors.New("tube: no ready jobs")
	// ErrNotReserved is returned when acting on a job whose reservation was
	// lost, usually because its lease expired and another consumer took it.
	ErrNotReserved = errors.New("tube: job is not reserved by this client")
	// ErrClosed is returned by a client after Close.
	ErrClosed = errors.New("tube: client closed")
)

// Job is one unit of work.
type Job struct {
	ID       string
	Tube     string
	Body     []byte
	Priority uint32
	// Reserves counts how many times the job has been reserved, including
	// the current reservation.
	Reserves int

	// token identifies the reservation so a consumer whose lease expired
	// cannot delete a job someone else now holds.
	token string
}

// Stats is a snapshot of a tube's job counts.
type Stats struct {
	Ready    int64
	Delayed  int64
	Reserved int64
}

// Client is the queue contract shared by all backends.
type Client interface {
	// Name identifies the backend in logs.
	Name() string

	// Put enqueues body and returns the new job's id.
	Put(ctx context.Context, tube string, body []byte, priority uint32, delay time.Duration) (string, error)

	// Reserve blocks until a job is ready on tube or ctx ends.
	Reserve(ctx context.Context, tube string) (*Job, error)

	// Delete removes a reserved job for good.
	Delete(ctx context.Context, job *Job) error

	// Release returns a reserved job to the tube. A zero priority keeps the
	// job's current priority; a positive delay keeps it hidden that long.
	Release(ctx context.Context, job *Job, priority uint32, delay time.Duration) error

	// Touch extends the lease of a reserved job.
	Touch(ctx context.Context, job *Job) error

	// PeekReady returns the next ready job without reserving it, or ErrEmpty.
	PeekReady(ctx context.Context, tube string) (*Job, error)

	// Stats reports how many jobs the tube holds in each state.
	Stats(ctx context.Context, tube string) (Stats, error)

	Close() error
}

// Name returns the tube name to use. When old is set the environment prefix
// is prepended, matching the naming used by older deployments that shared one
// queue server between several sites.
func Name(prefix, tube string, old bool) string {
	if !old || prefix == "" {
		return tube
	}
	return prefix + "_" + tube
}
