// Package tracking persists the progress of multi-job pipelines.
//
// A tracked job is a shared counter (current/total) that independent worker
// processes increment as they finish chunks. The ledger holds one row per
// emitted partial file plus, per run, one finalize row whose successful
// insert elects the single process allowed to finalize. Every store enforces
// uniqueness on (random_key, tracked_job_id, finalize) and performs the chunk
// insert and counter increment in one atomic step.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("tracked job not found")

// State is the coordinator state of a tracked job.
type State string

const (
	StateStarted          State = "STARTED"
	StateChunksInProgress State = "CHUNKS_IN_PROGRESS"
	StateFinalizeRace     State = "FINALIZE_RACE"
	StateFinalizing       State = "FINALIZING"
	StateComplete         State = "COMPLETE"
	StateFailed           State = "FAILED"
)

// rank orders states; a job only ever moves to a higher rank, and never out
// of COMPLETE or FAILED.
func (s State) rank() int {
	switch s {
	case StateStarted:
		return 0
	case StateChunksInProgress:
		return 1
	case StateFinalizeRace:
		return 2
	case StateFinalizing:
		return 3
	case StateComplete:
		return 4
	case StateFailed:
		return 5
	}
	return -1
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateComplete || s == StateFailed }

func (s State) valid() error {
	if s.rank() < 0 {
		return fmt.Errorf("unknown state %q", s)
	}
	return nil
}

// terminalRank is the lowest rank a job cannot leave.
const terminalRank = 4

// TrackedJob is a persistent progress counter.
type TrackedJob struct {
	ID      int64
	JobType string
	// Target names what the job works on, e.g. "datatype_12".
	Target string
	UserID int64

	// Total is the number of records; Current counts the processed ones.
	Total   int64
	Current int64
	// Chunks is the number of ledger rows the run is expected to write.
	Chunks int64

	Started   time.Time
	Completed time.Time // zero until MarkCompletedOnce succeeds
	State     State
	Reason    string
}

// prepare fills in the defaults of a job about to be created.
func (j *TrackedJob) prepare(now func() time.Time) error {
	if j.State == "" {
		j.State = StateStarted
	}
	if err := j.State.valid(); err != nil {
		return err
	}
	if j.Started.IsZero() {
		j.Started = now()
	}
	return nil
}

// Done reports whether the job has been marked completed.
func (j TrackedJob) Done() bool { return !j.Completed.IsZero() }

// Entry is one ledger row.
type Entry struct {
	ID           int64
	RandomKey    string
	TrackedJobID int64
	Finalize     bool
}

// Counter is the tracked job progress counter.
type Counter interface {
	Create(ctx context.Context, job TrackedJob) (int64, error)
	Get(ctx context.Context, id int64) (TrackedJob, error)
	// Increment adds by to current and returns the new value.
	Increment(ctx context.Context, id, by int64) (int64, error)
	Total(ctx context.Context, id int64) (int64, error)
	// MarkCompletedOnce sets the completed timestamp. Exactly one caller
	// per job gets true.
	MarkCompletedOnce(ctx context.Context, id int64) (bool, error)
	// SetState moves the job forward. Backward moves and moves out of a
	// terminal state are ignored.
	SetState(ctx context.Context, id int64, state State, reason string) error
	// FindActive returns the newest unfinished job of the given type for a
	// user and target.
	FindActive(ctx context.Context, jobType, target string, userID int64) (TrackedJob, bool, error)
	// CreateExclusive creates job unless an unfinished job of the same type,
	// target and user exists. The check and the insert are one atomic step.
	// When a job exists its id is returned with created false.
	CreateExclusive(ctx context.Context, job TrackedJob) (id int64, created bool, err error)
}

// Ledger is the idempotency and ordering record of a pipeline run.
type Ledger interface {
	// UpsertIfAbsent inserts e unless an identical row exists. It returns
	// the number of rows inserted, 0 or 1.
	UpsertIfAbsent(ctx context.Context, e Entry) (int64, error)
	// ListKeys returns the rows of a run ordered by id.
	ListKeys(ctx context.Context, jobID int64, finalize bool) ([]Entry, error)
	Count(ctx context.Context, jobID int64, finalize bool) (int64, error)
	Delete(ctx context.Context, id int64) error
}

// ChunkRecorder records a finished chunk: the ledger insert and the counter
// increment happen together or not at all, and a chunk whose row already
// exists is not counted again.
type ChunkRecorder interface {
	RecordChunk(ctx context.Context, e Entry, by int64) (inserted bool, current int64, err error)
}

// Store is implemented by every backend.
type Store interface {
	Counter
	Ledger
	ChunkRecorder
	Close() error
}

// Config selects and configures a store.
type Config struct {
	// Driver is sqlite, sqlite3, postgres or redis.
	Driver   string
	DSN      string
	MaxConns int32
	// Password and Prefix apply to the redis driver.
	Password string
	Prefix   string
}

// Open connects the store named by cfg.Driver and prepares its schema.
func Open(ctx context.Context, cfg Config) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case "", "sqlite", "sqlite3":
		driver := cfg.Driver
		if driver == "" {
			driver = "sqlite"
		}
		s, err = OpenSQLite(driver, cfg.DSN)
	case "postgres", "pgx":
		s, err = OpenPostgres(ctx, cfg.DSN, cfg.MaxConns)
	case "redis":
		s, err = OpenRedis(ctx, cfg.DSN, cfg.Password, cfg.Prefix)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}
