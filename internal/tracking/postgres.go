package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS tracked_job (
    id          BIGSERIAL PRIMARY KEY,
    job_type    TEXT NOT NULL,
    target      TEXT NOT NULL DEFAULT '',
    user_id     BIGINT NOT NULL DEFAULT 0,
    total       BIGINT NOT NULL,
    chunks      BIGINT NOT NULL DEFAULT 0,
    current     BIGINT NOT NULL DEFAULT 0,
    started     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    completed   TIMESTAMPTZ,
    state       TEXT NOT NULL,
    state_rank  INTEGER NOT NULL DEFAULT 0,
    reason      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tracked_job_active ON tracked_job (job_type, target, user_id) WHERE completed IS NULL;
CREATE TABLE IF NOT EXISTS tracked_csv_export (
    id              BIGSERIAL PRIMARY KEY,
    random_key      TEXT NOT NULL,
    tracked_job_id  BIGINT NOT NULL,
    finalize        BOOLEAN NOT NULL DEFAULT FALSE,
    UNIQUE (random_key, tracked_job_id, finalize)
);
`

// PostgresStore keeps tracked jobs and the ledger in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects to dsn and runs migrations. maxConns of zero keeps
// the pool default.
func OpenPostgres(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, job TrackedJob) (int64, error) {
	if err := job.prepare(time.Now); err != nil {
		return 0, err
	}
	return postgresInsertJob(ctx, s.pool, job)
}

func postgresInsertJob(ctx context.Context, q querier, job TrackedJob) (int64, error) {
	var id int64
	err := q.QueryRow(ctx, `
		INSERT INTO tracked_job (job_type, target, user_id, total, chunks, current, started, state, state_rank, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		job.JobType, job.Target, job.UserID, job.Total, job.Chunks, job.Current,
		job.Started, string(job.State), job.State.rank(), job.Reason).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create tracked job: %w", err)
	}
	return id, nil
}

// CreateExclusive serialises creators of the same user and target on a
// transaction-scoped advisory lock, then checks and inserts.
func (s *PostgresStore) CreateExclusive(ctx context.Context, job TrackedJob) (int64, bool, error) {
	if err := job.prepare(time.Now); err != nil {
		return 0, false, err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	lock := fmt.Sprintf("%s|%s|%d", job.JobType, job.Target, job.UserID)
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lock); err != nil {
		return 0, false, fmt.Errorf("lock %s: %w", lock, err)
	}
	active, err := scanPostgresJob(tx.QueryRow(ctx, `
		SELECT `+postgresJobColumns+` FROM tracked_job
		WHERE job_type = $1 AND target = $2 AND user_id = $3 AND completed IS NULL AND state_rank < $4
		ORDER BY id DESC LIMIT 1`, job.JobType, job.Target, job.UserID, terminalRank))
	switch {
	case err == nil:
		return active.ID, false, nil
	case !errors.Is(err, ErrNotFound):
		return 0, false, err
	}
	id, err := postgresInsertJob(ctx, tx, job)
	if err != nil {
		return 0, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, false, fmt.Errorf("commit: %w", err)
	}
	return id, true, nil
}

const postgresJobColumns = `id, job_type, target, user_id, total, chunks, current, started, completed, state, reason`

func scanPostgresJob(row pgx.Row) (TrackedJob, error) {
	var j TrackedJob
	var completed *time.Time
	var state string
	if err := row.Scan(&j.ID, &j.JobType, &j.Target, &j.UserID, &j.Total, &j.Chunks, &j.Current,
		&j.Started, &completed, &state, &j.Reason); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TrackedJob{}, ErrNotFound
		}
		return TrackedJob{}, fmt.Errorf("scan tracked job: %w", err)
	}
	j.State = State(state)
	if completed != nil {
		j.Completed = *completed
	}
	return j, nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (TrackedJob, error) {
	return scanPostgresJob(s.pool.QueryRow(ctx, `SELECT `+postgresJobColumns+` FROM tracked_job WHERE id = $1`, id))
}

func (s *PostgresStore) FindActive(ctx context.Context, jobType, target string, userID int64) (TrackedJob, bool, error) {
	j, err := scanPostgresJob(s.pool.QueryRow(ctx, `
		SELECT `+postgresJobColumns+` FROM tracked_job
		WHERE job_type = $1 AND target = $2 AND user_id = $3 AND completed IS NULL AND state_rank < $4
		ORDER BY id DESC LIMIT 1`, jobType, target, userID, terminalRank))
	if errors.Is(err, ErrNotFound) {
		return TrackedJob{}, false, nil
	}
	if err != nil {
		return TrackedJob{}, false, err
	}
	return j, true, nil
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func postgresIncrement(ctx context.Context, q querier, id, by int64) (int64, error) {
	var current int64
	err := q.QueryRow(ctx, `UPDATE tracked_job SET current = current + $1 WHERE id = $2 RETURNING current`, by, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment tracked job %d: %w", id, err)
	}
	return current, nil
}

func (s *PostgresStore) Increment(ctx context.Context, id, by int64) (int64, error) {
	return postgresIncrement(ctx, s.pool, id, by)
}

func (s *PostgresStore) Total(ctx context.Context, id int64) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx, `SELECT total FROM tracked_job WHERE id = $1`, id).Scan(&total)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read total of %d: %w", id, err)
	}
	return total, nil
}

func (s *PostgresStore) MarkCompletedOnce(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE tracked_job SET completed = NOW() WHERE id = $1 AND completed IS NULL`, id)
	if err != nil {
		return false, fmt.Errorf("mark tracked job %d completed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Total(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *PostgresStore) SetState(ctx context.Context, id int64, state State, reason string) error {
	if err := state.valid(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE tracked_job SET state = $1, state_rank = $2, reason = $3
		WHERE id = $4 AND state_rank < $2 AND state_rank < $5`,
		string(state), state.rank(), reason, id, terminalRank)
	if err != nil {
		return fmt.Errorf("set state of %d: %w", id, err)
	}
	return nil
}

const postgresUpsert = `
	INSERT INTO tracked_csv_export (random_key, tracked_job_id, finalize)
	VALUES ($1, $2, $3)
	ON CONFLICT (random_key, tracked_job_id, finalize) DO NOTHING`

func (s *PostgresStore) UpsertIfAbsent(ctx context.Context, e Entry) (int64, error) {
	tag, err := s.pool.Exec(ctx, postgresUpsert, e.RandomKey, e.TrackedJobID, e.Finalize)
	if err != nil {
		return 0, fmt.Errorf("insert ledger row: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) RecordChunk(ctx context.Context, e Entry, by int64) (bool, int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, postgresUpsert, e.RandomKey, e.TrackedJobID, false)
	if err != nil {
		return false, 0, fmt.Errorf("insert ledger row: %w", err)
	}
	inserted := tag.RowsAffected() == 1

	var current int64
	if inserted {
		current, err = postgresIncrement(ctx, tx, e.TrackedJobID, by)
	} else {
		err = tx.QueryRow(ctx, `SELECT current FROM tracked_job WHERE id = $1`, e.TrackedJobID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			err = ErrNotFound
		}
	}
	if err != nil {
		return false, 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, 0, fmt.Errorf("commit chunk: %w", err)
	}
	return inserted, current, nil
}

func (s *PostgresStore) ListKeys(ctx context.Context, jobID int64, finalize bool) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, random_key, tracked_job_id, finalize FROM tracked_csv_export
		WHERE tracked_job_id = $1 AND finalize = $2
		ORDER BY id ASC`, jobID, finalize)
	if err != nil {
		return nil, fmt.Errorf("list ledger rows: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.RandomKey, &e.TrackedJobID, &e.Finalize); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) Count(ctx context.Context, jobID int64, finalize bool) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM tracked_csv_export WHERE tracked_job_id = $1 AND finalize = $2`,
		jobID, finalize).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count ledger rows: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM tracked_csv_export WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete ledger row %d: %w", id, err)
	}
	return nil
}
