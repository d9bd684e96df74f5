package tracking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tracked_job (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    job_type    TEXT NOT NULL,
    target      TEXT NOT NULL DEFAULT '',
    user_id     INTEGER NOT NULL DEFAULT 0,
    total       INTEGER NOT NULL,
    chunks      INTEGER NOT NULL DEFAULT 0,
    current     INTEGER NOT NULL DEFAULT 0,
    started     TEXT NOT NULL,
    completed   TEXT,
    state       TEXT NOT NULL,
    state_rank  INTEGER NOT NULL DEFAULT 0,
    reason      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tracked_job_active ON tracked_job(job_type, target, user_id) WHERE completed IS NULL;
CREATE TABLE IF NOT EXISTS tracked_csv_export (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    random_key      TEXT NOT NULL,
    tracked_job_id  INTEGER NOT NULL,
    finalize        INTEGER NOT NULL DEFAULT 0,
    UNIQUE (random_key, tracked_job_id, finalize)
);
`

// SQLiteStore keeps tracked jobs and the ledger in one SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) the database at path and runs migrations.
// driver is "sqlite" (pure Go) or "sqlite3" (cgo).
func OpenSQLite(driver, path string) (*SQLiteStore, error) {
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("open tracking db: %w", err)
	}
	// One connection serialises writers inside this process; busy_timeout
	// covers the other worker processes sharing the file.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func (s *SQLiteStore) Create(ctx context.Context, job TrackedJob) (int64, error) {
	if err := job.prepare(s.now); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tracked_job (job_type, target, user_id, total, chunks, current, started, state, state_rank, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobType, job.Target, job.UserID, job.Total, job.Chunks, job.Current,
		formatTime(job.Started), string(job.State), job.State.rank(), job.Reason)
	if err != nil {
		return 0, fmt.Errorf("create tracked job: %w", err)
	}
	return res.LastInsertId()
}

// CreateExclusive inserts with a single INSERT ... SELECT ... WHERE NOT
// EXISTS. SQLite runs the statement under its write lock, which every other
// process sharing the file waits on.
func (s *SQLiteStore) CreateExclusive(ctx context.Context, job TrackedJob) (int64, bool, error) {
	if err := job.prepare(s.now); err != nil {
		return 0, false, err
	}
	for attempt := 0; attempt < 3; attempt++ {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO tracked_job (job_type, target, user_id, total, chunks, current, started, state, state_rank, reason)
			SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
			WHERE NOT EXISTS (
				SELECT 1 FROM tracked_job
				WHERE job_type = ? AND target = ? AND user_id = ? AND completed IS NULL AND state_rank < ?)`,
			job.JobType, job.Target, job.UserID, job.Total, job.Chunks, job.Current,
			formatTime(job.Started), string(job.State), job.State.rank(), job.Reason,
			job.JobType, job.Target, job.UserID, terminalRank)
		if err != nil {
			return 0, false, fmt.Errorf("create tracked job: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			id, err := res.LastInsertId()
			return id, err == nil, err
		}
		active, ok, err := s.FindActive(ctx, job.JobType, job.Target, job.UserID)
		if err != nil {
			return 0, false, err
		}
		if ok {
			return active.ID, false, nil
		}
		// The running job finished between the two statements.
	}
	return 0, false, fmt.Errorf("create tracked job: %s of user %d keeps changing", job.Target, job.UserID)
}

const sqliteJobColumns = `id, job_type, target, user_id, total, chunks, current, started, completed, state, reason`

func scanSQLiteJob(row interface{ Scan(...any) error }) (TrackedJob, error) {
	var j TrackedJob
	var started string
	var completed sql.NullString
	var state string
	if err := row.Scan(&j.ID, &j.JobType, &j.Target, &j.UserID, &j.Total, &j.Chunks, &j.Current,
		&started, &completed, &state, &j.Reason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TrackedJob{}, ErrNotFound
		}
		return TrackedJob{}, fmt.Errorf("scan tracked job: %w", err)
	}
	j.State = State(state)
	if t, err := time.Parse(time.RFC3339Nano, started); err == nil {
		j.Started = t
	}
	if completed.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completed.String); err == nil {
			j.Completed = t
		}
	}
	return j, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id int64) (TrackedJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM tracked_job WHERE id = ?`, id)
	return scanSQLiteJob(row)
}

func (s *SQLiteStore) FindActive(ctx context.Context, jobType, target string, userID int64) (TrackedJob, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sqliteJobColumns+` FROM tracked_job
		WHERE job_type = ? AND target = ? AND user_id = ? AND completed IS NULL AND state_rank < ?
		ORDER BY id DESC LIMIT 1`, jobType, target, userID, terminalRank)
	j, err := scanSQLiteJob(row)
	if errors.Is(err, ErrNotFound) {
		return TrackedJob{}, false, nil
	}
	if err != nil {
		return TrackedJob{}, false, err
	}
	return j, true, nil
}

func (s *SQLiteStore) Increment(ctx context.Context, id, by int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	current, err := sqliteIncrement(ctx, tx, id, by)
	if err != nil {
		return 0, err
	}
	return current, tx.Commit()
}

func sqliteIncrement(ctx context.Context, tx *sql.Tx, id, by int64) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tracked_job SET current = current + ? WHERE id = ?`, by, id)
	if err != nil {
		return 0, fmt.Errorf("increment tracked job %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}
	var current int64
	if err := tx.QueryRowContext(ctx, `SELECT current FROM tracked_job WHERE id = ?`, id).Scan(&current); err != nil {
		return 0, fmt.Errorf("read tracked job %d: %w", id, err)
	}
	return current, nil
}

func (s *SQLiteStore) Total(ctx context.Context, id int64) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `SELECT total FROM tracked_job WHERE id = ?`, id).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read total of %d: %w", id, err)
	}
	return total, nil
}

func (s *SQLiteStore) MarkCompletedOnce(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tracked_job SET completed = ? WHERE id = ? AND completed IS NULL`, formatTime(s.now()), id)
	if err != nil {
		return false, fmt.Errorf("mark tracked job %d completed: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.Total(ctx, id); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

func (s *SQLiteStore) SetState(ctx context.Context, id int64, state State, reason string) error {
	if err := state.valid(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE tracked_job SET state = ?, state_rank = ?, reason = ?
		WHERE id = ? AND state_rank < ? AND state_rank < ?`,
		string(state), state.rank(), reason, id, state.rank(), terminalRank)
	if err != nil {
		return fmt.Errorf("set state of %d: %w", id, err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteStore) UpsertIfAbsent(ctx context.Context, e Entry) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tracked_csv_export (random_key, tracked_job_id, finalize)
		VALUES (?, ?, ?)
		ON CONFLICT (random_key, tracked_job_id, finalize) DO NOTHING`,
		e.RandomKey, e.TrackedJobID, boolInt(e.Finalize))
	if err != nil {
		return 0, fmt.Errorf("insert ledger row: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) RecordChunk(ctx context.Context, e Entry, by int64) (bool, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO tracked_csv_export (random_key, tracked_job_id, finalize)
		VALUES (?, ?, 0)
		ON CONFLICT (random_key, tracked_job_id, finalize) DO NOTHING`,
		e.RandomKey, e.TrackedJobID)
	if err != nil {
		return false, 0, fmt.Errorf("insert ledger row: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, 0, err
	}

	var current int64
	if n == 1 {
		current, err = sqliteIncrement(ctx, tx, e.TrackedJobID, by)
	} else {
		err = tx.QueryRowContext(ctx, `SELECT current FROM tracked_job WHERE id = ?`, e.TrackedJobID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			err = ErrNotFound
		}
	}
	if err != nil {
		return false, 0, err
	}
	return n == 1, current, tx.Commit()
}

func (s *SQLiteStore) ListKeys(ctx context.Context, jobID int64, finalize bool) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, random_key, tracked_job_id, finalize FROM tracked_csv_export
		WHERE tracked_job_id = ? AND finalize = ?
		ORDER BY id ASC`, jobID, boolInt(finalize))
	if err != nil {
		return nil, fmt.Errorf("list ledger rows: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var fin int
		if err := rows.Scan(&e.ID, &e.RandomKey, &e.TrackedJobID, &fin); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		e.Finalize = fin == 1
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) Count(ctx context.Context, jobID int64, finalize bool) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tracked_csv_export WHERE tracked_job_id = ? AND finalize = ?`,
		jobID, boolInt(finalize)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count ledger rows: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tracked_csv_export WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete ledger row %d: %w", id, err)
	}
	return nil
}
