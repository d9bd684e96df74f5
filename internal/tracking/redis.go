package tracking

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps tracked jobs and the ledger in Redis:
//
//	<prefix>:tj:seq                         tracked job id sequence
//	<prefix>:tj:<id>                        hash of the tracked job
//	<prefix>:tj:active:<type>:<target>:<user>  id of the newest job
//	<prefix>:ledger:seq                     ledger row id sequence
//	<prefix>:ledger:<tj>:<0|1>              zset, score = row id, member = random key
//	<prefix>:ledger:rows                    hash, row id -> "<tj>|<0|1>|<key>"
//
// A zset member is unique, which gives the ledger its uniqueness on
// (random_key, tracked_job_id, finalize). Multi-key updates run as Lua
// scripts.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var _ Store = (*RedisStore)(nil)

var (
	// luaUpsert inserts a ledger row unless the member exists.
	// KEYS: zset, seq, rows. ARGV: key, row value. Returns 1 when inserted.
	luaUpsert = redis.NewScript(`
	   if redis.call("ZSCORE", KEYS[1], ARGV[1]) then
	      return 0
	   end
	   local id = redis.call("INCR", KEYS[2])
	   redis.call("ZADD", KEYS[1], id, ARGV[1])
	   redis.call("HSET", KEYS[3], id, ARGV[2])
	   return 1
	`)

	// luaRecordChunk inserts a chunk row and, only when it is new, adds to
	// the job's current count.
	// KEYS: zset, seq, rows, job. ARGV: key, row value, by.
	// Returns {inserted, current}, or {-1, 0} when the job does not exist.
	luaRecordChunk = redis.NewScript(`
	   if redis.call("EXISTS", KEYS[4]) == 0 then
	      return {-1, 0}
	   end
	   if redis.call("ZSCORE", KEYS[1], ARGV[1]) then
	      return {0, tonumber(redis.call("HGET", KEYS[4], "current"))}
	   end
	   local id = redis.call("INCR", KEYS[2])
	   redis.call("ZADD", KEYS[1], id, ARGV[1])
	   redis.call("HSET", KEYS[3], id, ARGV[2])
	   return {1, redis.call("HINCRBY", KEYS[4], "current", ARGV[3])}
	`)

	// luaIncr adds to an existing job's current count. Returns -1 when the
	// job does not exist.
	luaIncr = redis.NewScript(`
	   if redis.call("EXISTS", KEYS[1]) == 0 then
	      return -1
	   end
	   return redis.call("HINCRBY", KEYS[1], "current", ARGV[1])
	`)

	// luaComplete sets the completed timestamp once. Returns 1 for the
	// caller that set it, 0 for the others and -1 when the job is missing.
	luaComplete = redis.NewScript(`
	   if redis.call("EXISTS", KEYS[1]) == 0 then
	      return -1
	   end
	   return redis.call("HSETNX", KEYS[1], "completed", ARGV[1])
	`)

	// luaCreateExclusive creates a job unless the active job of the same
	// user and target is still unfinished.
	// KEYS: active, seq, job key prefix. ARGV: terminal rank, then the job
	// hash as field/value pairs. Returns {created, id}.
	luaCreateExclusive = redis.NewScript(`
	   local cur = redis.call("GET", KEYS[1])
	   if cur then
	      local f = redis.call("HMGET", KEYS[3] .. cur, "completed", "rank")
	      if f[2] and not f[1] and tonumber(f[2]) < tonumber(ARGV[1]) then
	         return {0, tonumber(cur)}
	      end
	   end
	   local id = redis.call("INCR", KEYS[2])
	   redis.call("HSET", KEYS[3] .. id, unpack(ARGV, 2))
	   redis.call("SET", KEYS[1], id)
	   return {1, id}
	`)

	// luaSetState advances the state when the new rank is higher and the
	// job is not terminal. ARGV: state, rank, reason, terminal rank.
	luaSetState = redis.NewScript(`
	   local rank = tonumber(redis.call("HGET", KEYS[1], "rank"))
	   if not rank then
	      return 0
	   end
	   local want = tonumber(ARGV[2])
	   if rank < want and rank < tonumber(ARGV[4]) then
	      redis.call("HSET", KEYS[1], "state", ARGV[1], "rank", want, "reason", ARGV[3])
	      return 1
	   end
	   return 0
	`)
)

// OpenRedis connects to the server at url.
func OpenRedis(ctx context.Context, url, password, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if password != "" {
		opts.Password = password
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisStore(client, prefix), nil
}

// NewRedisStore wraps an existing connection.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "odr"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) jobKey(id int64) string { return s.prefix + ":tj:" + strconv.FormatInt(id, 10) }

func (s *RedisStore) activeKey(jobType, target string, userID int64) string {
	return fmt.Sprintf("%s:tj:active:%s:%s:%d", s.prefix, jobType, target, userID)
}

func (s *RedisStore) ledgerKey(jobID int64, finalize bool) string {
	return fmt.Sprintf("%s:ledger:%d:%d", s.prefix, jobID, boolInt(finalize))
}

func (s *RedisStore) ledgerSeq() string  { return s.prefix + ":ledger:seq" }
func (s *RedisStore) ledgerRows() string { return s.prefix + ":ledger:rows" }

func rowValue(e Entry) string {
	return fmt.Sprintf("%d|%d|%s", e.TrackedJobID, boolInt(e.Finalize), e.RandomKey)
}

func (s *RedisStore) jobFields(job TrackedJob) []any {
	return []any{
		"job_type", job.JobType,
		"target", job.Target,
		"user_id", job.UserID,
		"total", job.Total,
		"chunks", job.Chunks,
		"current", job.Current,
		"started", formatTime(job.Started),
		"state", string(job.State),
		"rank", job.State.rank(),
		"reason", job.Reason,
	}
}

func (s *RedisStore) Create(ctx context.Context, job TrackedJob) (int64, error) {
	if err := job.prepare(s.now); err != nil {
		return 0, err
	}
	id, err := s.client.Incr(ctx, s.prefix+":tj:seq").Result()
	if err != nil {
		return 0, fmt.Errorf("create tracked job: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.jobKey(id), s.jobFields(job)...)
		pipe.Set(ctx, s.activeKey(job.JobType, job.Target, job.UserID), id, 0)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("create tracked job: %w", err)
	}
	return id, nil
}

func (s *RedisStore) CreateExclusive(ctx context.Context, job TrackedJob) (int64, bool, error) {
	if err := job.prepare(s.now); err != nil {
		return 0, false, err
	}
	keys := []string{s.activeKey(job.JobType, job.Target, job.UserID), s.prefix + ":tj:seq", s.prefix + ":tj:"}
	args := append([]any{terminalRank}, s.jobFields(job)...)
	res, err := luaCreateExclusive.Run(ctx, s.client, keys, args...).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("create tracked job: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("create tracked job: unexpected reply %v", res)
	}
	return res[1], res[0] == 1, nil
}

func (s *RedisStore) Get(ctx context.Context, id int64) (TrackedJob, error) {
	h, err := s.client.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return TrackedJob{}, fmt.Errorf("read tracked job %d: %w", id, err)
	}
	if len(h) == 0 {
		return TrackedJob{}, ErrNotFound
	}
	j := TrackedJob{
		ID:      id,
		JobType: h["job_type"],
		Target:  h["target"],
		State:   State(h["state"]),
		Reason:  h["reason"],
	}
	j.UserID, _ = strconv.ParseInt(h["user_id"], 10, 64)
	j.Total, _ = strconv.ParseInt(h["total"], 10, 64)
	j.Chunks, _ = strconv.ParseInt(h["chunks"], 10, 64)
	j.Current, _ = strconv.ParseInt(h["current"], 10, 64)
	if t, err := time.Parse(time.RFC3339Nano, h["started"]); err == nil {
		j.Started = t
	}
	if t, err := time.Parse(time.RFC3339Nano, h["completed"]); err == nil {
		j.Completed = t
	}
	return j, nil
}

func (s *RedisStore) FindActive(ctx context.Context, jobType, target string, userID int64) (TrackedJob, bool, error) {
	id, err := s.client.Get(ctx, s.activeKey(jobType, target, userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return TrackedJob{}, false, nil
	}
	if err != nil {
		return TrackedJob{}, false, fmt.Errorf("find active job: %w", err)
	}
	j, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return TrackedJob{}, false, nil
	}
	if err != nil {
		return TrackedJob{}, false, err
	}
	if j.Done() || j.State.Terminal() {
		return TrackedJob{}, false, nil
	}
	return j, true, nil
}

func (s *RedisStore) Increment(ctx context.Context, id, by int64) (int64, error) {
	n, err := luaIncr.Run(ctx, s.client, []string{s.jobKey(id)}, by).Int64()
	if err != nil {
		return 0, fmt.Errorf("increment tracked job %d: %w", id, err)
	}
	if n < 0 {
		return 0, ErrNotFound
	}
	return n, nil
}

func (s *RedisStore) Total(ctx context.Context, id int64) (int64, error) {
	total, err := s.client.HGet(ctx, s.jobKey(id), "total").Int64()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read total of %d: %w", id, err)
	}
	return total, nil
}

func (s *RedisStore) MarkCompletedOnce(ctx context.Context, id int64) (bool, error) {
	n, err := luaComplete.Run(ctx, s.client, []string{s.jobKey(id)}, formatTime(s.now())).Int64()
	if err != nil {
		return false, fmt.Errorf("mark tracked job %d completed: %w", id, err)
	}
	if n < 0 {
		return false, ErrNotFound
	}
	return n == 1, nil
}

func (s *RedisStore) SetState(ctx context.Context, id int64, state State, reason string) error {
	if err := state.valid(); err != nil {
		return err
	}
	err := luaSetState.Run(ctx, s.client, []string{s.jobKey(id)},
		string(state), state.rank(), reason, terminalRank).Err()
	if err != nil {
		return fmt.Errorf("set state of %d: %w", id, err)
	}
	return nil
}

func (s *RedisStore) UpsertIfAbsent(ctx context.Context, e Entry) (int64, error) {
	keys := []string{s.ledgerKey(e.TrackedJobID, e.Finalize), s.ledgerSeq(), s.ledgerRows()}
	n, err := luaUpsert.Run(ctx, s.client, keys, e.RandomKey, rowValue(e)).Int64()
	if err != nil {
		return 0, fmt.Errorf("insert ledger row: %w", err)
	}
	return n, nil
}

func (s *RedisStore) RecordChunk(ctx context.Context, e Entry, by int64) (bool, int64, error) {
	e.Finalize = false
	keys := []string{s.ledgerKey(e.TrackedJobID, false), s.ledgerSeq(), s.ledgerRows(), s.jobKey(e.TrackedJobID)}
	res, err := luaRecordChunk.Run(ctx, s.client, keys, e.RandomKey, rowValue(e), by).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("record chunk: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("record chunk: unexpected reply %v", res)
	}
	if res[0] < 0 {
		return false, 0, ErrNotFound
	}
	return res[0] == 1, res[1], nil
}

func (s *RedisStore) ListKeys(ctx context.Context, jobID int64, finalize bool) ([]Entry, error) {
	zs, err := s.client.ZRangeWithScores(ctx, s.ledgerKey(jobID, finalize), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list ledger rows: %w", err)
	}
	entries := make([]Entry, 0, len(zs))
	for _, z := range zs {
		key, _ := z.Member.(string)
		entries = append(entries, Entry{
			ID:           int64(z.Score),
			RandomKey:    key,
			TrackedJobID: jobID,
			Finalize:     finalize,
		})
	}
	return entries, nil
}

func (s *RedisStore) Count(ctx context.Context, jobID int64, finalize bool) (int64, error) {
	n, err := s.client.ZCard(ctx, s.ledgerKey(jobID, finalize)).Result()
	if err != nil {
		return 0, fmt.Errorf("count ledger rows: %w", err)
	}
	return n, nil
}

func (s *RedisStore) Delete(ctx context.Context, id int64) error {
	field := strconv.FormatInt(id, 10)
	v, err := s.client.HGet(ctx, s.ledgerRows(), field).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete ledger row %d: %w", id, err)
	}
	parts := strings.SplitN(v, "|", 3)
	if len(parts) != 3 {
		return fmt.Errorf("delete ledger row %d: malformed row %q", id, v)
	}
	jobID, _ := strconv.ParseInt(parts[0], 10, 64)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.ledgerKey(jobID, parts[1] == "1"), parts[2])
		pipe.HDel(ctx, s.ledgerRows(), field)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete ledger row %d: %w", id, err)
	}
	return nil
}
