package tube

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// Redis keeps every tube in three sorted sets and every job in a hash:
//
//	<prefix>:tube:<name>:ready     score = priority, member = job id (ulid)
//	<prefix>:tube:<name>:delayed   score = unix ms when the job becomes ready
//	<prefix>:tube:<name>:reserved  score = unix ms when the lease expires
//	<prefix>:job:<id>              body, tube, pri, reserves, token
//
// Ready jobs of equal priority sort by member, and ulids sort by creation
// time, so equal priorities are served oldest first. State transitions run as
// Lua scripts, which makes reservation exclusive across processes.
type Redis struct {
	client       *redis.Client
	workerID     string
	prefix       string
	lease        time.Duration
	pollInterval time.Duration
	now          func() time.Time
}

var _ Client = (*Redis)(nil)

// RedisConfig holds configuration for the Redis tube client.
type RedisConfig struct {
	URL      string
	Password string
	// Prefix namespaces every key, so several sites can share one server.
	Prefix string
	// Lease is how long a reservation lasts without a Touch.
	Lease time.Duration
	// PollInterval is how often a blocked Reserve checks for ready jobs.
	PollInterval time.Duration
}

// NewRedis creates a Redis tube client. Call Connect before use.
func NewRedis(cfg RedisConfig) *Redis {
	if cfg.Prefix == "" {
		cfg.Prefix = "odr"
	}
	if cfg.Lease == 0 {
		cfg.Lease = DefaultLease
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}

	return &Redis{
		workerID:     fmt.Sprintf("odr-%s", uuid.New().String()[:8]),
		prefix:       cfg.Prefix,
		lease:        cfg.Lease,
		pollInterval: cfg.PollInterval,
		now:          time.Now,
	}
}

// Connect establishes the connection to Redis.
func (r *Redis) Connect(ctx context.Context, url, password string) error {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if password != "" {
		opts.Password = password
	}

	r.client = redis.NewClient(opts)

	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return nil
}

// NewRedisWithClient wraps an existing connection.
func NewRedisWithClient(client *redis.Client, cfg RedisConfig) *Redis {
	r := NewRedis(cfg)
	r.client = client
	return r
}

func (r *Redis) Name() string { return "redis" }

// WorkerID identifies this client in logs.
func (r *Redis) WorkerID() string { return r.workerID }

func (r *Redis) keys(tube string) []string {
	base := r.prefix + ":tube:" + tube
	return []string{base + ":ready", base + ":delayed", base + ":reserved"}
}

func (r *Redis) jobPrefix() string { return r.prefix + ":job:" }

func ms(t time.Time) int64 { return t.UnixMilli() }

// promoteLua moves due delayed jobs and expired reservations to ready.
// KEYS: ready, delayed, reserved. ARGV[1] now (ms), ARGV[2] job key prefix.
const promoteLua = `
local function promote(now, jobprefix)
  local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now)
  for _, id in ipairs(due) do
    redis.call('ZREM', KEYS[2], id)
    local pri = redis.call('HGET', jobprefix .. id, 'pri')
    if pri then
      redis.call('ZADD', KEYS[1], pri, id)
    end
  end
  local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', now)
  for _, id in ipairs(expired) do
    redis.call('ZREM', KEYS[3], id)
    local key = jobprefix .. id
    local pri = redis.call('HGET', key, 'pri')
    if pri then
      redis.call('HDEL', key, 'token')
      redis.call('ZADD', KEYS[1], pri, id)
    end
  end
end
`

// heldLua checks that ARGV[3] still holds the reservation of job ARGV[2].
const heldLua = `
local function held(key, id, token, now)
  if redis.call('HGET', key, 'token') ~= token then
    return false
  end
  local deadline = redis.call('ZSCORE', KEYS[3], id)
  if not deadline or tonumber(deadline) <= tonumber(now) then
    return false
  end
  return true
end
`

var (
	reserveScript = redis.NewScript(promoteLua + `
promote(ARGV[1], ARGV[2])
local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
if #ids == 0 then
  return false
end
local id = ids[1]
local key = ARGV[2] .. id
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[3], ARGV[3], id)
local reserves = redis.call('HINCRBY', key, 'reserves', 1)
redis.call('HSET', key, 'token', ARGV[4])
return {id, redis.call('HGET', key, 'body'), redis.call('HGET', key, 'pri'), reserves}
`)

	peekScript = redis.NewScript(promoteLua + `
promote(ARGV[1], ARGV[2])
local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
if #ids == 0 then
  return false
end
local key = ARGV[2] .. ids[1]
local reserves = tonumber(redis.call('HGET', key, 'reserves') or '0')
return {ids[1], redis.call('HGET', key, 'body'), redis.call('HGET', key, 'pri'), reserves}
`)

	statsScript = redis.NewScript(promoteLua + `
promote(ARGV[1], ARGV[2])
return {redis.call('ZCARD', KEYS[1]), redis.call('ZCARD', KEYS[2]), redis.call('ZCARD', KEYS[3])}
`)

	// ARGV: job key, id, token, now
	deleteScript = redis.NewScript(heldLua + `
if not held(ARGV[1], ARGV[2], ARGV[3], ARGV[4]) then
  return 0
end
redis.call('ZREM', KEYS[3], ARGV[2])
redis.call('DEL', ARGV[1])
return 1
`)

	// ARGV: job key, id, token, now, priority (0 keeps), ready-at ms (0 = now)
	releaseScript = redis.NewScript(heldLua + `
if not held(ARGV[1], ARGV[2], ARGV[3], ARGV[4]) then
  return 0
end
redis.call('ZREM', KEYS[3], ARGV[2])
redis.call('HDEL', ARGV[1], 'token')
if ARGV[5] ~= '0' then
  redis.call('HSET', ARGV[1], 'pri', ARGV[5])
end
if tonumber(ARGV[6]) > 0 then
  redis.call('ZADD', KEYS[2], ARGV[6], ARGV[2])
else
  redis.call('ZADD', KEYS[1], redis.call('HGET', ARGV[1], 'pri'), ARGV[2])
end
return 1
`)

	// ARGV: job key, id, token, now, new deadline
	touchScript = redis.NewScript(heldLua + `
if not held(ARGV[1], ARGV[2], ARGV[3], ARGV[4]) then
  return 0
end
redis.call('ZADD', KEYS[3], 'XX', ARGV[5], ARGV[2])
return 1
`)
)

func (r *Redis) Put(ctx context.Context, tube string, body []byte, priority uint32, delay time.Duration) (string, error) {
	id := ulid.Make().String()
	keys := r.keys(tube)
	jobKey := r.jobPrefix() + id

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, jobKey, "body", body, "tube", tube, "pri", priority, "reserves", 0)
		if delay > 0 {
			pipe.ZAdd(ctx, keys[1], redis.Z{Score: float64(ms(r.now().Add(delay))), Member: id})
		} else {
			pipe.ZAdd(ctx, keys[0], redis.Z{Score: float64(priority), Member: id})
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to put job on %s: %w", tube, err)
	}
	return id, nil
}

// Reserve polls until a job is ready. Polling keeps the reservation inside a
// single script, which blocking commands cannot be part of.
func (r *Redis) Reserve(ctx context.Context, tube string) (*Job, error) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		job, err := r.tryReserve(ctx, tube)
		if err != nil || job != nil {
			return job, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Redis) tryReserve(ctx context.Context, tube string) (*Job, error) {
	now := r.now()
	token := r.workerID + ":" + ulid.Make().String()
	res, err := reserveScript.Run(ctx, r.client, r.keys(tube),
		ms(now), r.jobPrefix(), ms(now.Add(r.lease)), token).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reserve from %s: %w", tube, err)
	}
	job, err := parseJob(tube, res)
	if err != nil {
		return nil, err
	}
	job.token = token
	return job, nil
}

// parseJob converts a {id, body, pri, reserves} script reply.
func parseJob(tube string, res any) (*Job, error) {
	vals, ok := res.([]any)
	if !ok || len(vals) != 4 {
		return nil, fmt.Errorf("unexpected reply %T from tube script", res)
	}
	id, _ := vals[0].(string)
	body, _ := vals[1].(string)
	priStr, _ := vals[2].(string)
	pri, err := strconv.ParseUint(priStr, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("job %s has invalid priority %q: %w", id, priStr, err)
	}
	reserves, _ := vals[3].(int64)

	return &Job{
		ID:       id,
		Tube:     tube,
		Body:     []byte(body),
		Priority: uint32(pri),
		Reserves: int(reserves),
	}, nil
}

func (r *Redis) Delete(ctx context.Context, job *Job) error {
	n, err := deleteScript.Run(ctx, r.client, r.keys(job.Tube),
		r.jobPrefix()+job.ID, job.ID, job.token, ms(r.now())).Int()
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", job.ID, err)
	}
	if n == 0 {
		return ErrNotReserved
	}
	return nil
}

func (r *Redis) Release(ctx context.Context, job *Job, priority uint32, delay time.Duration) error {
	now := r.now()
	var readyAt int64
	if delay > 0 {
		readyAt = ms(now.Add(delay))
	}
	n, err := releaseScript.Run(ctx, r.client, r.keys(job.Tube),
		r.jobPrefix()+job.ID, job.ID, job.token, ms(now), priority, readyAt).Int()
	if err != nil {
		return fmt.Errorf("failed to release job %s: %w", job.ID, err)
	}
	if n == 0 {
		return ErrNotReserved
	}
	return nil
}

func (r *Redis) Touch(ctx context.Context, job *Job) error {
	now := r.now()
	n, err := touchScript.Run(ctx, r.client, r.keys(job.Tube),
		r.jobPrefix()+job.ID, job.ID, job.token, ms(now), ms(now.Add(r.lease))).Int()
	if err != nil {
		return fmt.Errorf("failed to touch job %s: %w", job.ID, err)
	}
	if n == 0 {
		return ErrNotReserved
	}
	return nil
}

func (r *Redis) PeekReady(ctx context.Context, tube string) (*Job, error) {
	res, err := peekScript.Run(ctx, r.client, r.keys(tube), ms(r.now()), r.jobPrefix()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to peek %s: %w", tube, err)
	}
	return parseJob(tube, res)
}

func (r *Redis) Stats(ctx context.Context, tube string) (Stats, error) {
	counts, err := statsScript.Run(ctx, r.client, r.keys(tube), ms(r.now()), r.jobPrefix()).Int64Slice()
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read stats for %s: %w", tube, err)
	}
	if len(counts) != 3 {
		return Stats{}, fmt.Errorf("unexpected stats reply for %s", tube)
	}
	return Stats{Ready: counts[0], Delayed: counts[1], Reserved: counts[2]}, nil
}

func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
