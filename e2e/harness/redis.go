package harness

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/opendatarepository/odr-worker/internal/tube"
)

// RedisHarness provides Redis test utilities
type RedisHarness struct {
	client *redis.Client
	prefix string
}

// NewRedisHarness connects to url. Every harness gets its own key prefix so
// parallel runs against one server do not see each other's tubes.
func NewRedisHarness(url string) (*RedisHarness, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisHarness{client: client, prefix: "e2e-" + uuid.NewString()[:8]}, nil
}

// Prefix is the key prefix of this harness's tubes.
func (h *RedisHarness) Prefix() string { return h.prefix }

// Tubes returns a tube client sharing the harness connection.
func (h *RedisHarness) Tubes() *tube.Redis {
	return tube.NewRedisWithClient(h.client, tube.RedisConfig{
		Prefix:       h.prefix,
		Lease:        time.Minute,
		PollInterval: 50 * time.Millisecond,
	})
}

// WaitEmpty polls until name holds no job in any state.
func (h *RedisHarness) WaitEmpty(ctx context.Context, name string, timeout time.Duration) (tube.Stats, error) {
	tubes := h.Tubes()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		st, err := tubes.Stats(ctx, name)
		if err != nil {
			return st, err
		}
		if st.Ready == 0 && st.Delayed == 0 && st.Reserved == 0 {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, fmt.Errorf("tube %s not empty: %+v", name, st)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Cleanup removes every key of this harness.
func (h *RedisHarness) Cleanup(ctx context.Context) error {
	keys, err := h.client.Keys(ctx, h.prefix+":*").Result()
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		return h.client.Del(ctx, keys...).Err()
	}
	return nil
}

// Close closes the Redis connection
func (h *RedisHarness) Close() error {
	return h.client.Close()
}

// Client returns the underlying Redis client
func (h *RedisHarness) Client() *redis.Client {
	return h.client
}
