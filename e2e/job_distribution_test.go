package e2e

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/opendatarepository/odr-worker/e2e/harness"
	"github.com/opendatarepository/odr-worker/internal/tube"
)

func redisHarness(t *testing.T) *harness.RedisHarness {
	t.Helper()
	redis, err := harness.NewRedisHarness(getEnvOrDefault("REDIS_URL", "redis://localhost:6379"))
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		redis.Cleanup(ctx)
		redis.Close()
	})
	return redis
}

func odrHarness(t *testing.T, redis *harness.RedisHarness, web *harness.WebTier) *harness.OdrHarness {
	t.Helper()
	binary := os.Getenv("ODR_WORKER_BINARY")
	if binary == "" {
		t.Skip("ODR_WORKER_BINARY not set - skipping worker integration test")
	}
	odr, err := harness.NewOdrHarness(binary)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { odr.Cleanup() })

	err = odr.WriteConfig(harness.Settings{
		RedisURL: getEnvOrDefault("REDIS_URL", "redis://localhost:6379"),
		Prefix:   redis.Prefix(),
		WebURL:   web.URL(),
		APIKey:   "e2e-key",
	})
	if err != nil {
		t.Fatalf("write config: %v", err)
	}
	return odr
}

// TestJobDistribution exercises the Redis tube backend against a real server.
func TestJobDistribution(t *testing.T) {
	redis := redisHarness(t)
	tubes := redis.Tubes()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const name = "mass_edit"

	t.Run("PriorityThenFIFO", func(t *testing.T) {
		for i, pri := range []uint32{tube.LowPriority, tube.DefaultPriority, tube.DefaultPriority} {
			body := fmt.Sprintf(`{"n":%d}`, i)
			if _, err := tubes.Put(ctx, name, []byte(body), pri, 0); err != nil {
				t.Fatalf("Put: %v", err)
			}
		}

		var got []string
		for range 3 {
			job, err := tubes.Reserve(ctx, name)
			if err != nil {
				t.Fatalf("Reserve: %v", err)
			}
			got = append(got, string(job.Body))
			if err := tubes.Delete(ctx, job); err != nil {
				t.Fatalf("Delete: %v", err)
			}
		}
		want := []string{`{"n":1}`, `{"n":2}`, `{"n":0}`}
		if strings.Join(got, " ") != strings.Join(want, " ") {
			t.Errorf("reserve order = %v, want %v", got, want)
		}
	})

	t.Run("ReleaseWithDelay", func(t *testing.T) {
		if _, err := tubes.Put(ctx, name, []byte(`{}`), tube.DefaultPriority, 0); err != nil {
			t.Fatal(err)
		}
		job, err := tubes.Reserve(ctx, name)
		if err != nil {
			t.Fatal(err)
		}
		if err := tubes.Release(ctx, job, tube.LowPriority, 200*time.Millisecond); err != nil {
			t.Fatal(err)
		}
		st, err := tubes.Stats(ctx, name)
		if err != nil {
			t.Fatal(err)
		}
		if st.Delayed != 1 || st.Ready != 0 {
			t.Errorf("after release stats = %+v", st)
		}

		again, err := tubes.Reserve(ctx, name)
		if err != nil {
			t.Fatal(err)
		}
		if again.ID != job.ID || again.Priority != tube.LowPriority || again.Reserves != 2 {
			t.Errorf("re-reserved job = %+v", again)
		}
		tubes.Delete(ctx, again)
	})

	t.Run("PeekEmpty", func(t *testing.T) {
		if _, err := tubes.PeekReady(ctx, name); !errors.Is(err, tube.ErrEmpty) {
			t.Errorf("PeekReady() error = %v, want ErrEmpty", err)
		}
	})
}

// TestJobDistributionWithWorker runs the worker binary on a remote tube.
func TestJobDistributionWithWorker(t *testing.T) {
	redis := redisHarness(t)
	web := harness.NewWebTier()
	defer web.Close()
	odr := odrHarness(t, redis, web)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()
	workerCmd, err := odr.Start(workerCtx, "worker", "--tube", "mass_edit")
	if err != nil {
		t.Fatalf("Failed to start worker: %v", err)
	}
	defer workerCmd.Process.Kill()

	body := fmt.Sprintf(`{"tracked_job_id":9,"user_id":1,"job_type":"value","datarecord_id":42,"value":"x","url":%q}`,
		web.URL()+"/api/mass_edit")
	out, err := odr.RunCommand("enqueue", "mass_edit", body)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	t.Logf("enqueue: %s", out)

	if st, err := redis.WaitEmpty(ctx, "mass_edit", 30*time.Second); err != nil {
		t.Fatalf("job not consumed: %v (%+v)", err, st)
	}

	posts := web.Posts()
	if len(posts) != 1 {
		t.Fatalf("web tier got %d posts, want 1", len(posts))
	}
	if got := posts[0].Get("api_key"); got != "e2e-key" {
		t.Errorf("api_key = %q, want the configured key", got)
	}
	if got := harness.FormID(posts[0], "datarecord_id"); got != 42 {
		t.Errorf("datarecord_id = %d", got)
	}
}
