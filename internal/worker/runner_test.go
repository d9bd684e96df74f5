package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opendatarepository/odr-worker/internal/payload"
	"github.com/opendatarepository/odr-worker/internal/retry"
	"github.com/opendatarepository/odr-worker/internal/tube"
)

// recordingClient counts deletes and releases on top of a real backend.
type recordingClient struct {
	tube.Client

	mu       sync.Mutex
	deletes  int
	releases int
	touches  int
	priority uint32
	delay    time.Duration
}

func newRecordingClient() *recordingClient {
	return &recordingClient{Client: tube.NewMemory()}
}

func (c *recordingClient) Delete(ctx context.Context, job *tube.Job) error {
	c.mu.Lock()
	c.deletes++
	c.mu.Unlock()
	return c.Client.Delete(ctx, job)
}

func (c *recordingClient) Release(ctx context.Context, job *tube.Job, priority uint32, delay time.Duration) error {
	c.mu.Lock()
	c.releases++
	c.priority = priority
	c.delay = delay
	c.mu.Unlock()
	return c.Client.Release(ctx, job, priority, delay)
}

func (c *recordingClient) Touch(ctx context.Context, job *tube.Job) error {
	c.mu.Lock()
	c.touches++
	c.mu.Unlock()
	return c.Client.Touch(ctx, job)
}

func (c *recordingClient) counts() (deletes, releases int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deletes, c.releases
}

// mockRecorder captures outcomes.
type mockRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (m *mockRecorder) JobDone(tube, outcome string, took time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *mockRecorder) last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.outcomes) == 0 {
		return ""
	}
	return m.outcomes[len(m.outcomes)-1]
}

// sleepRecorder records requested pauses without sleeping.
type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
	hook   func(d time.Duration)
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook(d)
	}
	return ctx.Err()
}

func reserveOne(t *testing.T, c tube.Client, name string, body string) *tube.Job {
	t.Helper()
	ctx := context.Background()
	if _, err := c.Put(ctx, name, []byte(body), tube.DefaultPriority, 0); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	rctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	job, err := c.Reserve(rctx, name)
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	return job
}

func TestRunnerDeletesOnSuccess(t *testing.T) {
	client := newRecordingClient()
	rec := &mockRecorder{}
	called := false
	r := NewRunner(client, "work", HandlerFunc(func(ctx context.Context, job *tube.Job) error {
		called = true
		return nil
	}), WithRecorder(rec))

	job := reserveOne(t, client, "work", `{"datarecord_id": 5}`)
	r.Process(context.Background(), job)

	if !called {
		t.Fatal("handler was not called")
	}
	deletes, releases := client.counts()
	if deletes != 1 || releases != 0 {
		t.Errorf("deletes=%d releases=%d, want 1/0", deletes, releases)
	}
	if rec.last() != OutcomeSuccess {
		t.Errorf("outcome = %q, want success", rec.last())
	}
	stats, _ := client.Stats(context.Background(), "work")
	if stats.Ready+stats.Reserved+stats.Delayed != 0 {
		t.Errorf("tube not empty: %+v", stats)
	}
}

func TestTransientErrorReleasesNeverDeletes(t *testing.T) {
	client := newRecordingClient()
	sleeps := &sleepRecorder{}
	r := NewRunner(client, "work", HandlerFunc(func(ctx context.Context, job *tube.Job) error {
		return retry.Transient("call web tier", errors.New("no such host"))
	}), WithSleep(sleeps.sleep))

	for i := 0; i < 3; i++ {
		job := reserveOne(t, client, "work", `{}`)
		r.Process(context.Background(), job)
		// Drop the released copy so the next round starts clean.
		rctx, cancel := context.WithTimeout(context.Background(), time.Second)
		again, err := client.Reserve(rctx, "work")
		cancel()
		if err != nil {
			t.Fatalf("released job not ready again: %v", err)
		}
		if again.Reserves != 2 {
			t.Errorf("Reserves = %d, want 2", again.Reserves)
		}
		_ = client.Client.Delete(context.Background(), again)
	}

	deletes, releases := client.counts()
	if deletes != 0 || releases != 3 {
		t.Errorf("deletes=%d releases=%d, want 0/3", deletes, releases)
	}
	if len(sleeps.sleeps) != 3 || sleeps.sleeps[0] != time.Second {
		t.Errorf("sleeps = %v, want three 1s pauses", sleeps.sleeps)
	}
}

func TestNonRetryableErrorsDelete(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		sleep time.Duration
	}{
		{"validation", retry.Validation("decode", "missing fields: api_key"), 0},
		{"not found", retry.NotFound("call", errors.New("404")), 0},
		{"forbidden", retry.Forbidden("call", errors.New("403")), 0},
		{"timeout", retry.Timeout("call", context.DeadlineExceeded), 5 * time.Minute},
		{"unexpected", errors.New("boom"), 200 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newRecordingClient()
			sleeps := &sleepRecorder{}
			rec := &mockRecorder{}
			r := NewRunner(client, "work", HandlerFunc(func(ctx context.Context, job *tube.Job) error {
				return tt.err
			}), WithSleep(sleeps.sleep), WithRecorder(rec))

			r.Process(context.Background(), reserveOne(t, client, "work", `{}`))

			deletes, releases := client.counts()
			if deletes != 1 || releases != 0 {
				t.Errorf("deletes=%d releases=%d, want 1/0", deletes, releases)
			}
			if rec.last() != OutcomeDeleted {
				t.Errorf("outcome = %q, want deleted", rec.last())
			}
			var got time.Duration
			if len(sleeps.sleeps) > 0 {
				got = sleeps.sleeps[0]
			}
			if got != tt.sleep {
				t.Errorf("sleep = %s, want %s", got, tt.sleep)
			}
		})
	}
}

func TestOverloadedReleasesAtLowPriorityWithDelay(t *testing.T) {
	client := newRecordingClient()
	r := NewRunner(client, "mass_edit", HandlerFunc(func(ctx context.Context, job *tube.Job) error {
		return retry.Overloaded("mass edit", errors.New("still processing"))
	}), WithSleep((&sleepRecorder{}).sleep))

	r.Process(context.Background(), reserveOne(t, client, "mass_edit", `{}`))

	if client.priority != tube.LowPriority || client.delay != 10*time.Second {
		t.Errorf("release priority=%d delay=%s", client.priority, client.delay)
	}
	stats, _ := client.Stats(context.Background(), "mass_edit")
	if stats.Delayed != 1 {
		t.Errorf("Stats = %+v, want one delayed job", stats)
	}
}

func TestPolicyOverride(t *testing.T) {
	client := newRecordingClient()
	policy := retry.DefaultPolicy().With(retry.KindTimeout, retry.Rule{Action: retry.ActionRelease, Delay: time.Minute})
	r := NewRunner(client, "work", HandlerFunc(func(ctx context.Context, job *tube.Job) error {
		return retry.Timeout("call", context.DeadlineExceeded)
	}), WithPolicy(policy), WithSleep((&sleepRecorder{}).sleep))

	r.Process(context.Background(), reserveOne(t, client, "work", `{}`))

	if deletes, releases := client.counts(); deletes != 0 || releases != 1 {
		t.Errorf("deletes=%d releases=%d, want 0/1", deletes, releases)
	}
}

func TestHandlerPanicIsDeleted(t *testing.T) {
	client := newRecordingClient()
	r := NewRunner(client, "work", HandlerFunc(func(ctx context.Context, job *tube.Job) error {
		panic("nil map")
	}), WithSleep((&sleepRecorder{}).sleep))

	r.Process(context.Background(), reserveOne(t, client, "work", `{}`))

	if deletes, _ := client.counts(); deletes != 1 {
		t.Errorf("deletes = %d, want 1", deletes)
	}
}

func TestPreconditionWaitRunsOnceTubeEmpties(t *testing.T) {
	client := newRecordingClient()
	ctx := context.Background()
	if _, err := client.Put(ctx, "migrate", []byte(`{}`), tube.DefaultPriority, 0); err != nil {
		t.Fatal(err)
	}

	sleeps := &sleepRecorder{}
	sleeps.hook = func(time.Duration) {
		// The migration worker drains its tube while we wait.
		rctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if job, err := client.Client.Reserve(rctx, "migrate"); err == nil {
			_ = client.Client.Delete(ctx, job)
		}
	}

	called := false
	r := NewRunner(client, "recache", HandlerFunc(func(ctx context.Context, job *tube.Job) error {
		called = true
		return nil
	}), WaitFor("migrate", 5*time.Second, time.Minute), WithSleep(sleeps.sleep))

	r.Process(ctx, reserveOne(t, client, "recache", `{}`))

	if !called {
		t.Fatal("handler not called after precondition tube emptied")
	}
	if len(sleeps.sleeps) != 1 || sleeps.sleeps[0] != 5*time.Second {
		t.Errorf("sleeps = %v, want one 5s poll", sleeps.sleeps)
	}
}

func TestPreconditionWaitTimesOutAndReleases(t *testing.T) {
	client := newRecordingClient()
	ctx := context.Background()
	if _, err := client.Put(ctx, "migrate", []byte(`{}`), tube.DefaultPriority, 0); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	sleeps := &sleepRecorder{hook: func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}}
	rec := &mockRecorder{}

	called := false
	r := NewRunner(client, "recache", HandlerFunc(func(ctx context.Context, job *tube.Job) error {
		called = true
		return nil
	}), WaitFor("migrate", 5*time.Second, 20*time.Second), WithSleep(sleeps.sleep), WithClock(clock), WithRecorder(rec))

	r.Process(ctx, reserveOne(t, client, "recache", `{}`))

	if called {
		t.Error("handler called although precondition never held")
	}
	if len(sleeps.sleeps) != 4 {
		t.Errorf("polls = %d, want 4", len(sleeps.sleeps))
	}
	deletes, releases := client.counts()
	if deletes != 0 || releases != 1 {
		t.Errorf("deletes=%d releases=%d, want 0/1", deletes, releases)
	}
	if client.delay != 5*time.Second {
		t.Errorf("release delay = %s, want the wait interval", client.delay)
	}
	if rec.last() != OutcomeReleased {
		t.Errorf("outcome = %q, want released", rec.last())
	}
}

func TestKeepAliveTouchesReservation(t *testing.T) {
	client := newRecordingClient()
	r := NewRunner(client, "work", HandlerFunc(func(ctx context.Context, job *tube.Job) error {
		time.Sleep(60 * time.Millisecond)
		return nil
	}), WithKeepAlive(10*time.Millisecond))

	r.Process(context.Background(), reserveOne(t, client, "work", `{}`))

	client.mu.Lock()
	touches := client.touches
	client.mu.Unlock()
	if touches == 0 {
		t.Error("reservation was never touched")
	}
}

func TestShutdownDuringJobReleases(t *testing.T) {
	client := newRecordingClient()
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRunner(client, "work", HandlerFunc(func(ctx context.Context, job *tube.Job) error {
		cancel()
		return ctx.Err()
	}))

	r.Process(ctx, reserveOne(t, client, "work", `{}`))

	deletes, releases := client.counts()
	if deletes != 0 || releases != 1 {
		t.Errorf("deletes=%d releases=%d, want 0/1", deletes, releases)
	}
}

func TestRunProcessesUntilCancelled(t *testing.T) {
	client := newRecordingClient()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handled atomic.Int32
	r := NewRunner(client, "work", HandlerFunc(func(ctx context.Context, job *tube.Job) error {
		if handled.Add(1) == 3 {
			cancel()
		}
		return nil
	}))

	for i := 0; i < 3; i++ {
		if _, err := client.Put(ctx, "work", []byte(`{}`), tube.DefaultPriority, 0); err != nil {
			t.Fatal(err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if handled.Load() != 3 {
		t.Errorf("handled = %d, want 3", handled.Load())
	}
}

func TestRunKeepsGoingAfterFailures(t *testing.T) {
	client := newRecordingClient()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handled atomic.Int32
	r := NewRunner(client, "work", HandlerFunc(func(ctx context.Context, job *tube.Job) error {
		if handled.Add(1) == 2 {
			cancel()
			return nil
		}
		return retry.Validation("decode", "bad")
	}))

	for i := 0; i < 2; i++ {
		if _, err := client.Put(ctx, "work", []byte(`{}`), tube.DefaultPriority, 0); err != nil {
			t.Fatal(err)
		}
	}
	_ = r.Run(ctx)

	if handled.Load() != 2 {
		t.Errorf("handled = %d, want 2", handled.Load())
	}
}

func TestTypedDecodesAndValidates(t *testing.T) {
	var got *payload.Recache
	h := Typed(func(ctx context.Context, p *payload.Recache) error {
		got = p
		return nil
	})

	err := h.Handle(context.Background(), &tube.Job{Body: []byte(`{"datarecord_id":"9","api_key":"k","url":"http://x"}`)})
	if err != nil {
		t.Fatalf("Handle error: %v", err)
	}
	if got == nil || got.DatarecordID != 9 {
		t.Fatalf("payload = %+v", got)
	}

	got = nil
	err = h.Handle(context.Background(), &tube.Job{Body: []byte(`{"datarecord_id":9}`)})
	if retry.KindOf(err) != retry.KindValidation {
		t.Errorf("kind = %v, want validation", retry.KindOf(err))
	}
	if got != nil {
		t.Error("handler called with an invalid payload")
	}
}
