package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"github.com/opendatarepository/odr-worker/internal/payload"
	"github.com/opendatarepository/odr-worker/internal/retry"
	"github.com/opendatarepository/odr-worker/internal/tube"
)

// ErrPreconditionTimeout is returned when the tube a runner waits on did not
// empty within the wait timeout. The job is released, not dropped.
var ErrPreconditionTimeout = errors.New("precondition tube did not empty in time")

// Outcomes reported to a Recorder.
const (
	OutcomeSuccess  = "success"
	OutcomeReleased = "released"
	OutcomeDeleted  = "deleted"
)

const (
	DefaultWaitInterval = 5 * time.Second
	DefaultWaitTimeout  = 10 * time.Minute

	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// Recorder receives one call per processed job.
type Recorder interface {
	JobDone(tube, outcome string, took time.Duration)
}

// Runner consumes one tube until its context ends.
type Runner struct {
	client  tube.Client
	tube    string
	handler Handler
	policy  retry.Policy

	waitFor      string
	waitInterval time.Duration
	waitTimeout  time.Duration

	limiter   *rate.Limiter
	keepAlive time.Duration
	recorder  Recorder

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithPolicy replaces the default retry policy.
func WithPolicy(p retry.Policy) Option {
	return func(r *Runner) { r.policy = p }
}

// WaitFor makes the runner hold each job until the named tube has no ready
// jobs. Zero interval or timeout select the defaults.
func WaitFor(name string, interval, timeout time.Duration) Option {
	return func(r *Runner) {
		r.waitFor = name
		if interval > 0 {
			r.waitInterval = interval
		}
		if timeout > 0 {
			r.waitTimeout = timeout
		}
	}
}

// WithThrottle spaces successful jobs at least every apart.
func WithThrottle(every time.Duration) Option {
	return func(r *Runner) {
		if every > 0 {
			r.limiter = rate.NewLimiter(rate.Every(every), 1)
		}
	}
}

// WithKeepAlive sets how often a running job's reservation is touched. Zero
// disables keep-alive.
func WithKeepAlive(every time.Duration) Option {
	return func(r *Runner) { r.keepAlive = every }
}

// WithRecorder reports job outcomes, usually to metrics.
func WithRecorder(rec Recorder) Option {
	return func(r *Runner) { r.recorder = rec }
}

// WithSleep replaces the context-aware sleep used for policy pauses and
// precondition polling.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Runner) { r.sleep = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a runner for one tube.
func NewRunner(client tube.Client, name string, handler Handler, opts ...Option) *Runner {
	r := &Runner{
		client:       client,
		tube:         name,
		handler:      handler,
		policy:       retry.DefaultPolicy(),
		waitInterval: DefaultWaitInterval,
		waitTimeout:  DefaultWaitTimeout,
		keepAlive:    tube.DefaultLease / 2,
		sleep:        sleepCtx,
		now:          time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Tube returns the tube the runner consumes.
func (r *Runner) Tube() string { return r.tube }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run starts the job processing loop.
// This method blocks until the context is cancelled or a signal is received.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case sig := <-sigs:
			log.Infof(ctx, "received signal %v, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	ctx = log.With(ctx, log.KV{K: "tube", V: r.tube}, log.KV{K: "backend", V: r.client.Name()})
	log.Infof(ctx, "worker started, listening for jobs")

	backoff := minBackoff
	for ctx.Err() == nil {
		job, err := r.client.Reserve(ctx, r.tube)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Errorf(ctx, err, "error reserving job (retry in %s)", backoff)
			if sleepCtx(ctx, backoff) != nil {
				break
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = minBackoff
		r.Process(ctx, job)
	}

	log.Infof(ctx, "worker shutdown complete")
	return nil
}

// Process runs one reserved job to completion: handler, then delete or
// release, then any pause the outcome calls for. It never returns an error;
// every failure is settled on the job itself.
func (r *Runner) Process(ctx context.Context, job *tube.Job) {
	fields := []log.Fielder{log.KV{K: "job", V: job.ID}, log.KV{K: "reserves", V: job.Reserves}}
	for k, v := range payload.Identify(job.Body) {
		fields = append(fields, log.KV{K: k, V: v})
	}
	ctx = log.With(ctx, fields...)
	start := r.now()

	if r.waitFor != "" {
		if err := r.awaitEmpty(ctx); err != nil {
			log.Infof(ctx, "releasing job: %v", err)
			r.release(ctx, job, 0, r.waitInterval)
			r.record(OutcomeReleased, start)
			return
		}
	}

	err := r.handle(ctx, job)

	if ctx.Err() != nil {
		// Shutting down mid-job: hand the job back for another worker.
		log.Infof(ctx, "shutdown during job, releasing")
		r.release(ctx, job, 0, 0)
		r.record(OutcomeReleased, start)
		return
	}

	if err == nil {
		if derr := r.client.Delete(ctx, job); derr != nil {
			log.Errorf(ctx, derr, "failed to delete completed job")
		}
		r.record(OutcomeSuccess, start)
		log.Debugf(ctx, "job completed in %s", r.now().Sub(start))
		if r.limiter != nil {
			_ = r.limiter.Wait(ctx)
		}
		return
	}

	rule := r.policy.Decide(err)
	kind := retry.KindOf(err)
	switch rule.Action {
	case retry.ActionRelease:
		log.Errorf(ctx, err, "job failed (%s), releasing with delay %s", kind, rule.Delay)
		r.release(ctx, job, rule.Priority, rule.Delay)
		r.record(OutcomeReleased, start)
	default:
		log.Errorf(ctx, err, "job failed (%s), deleting", kind)
		if derr := r.client.Delete(ctx, job); derr != nil {
			log.Errorf(ctx, derr, "failed to delete failed job")
		}
		r.record(OutcomeDeleted, start)
	}
	if rule.Sleep > 0 {
		_ = r.sleep(ctx, rule.Sleep)
	}
}

// handle calls the handler while touching the reservation in the background.
func (r *Runner) handle(ctx context.Context, job *tube.Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = retry.Unexpected("handler panic", fmt.Errorf("%v", p))
		}
	}()

	if r.keepAlive <= 0 {
		return r.handler.Handle(ctx, job)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(r.keepAlive)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if err := r.client.Touch(ctx, job); err != nil {
					log.Errorf(ctx, err, "failed to extend reservation")
				}
			}
		}
	}()
	return r.handler.Handle(ctx, job)
}

// awaitEmpty polls the precondition tube until it has no ready jobs.
func (r *Runner) awaitEmpty(ctx context.Context) error {
	deadline := r.now().Add(r.waitTimeout)
	for {
		_, err := r.client.PeekReady(ctx, r.waitFor)
		if errors.Is(err, tube.ErrEmpty) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Errorf(ctx, err, "failed to peek %s", r.waitFor)
		}
		if !r.now().Before(deadline) {
			return fmt.Errorf("%s: %w", r.waitFor, ErrPreconditionTimeout)
		}
		log.Debugf(ctx, "waiting for %s to empty", r.waitFor)
		if err := r.sleep(ctx, r.waitInterval); err != nil {
			return err
		}
	}
}

func (r *Runner) release(ctx context.Context, job *tube.Job, priority uint32, delay time.Duration) {
	if ctx.Err() != nil {
		// The job must still go back when the runner is stopping.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	}
	if err := r.client.Release(ctx, job, priority, delay); err != nil {
		log.Errorf(ctx, err, "failed to release job")
	}
}

func (r *Runner) record(outcome string, start time.Time) {
	if r.recorder != nil {
		r.recorder.JobDone(r.tube, outcome, r.now().Sub(start))
	}
}
