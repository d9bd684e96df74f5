// Package drain discards every job of a tube. It is an operational tool for
// wiping a tube that holds jobs nobody should run, e.g. after a deploy.
package drain

import (
	"context"
	"errors"
	"time"

	"goa.design/clue/log"

	"github.com/opendatarepository/odr-worker/internal/metrics"
	"github.com/opendatarepository/odr-worker/internal/payload"
	"github.com/opendatarepository/odr-worker/internal/tube"
)

// DefaultInterval is the pause between two discarded jobs.
const DefaultInterval = 50 * time.Millisecond

// Drainer reserves and deletes jobs of one tube.
type Drainer struct {
	Client   tube.Client
	Tube     string
	Interval time.Duration
	// OnDiscard, if set, is called after each deleted job.
	OnDiscard func(job *tube.Job, fields map[string]any)
}

func (d *Drainer) interval() time.Duration {
	if d.Interval > 0 {
		return d.Interval
	}
	return DefaultInterval
}

// Run discards jobs as they arrive until ctx ends. It returns the number of
// discarded jobs.
func (d *Drainer) Run(ctx context.Context) (int, error) {
	n := 0
	for {
		job, err := d.Client.Reserve(ctx, d.Tube)
		if err != nil {
			if ctx.Err() != nil {
				return n, nil
			}
			return n, err
		}
		if err := d.discard(ctx, job); err != nil {
			return n, err
		}
		n++
		if !pause(ctx, d.interval()) {
			return n, nil
		}
	}
}

// Once discards jobs until the tube has none ready, and returns how many it
// discarded. Delayed and reserved jobs are left alone.
func (d *Drainer) Once(ctx context.Context) (int, error) {
	n := 0
	for {
		if _, err := d.Client.PeekReady(ctx, d.Tube); err != nil {
			if errors.Is(err, tube.ErrEmpty) {
				return n, nil
			}
			return n, err
		}
		job, err := d.Client.Reserve(ctx, d.Tube)
		if err != nil {
			return n, err
		}
		if err := d.discard(ctx, job); err != nil {
			return n, err
		}
		n++
		if !pause(ctx, d.interval()) {
			return n, ctx.Err()
		}
	}
}

func (d *Drainer) discard(ctx context.Context, job *tube.Job) error {
	if err := d.Client.Delete(ctx, job); err != nil {
		return err
	}
	fields := payload.Identify(job.Body)
	kv := []log.Fielder{log.KV{K: "tube", V: d.Tube}, log.KV{K: "job", V: job.ID}}
	for k, v := range fields {
		kv = append(kv, log.KV{K: k, V: v})
	}
	log.Info(ctx, append(kv, log.KV{K: "msg", V: "deleted job"})...)
	metrics.DrainedJobs.WithLabelValues(d.Tube).Inc()
	if d.OnDiscard != nil {
		d.OnDiscard(job, fields)
	}
	return nil
}

func pause(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
