// Package worker provides the consume loop shared by every tube daemon.
//
// Architecture:
//
//	tube.Client → Runner → Handler → retry.Policy (delete / release)
//
// The Runner orchestrates the job processing loop:
//  1. Reserve the next job (blocking)
//  2. Optionally wait until another tube is empty
//  3. Dispatch to the handler, keeping the reservation alive
//  4. Delete on success; on failure let the policy delete or release
//  5. Repeat until the context ends
package worker

import (
	"context"

	"github.com/opendatarepository/odr-worker/internal/payload"
	"github.com/opendatarepository/odr-worker/internal/tube"
)

// Handler processes one reserved job. A nil error means the job is done and
// can be deleted; any error is classified by the runner's retry policy.
type Handler interface {
	Handle(ctx context.Context, job *tube.Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *tube.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *tube.Job) error { return f(ctx, job) }

// Typed decodes the job body into a fresh *T, validates it, and passes it to
// fn. Decode and validation failures are returned as validation errors, so
// the job is dropped without calling fn.
func Typed[T any, P interface {
	*T
	payload.Validator
}](fn func(ctx context.Context, p P) error) Handler {
	return HandlerFunc(func(ctx context.Context, job *tube.Job) error {
		p := P(new(T))
		if err := payload.Decode(job.Body, p); err != nil {
			return err
		}
		return fn(ctx, p)
	})
}
