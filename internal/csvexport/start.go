package csvexport

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/opendatarepository/odr-worker/internal/payload"
	"github.com/opendatarepository/odr-worker/internal/retry"
	"github.com/opendatarepository/odr-worker/internal/tracking"
	"github.com/opendatarepository/odr-worker/internal/tube"
)

// chunkToken returns the 8-character random part of a chunk key. Tracked
// runs derive it from the job and chunk position, so a start job that runs
// twice enqueues chunks the ledger already knows.
func chunkToken(trackedJobID int64, order int) string {
	if trackedJobID <= 0 {
		return uuid.NewString()[:8]
	}
	name := fmt.Sprintf("%s/%d/%d", JobType, trackedJobID, order)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()[:8]
}

func chunkCount(total, size int) int64 {
	if total == 0 {
		return 0
	}
	return int64((total + size - 1) / size)
}

// Start creates the tracked job when asked to, then enqueues one chunk job
// per ChunkSize records.
func (p *Pipeline) Start(ctx context.Context, s *payload.CSVExportStart) error {
	tj, err := p.trackedJob(ctx, s)
	if err != nil {
		return p.fail(ctx, p.variant.Start, s.TrackedJobID, err)
	}
	if tj == 0 {
		return nil
	}
	ctx = log.With(ctx, log.KV{K: "tracked_job_id", V: int64(tj)})
	return p.fail(ctx, p.variant.Start, tj, p.fanOut(ctx, s, tj))
}

// trackedJob resolves the tracked job of a start request. Zero means there
// is nothing left to do.
func (p *Pipeline) trackedJob(ctx context.Context, s *payload.CSVExportStart) (payload.ID, error) {
	switch {
	case s.TrackedJobID == payload.Untracked:
		return payload.Untracked, nil

	case s.TrackedJobID > 0:
		job, err := p.store.Get(ctx, int64(s.TrackedJobID))
		if err != nil {
			return 0, storeErr("load tracked job", err)
		}
		if job.State.Terminal() {
			log.Infof(ctx, "tracked job %d is already %s, not starting", job.ID, job.State)
			return 0, nil
		}
		return s.TrackedJobID, nil
	}

	target := fmt.Sprintf("datatype_%d", s.DatatypeID)
	total := len(s.DatarecordIDs)
	id, created, err := p.store.CreateExclusive(ctx, tracking.TrackedJob{
		JobType: JobType,
		Target:  target,
		UserID:  int64(s.UserID),
		Total:   int64(total),
		Chunks:  chunkCount(total, p.cfg.ChunkSize),
		State:   tracking.StateStarted,
	})
	if err != nil {
		return 0, storeErr("create tracked job", err)
	}
	if !created {
		return 0, retry.Validation("csv export start", fmt.Sprintf(
			"user %d already has export %d running for datatype %d", s.UserID, id, s.DatatypeID))
	}
	log.Infof(ctx, "created tracked job %d for %d records", id, total)
	return payload.ID(id), nil
}

func (p *Pipeline) fanOut(ctx context.Context, s *payload.CSVExportStart, tj payload.ID) error {
	size := p.cfg.ChunkSize
	total := len(s.DatarecordIDs)
	for order, lo := 0, 0; lo < total; order, lo = order+1, lo+size {
		hi := min(lo+size, total)
		chunk := payload.CSVExportWorker{
			TrackedJobID:           tj,
			UserID:                 s.UserID,
			DatatypeID:             s.DatatypeID,
			DatarecordIDs:          s.DatarecordIDs[lo:hi],
			CompleteDatarecordList: completeList(s, lo, hi),
			Datafields:             s.Datafields,
			Delimiters:             s.Delimiters,
			RandomKey:              fmt.Sprintf("%s_%d_%d", p.token(int64(tj), order), s.DatatypeID, tj),
			JobOrder:               order,
			APIKey:                 s.APIKey,
			RedisPrefix:            s.RedisPrefix,
			URL:                    s.URL,
		}
		body, err := payload.Encode(&chunk)
		if err != nil {
			return retry.Unexpected("encode chunk", err)
		}
		if _, err := p.queue.Put(ctx, p.variant.Worker, body, tube.DefaultPriority, p.cfg.ChunkDelay); err != nil {
			return retry.Transient("enqueue chunk", err)
		}
	}
	log.Infof(ctx, "enqueued %d chunk jobs on %s", chunkCount(total, size), p.variant.Worker)
	return nil
}

// completeList returns the descendant lists of records lo..hi, defaulting
// each record to itself.
func completeList(s *payload.CSVExportStart, lo, hi int) [][]payload.ID {
	if len(s.CompleteDatarecordList) > 0 {
		return s.CompleteDatarecordList[lo:hi]
	}
	out := make([][]payload.ID, 0, hi-lo)
	for _, id := range s.DatarecordIDs[lo:hi] {
		out = append(out, []payload.ID{id})
	}
	return out
}
