package csvexport

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"strconv"
	"strings"

	"goa.design/clue/log"

	"github.com/opendatarepository/odr-worker/internal/metrics"
	"github.com/opendatarepository/odr-worker/internal/payload"
	"github.com/opendatarepository/odr-worker/internal/retry"
	"github.com/opendatarepository/odr-worker/internal/tracking"
	"github.com/opendatarepository/odr-worker/internal/tube"
)

// Worker writes the partial file of one chunk, records the chunk, and races
// to finalize once every chunk is in.
func (p *Pipeline) Worker(ctx context.Context, w *payload.CSVExportWorker) error {
	return p.fail(ctx, p.variant.Worker, w.TrackedJobID, p.chunk(ctx, w))
}

func (p *Pipeline) chunk(ctx context.Context, w *payload.CSVExportWorker) error {
	if err := checkKey(w.RandomKey); err != nil {
		return err
	}
	rows, err := p.extract.Rows(ctx, w)
	if err != nil {
		return retry.Classify("extract rows", err)
	}
	path := p.PartialPath(w.UserID, w.RandomKey)
	if err := writeRows(path, w.Rune(), nil, rows); err != nil {
		return retry.Unexpected("write partial file", err)
	}
	log.Debugf(ctx, "wrote %d rows to %s", len(rows), path)

	if w.TrackedJobID == payload.Untracked {
		return nil
	}

	tj := int64(w.TrackedJobID)
	inserted, current, err := p.store.RecordChunk(ctx, tracking.Entry{
		RandomKey:    w.RandomKey,
		TrackedJobID: tj,
	}, int64(len(w.DatarecordIDs)))
	if err != nil {
		return storeErr("record chunk", err)
	}
	if !inserted {
		log.Infof(ctx, "chunk %s was already recorded", w.RandomKey)
	}
	if err := p.store.SetState(ctx, tj, tracking.StateChunksInProgress, ""); err != nil {
		return storeErr("set state", err)
	}
	return p.maybeFinalize(ctx, w, current)
}

// maybeFinalize runs the finalize race when the counter and the ledger both
// show every chunk done. At most one caller per run enqueues the finalize
// job.
func (p *Pipeline) maybeFinalize(ctx context.Context, w *payload.CSVExportWorker, current int64) error {
	tj := int64(w.TrackedJobID)
	job, err := p.store.Get(ctx, tj)
	if err != nil {
		return storeErr("load tracked job", err)
	}
	if current < job.Total || job.State.Terminal() {
		return nil
	}

	chunks := job.Chunks
	if chunks == 0 {
		chunks = chunkCount(int(job.Total), p.cfg.ChunkSize)
	}
	count, err := p.store.Count(ctx, tj, false)
	if err != nil {
		return storeErr("count chunks", err)
	}
	if count < chunks {
		log.Infof(ctx, "counter reached %d/%d but only %d of %d chunks are recorded", current, job.Total, count, chunks)
		return nil
	}

	entries, err := p.store.ListKeys(ctx, tj, false)
	if err != nil {
		return storeErr("list chunks", err)
	}
	if err := p.store.SetState(ctx, tj, tracking.StateFinalizeRace, ""); err != nil {
		return storeErr("set state", err)
	}

	marker := raceKey(entries)
	won, err := p.store.UpsertIfAbsent(ctx, tracking.Entry{RandomKey: marker, TrackedJobID: tj, Finalize: true})
	if err != nil {
		return storeErr("insert finalize marker", err)
	}
	metrics.RaceResult(won == 1)
	if won == 0 {
		log.Debugf(ctx, "lost finalize race for %s", marker)
		return nil
	}
	log.Infof(ctx, "won finalize race, enqueueing finalize of %d chunks", len(entries))

	if err := p.handOff(ctx, w, entries); err != nil {
		// Give the next attempt of this chunk a chance to win again.
		if derr := p.dropMarkers(ctx, tj); derr != nil {
			log.Errorf(ctx, derr, "run %d stays claimed by its finalize marker", tj)
		}
		return err
	}
	return nil
}

// handOff moves a won run to FINALIZING and enqueues its finalize job.
func (p *Pipeline) handOff(ctx context.Context, w *payload.CSVExportWorker, entries []tracking.Entry) error {
	if err := p.store.SetState(ctx, int64(w.TrackedJobID), tracking.StateFinalizing, ""); err != nil {
		return storeErr("set state", err)
	}
	return p.enqueueFinalize(ctx, w, entries)
}

// raceKey is the MD5 of every chunk key in ledger order. Every racer reads
// the same rows in the same order and so computes the same key.
func raceKey(entries []tracking.Entry) string {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.RandomKey)
	}
	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func (p *Pipeline) enqueueFinalize(ctx context.Context, w *payload.CSVExportWorker, entries []tracking.Entry) error {
	keys := make(map[string]string, len(entries))
	for _, e := range entries {
		keys[strconv.FormatInt(e.ID, 10)] = e.RandomKey
	}
	f := payload.CSVExportFinalize{
		TrackedJobID:  w.TrackedJobID,
		UserID:        w.UserID,
		DatatypeID:    w.DatatypeID,
		Datafields:    w.Datafields,
		Delimiters:    w.Delimiters,
		FinalFilename: FinalFilename(w.UserID, w.TrackedJobID),
		RandomKeys:    keys,
		APIKey:        w.APIKey,
		RedisPrefix:   w.RedisPrefix,
	}
	body, err := payload.Encode(&f)
	if err != nil {
		return retry.Unexpected("encode finalize", err)
	}
	if _, err := p.queue.Put(ctx, p.variant.Finalize, body, tube.DefaultPriority, p.cfg.FinalizeDelay); err != nil {
		return retry.Transient("enqueue finalize", err)
	}
	return nil
}

// dropMarkers deletes the finalize rows of a run.
func (p *Pipeline) dropMarkers(ctx context.Context, tj int64) error {
	markers, err := p.store.ListKeys(ctx, tj, true)
	if err != nil {
		return storeErr("list finalize markers", err)
	}
	for _, m := range markers {
		if err := p.store.Delete(ctx, m.ID); err != nil {
			return storeErr("delete finalize marker", err)
		}
	}
	return nil
}
