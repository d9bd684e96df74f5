package csvexport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"

	"goa.design/clue/log"

	"github.com/opendatarepository/odr-worker/internal/payload"
	"github.com/opendatarepository/odr-worker/internal/retry"
	"github.com/opendatarepository/odr-worker/internal/tracking"
	"github.com/opendatarepository/odr-worker/internal/tube"
)

// Finalize folds partial files into the export, all at once or one per job
// depending on the variant.
//
// A chunk's ledger row is deleted only after its rows are in the final file,
// so a finalize job that is retried after any failure skips the chunks whose
// row is gone and redoes the others.
func (p *Pipeline) Finalize(ctx context.Context, f *payload.CSVExportFinalize) error {
	return p.fail(ctx, p.variant.Finalize, f.TrackedJobID, p.finalize(ctx, f))
}

func (p *Pipeline) finalize(ctx context.Context, f *payload.CSVExportFinalize) error {
	if !safeFilename.MatchString(f.FinalFilename) {
		return retry.Validation("csv export finalize", "invalid final_filename "+strconv.Quote(f.FinalFilename))
	}
	ids, keys := f.OrderedKeys()
	for _, k := range keys {
		if err := checkKey(k); err != nil {
			return err
		}
	}

	tj := int64(f.TrackedJobID)
	job, err := p.store.Get(ctx, tj)
	if err != nil {
		return storeErr("load tracked job", err)
	}
	if job.State.Terminal() {
		log.Infof(ctx, "tracked job %d is already %s", tj, job.State)
		return nil
	}
	if job.Done() {
		// An earlier attempt marked the run completed and failed after.
		return p.complete(ctx, tj)
	}

	pending, err := p.pendingChunks(ctx, tj)
	if err != nil {
		return err
	}
	if p.variant.Incremental {
		return p.finalizeNext(ctx, f, ids, keys, pending)
	}
	return p.finalizeAll(ctx, f, ids, keys, pending)
}

// pendingChunks returns the ids of the chunk rows not yet folded.
func (p *Pipeline) pendingChunks(ctx context.Context, tj int64) (map[int64]bool, error) {
	entries, err := p.store.ListKeys(ctx, tj, false)
	if err != nil {
		return nil, storeErr("list chunks", err)
	}
	pending := make(map[int64]bool, len(entries))
	for _, e := range entries {
		pending[e.ID] = true
	}
	return pending, nil
}

func (p *Pipeline) header(ctx context.Context, f *payload.CSVExportFinalize) ([]string, error) {
	q := FieldQuery{DatatypeID: int64(f.DatatypeID), APIKey: f.APIKey}
	for _, id := range f.Datafields {
		q.Datafields = append(q.Datafields, int64(id))
	}
	fields, err := p.extract.Fields(ctx, q)
	if err != nil {
		return nil, retry.Classify("load export fields", err)
	}
	return Header(fields), nil
}

// finalizeAll writes the whole export in one step, then removes the chunks.
// Once any chunk row is gone the export was already written and only the
// cleanup is left.
func (p *Pipeline) finalizeAll(ctx context.Context, f *payload.CSVExportFinalize, ids []int64, keys []string, pending map[int64]bool) error {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = p.PartialPath(f.UserID, k)
	}
	final := p.FinalPath(f.UserID, f.FinalFilename)

	if anyFolded(ids, pending) {
		if _, err := os.Stat(final); err != nil {
			return fileErr("assemble export", err)
		}
		log.Infof(ctx, "%s is already assembled, resuming cleanup", final)
	} else {
		header, err := p.header(ctx, f)
		if err != nil {
			return err
		}
		if err := concatInto(final, f.Rune(), header, parts); err != nil {
			return fileErr("assemble export", err)
		}
		log.Infof(ctx, "wrote %s from %d partial files", final, len(parts))
	}

	for i, id := range ids {
		if !pending[id] {
			continue
		}
		if err := p.removeChunk(ctx, id, parts[i]); err != nil {
			return err
		}
	}
	return p.complete(ctx, int64(f.TrackedJobID))
}

func anyFolded(ids []int64, pending map[int64]bool) bool {
	for _, id := range ids {
		if !pending[id] {
			return true
		}
	}
	return false
}

// finalizeNext appends the first remaining partial file and hands the rest
// to a follow-up job that carries the new size of the final file.
func (p *Pipeline) finalizeNext(ctx context.Context, f *payload.CSVExportFinalize, ids []int64, keys []string, pending map[int64]bool) error {
	final := p.FinalPath(f.UserID, f.FinalFilename)
	if len(keys) == 0 {
		if !f.Continuation {
			if _, err := p.createExport(ctx, f, final); err != nil {
				return err
			}
		}
		return p.complete(ctx, int64(f.TrackedJobID))
	}

	if pending[ids[0]] {
		offset := f.Offset
		if !f.Continuation {
			size, err := p.createExport(ctx, f, final)
			if err != nil {
				return err
			}
			offset = size
		}
		part := p.PartialPath(f.UserID, keys[0])
		if err := appendAt(final, part, offset); err != nil {
			return fileErr("append partial file", err)
		}
		if err := p.removeChunk(ctx, ids[0], part); err != nil {
			return err
		}
	} else {
		log.Infof(ctx, "partial file %s is already in the export", keys[0])
	}

	if len(keys) == 1 {
		return p.complete(ctx, int64(f.TrackedJobID))
	}

	st, err := os.Stat(final)
	if err != nil {
		return fileErr("stat export", err)
	}
	next := *f
	next.Continuation = true
	next.Offset = st.Size()
	next.RandomKeys = make(map[string]string, len(keys)-1)
	for i := 1; i < len(keys); i++ {
		next.RandomKeys[strconv.FormatInt(ids[i], 10)] = keys[i]
	}
	body, err := payload.Encode(&next)
	if err != nil {
		return retry.Unexpected("encode finalize", err)
	}
	if _, err := p.queue.Put(ctx, p.variant.Finalize, body, tube.DefaultPriority, p.cfg.ContinueDelay); err != nil {
		return retry.Transient("enqueue finalize", err)
	}
	log.Debugf(ctx, "appended %s, %d partial files left", keys[0], len(keys)-1)
	return nil
}

// createExport (re)writes the final file with only the header and returns
// its size.
func (p *Pipeline) createExport(ctx context.Context, f *payload.CSVExportFinalize, final string) (int64, error) {
	header, err := p.header(ctx, f)
	if err != nil {
		return 0, err
	}
	if err := writeRows(final, f.Rune(), header, nil); err != nil {
		return 0, retry.Unexpected("create export", err)
	}
	st, err := os.Stat(final)
	if err != nil {
		return 0, fileErr("create export", err)
	}
	return st.Size(), nil
}

// appendAt cuts final back to offset, dropping what an interrupted attempt
// wrote, then appends part.
func appendAt(final, part string, offset int64) error {
	out, err := os.OpenFile(final, os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	st, err := out.Stat()
	if err != nil {
		out.Close()
		return err
	}
	if st.Size() < offset {
		out.Close()
		return fmt.Errorf("%s is %d bytes, expected at least %d", final, st.Size(), offset)
	}
	if err := out.Truncate(offset); err != nil {
		out.Close()
		return err
	}
	if _, err := out.Seek(offset, io.SeekStart); err != nil {
		out.Close()
		return err
	}
	if err := copyFile(out, part); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// removeChunk deletes a folded chunk: the ledger row first, since it marks
// the chunk as still pending, then the partial file.
func (p *Pipeline) removeChunk(ctx context.Context, id int64, path string) error {
	if err := p.store.Delete(ctx, id); err != nil {
		return storeErr("delete chunk row", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Errorf(ctx, err, "failed to remove %s", path)
	}
	return nil
}

// complete ends a run: the finalize markers go, the completed timestamp is
// set once, and the state becomes COMPLETE.
func (p *Pipeline) complete(ctx context.Context, tj int64) error {
	if err := p.dropMarkers(ctx, tj); err != nil {
		return err
	}
	first, err := p.store.MarkCompletedOnce(ctx, tj)
	if err != nil {
		return storeErr("mark completed", err)
	}
	if err := p.store.SetState(ctx, tj, tracking.StateComplete, ""); err != nil {
		return storeErr("set state", err)
	}
	if first {
		log.Infof(ctx, "export %d complete", tj)
	}
	return nil
}

// fileErr classifies a file system failure of the finalize stage.
func fileErr(op string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return retry.NotFound(op, err)
	}
	return retry.Unexpected(op, err)
}
