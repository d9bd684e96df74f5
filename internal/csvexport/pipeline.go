// Package csvexport coordinates the three-stage CSV export: a start job fans
// the selected records out into chunk jobs, each chunk job writes one partial
// file and records itself in the ledger, and the one chunk job that wins the
// finalize race enqueues the job that folds the partial files into the
// export.
//
// Stages and tubes:
//
//	start ──(N chunk jobs)──▶ worker ──(race winner)──▶ finalize
//
// The direct variant finalizes one partial file per job and re-enqueues the
// rest; the express variant folds every partial file in a single job.
package csvexport

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"goa.design/clue/log"

	"github.com/opendatarepository/odr-worker/internal/dispatch"
	"github.com/opendatarepository/odr-worker/internal/payload"
	"github.com/opendatarepository/odr-worker/internal/retry"
	"github.com/opendatarepository/odr-worker/internal/tracking"
	"github.com/opendatarepository/odr-worker/internal/tube"
	"github.com/opendatarepository/odr-worker/internal/worker"
)

// JobType is the tracked job type of an export.
const JobType = "csv_export"

const (
	DefaultChunkSize     = 200
	DefaultChunkDelay    = time.Second
	DefaultFinalizeDelay = 500 * time.Millisecond
	DefaultContinueDelay = time.Second
)

// Variant names the tubes of one pipeline flavour.
type Variant struct {
	Start    string
	Worker   string
	Finalize string
	// Incremental finalizes one partial file per finalize job.
	Incremental bool
}

var (
	Direct = Variant{
		Start:       "csv_export_start",
		Worker:      "csv_export_worker",
		Finalize:    "csv_export_finalize",
		Incremental: true,
	}
	Express = Variant{
		Start:    "csv_export_start_express",
		Worker:   "csv_export_worker_express",
		Finalize: "csv_export_finalize_express",
	}
)

// Prefixed returns v with every tube renamed by tube.Name.
func (v Variant) Prefixed(prefix string, old bool) Variant {
	v.Start = tube.Name(prefix, v.Start, old)
	v.Worker = tube.Name(prefix, v.Worker, old)
	v.Finalize = tube.Name(prefix, v.Finalize, old)
	return v
}

// Config tunes a pipeline. Zero values select the defaults.
type Config struct {
	// Dir is the root of the per-user export directories.
	Dir       string
	ChunkSize int

	ChunkDelay    time.Duration
	FinalizeDelay time.Duration
	ContinueDelay time.Duration

	// Policies holds the retry policy of each stage tube, the same one its
	// runner uses. A run is marked FAILED only for errors the policy
	// deletes. Tubes without an entry use retry.DefaultPolicy.
	Policies map[string]retry.Policy
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkDelay <= 0 {
		c.ChunkDelay = DefaultChunkDelay
	}
	if c.FinalizeDelay <= 0 {
		c.FinalizeDelay = DefaultFinalizeDelay
	}
	if c.ContinueDelay <= 0 {
		c.ContinueDelay = DefaultContinueDelay
	}
	return c
}

// Pipeline runs the stages of one variant.
type Pipeline struct {
	queue   tube.Client
	store   tracking.Store
	extract Extractor
	variant Variant
	cfg     Config

	// token returns the random part of a chunk key.
	token func(trackedJobID int64, order int) string
}

// New creates a pipeline.
func New(queue tube.Client, store tracking.Store, extract Extractor, variant Variant, cfg Config) *Pipeline {
	return &Pipeline{
		queue:   queue,
		store:   store,
		extract: extract,
		variant: variant,
		cfg:     cfg.withDefaults(),
		token:   chunkToken,
	}
}

// Variant returns the tubes the pipeline serves.
func (p *Pipeline) Variant() Variant { return p.variant }

// Register adds the three stage handlers to reg.
func (p *Pipeline) Register(reg *dispatch.Registry) {
	reg.Register(p.variant.Start, worker.Typed[payload.CSVExportStart](p.Start))
	reg.Register(p.variant.Worker, worker.Typed[payload.CSVExportWorker](p.Worker))
	reg.Register(p.variant.Finalize, worker.Typed[payload.CSVExportFinalize](p.Finalize))
}

var (
	safeKey      = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	safeFilename = regexp.MustCompile(`^[A-Za-z0-9_-]+\.csv$`)
)

func checkKey(key string) error {
	if !safeKey.MatchString(key) {
		return retry.Validation("csv export", fmt.Sprintf("invalid random_key %q", key))
	}
	return nil
}

func (p *Pipeline) userDir(userID payload.ID) string {
	return filepath.Join(p.cfg.Dir, fmt.Sprintf("user_%d", userID), "csv_export")
}

// PartialPath is where a chunk writes its rows.
func (p *Pipeline) PartialPath(userID payload.ID, key string) string {
	return filepath.Join(p.userDir(userID), "f_"+key+".csv")
}

// FinalPath is the finished export of a tracked job.
func (p *Pipeline) FinalPath(userID payload.ID, name string) string {
	return filepath.Join(p.userDir(userID), name)
}

// FinalFilename names the export of a tracked job.
func FinalFilename(userID, trackedJobID payload.ID) string {
	return fmt.Sprintf("export_%d_%d.csv", userID, trackedJobID)
}

// policy returns the retry policy of a stage tube.
func (p *Pipeline) policy(stage string) retry.Policy {
	if pol, ok := p.cfg.Policies[stage]; ok {
		return pol
	}
	return retry.DefaultPolicy()
}

// fail marks the tracked job FAILED when the stage's runner will delete the
// job instead of retrying it.
func (p *Pipeline) fail(ctx context.Context, stage string, trackedJobID payload.ID, err error) error {
	if err == nil || trackedJobID <= 0 {
		return err
	}
	if p.policy(stage).Decide(err).Action != retry.ActionDelete {
		return err
	}
	if serr := p.store.SetState(ctx, int64(trackedJobID), tracking.StateFailed, err.Error()); serr != nil {
		log.Errorf(ctx, serr, "failed to mark export %d failed", trackedJobID)
	}
	return err
}

// storeErr classifies a tracking store failure.
func storeErr(op string, err error) error {
	if errors.Is(err, tracking.ErrNotFound) {
		return retry.NotFound(op, err)
	}
	return retry.Classify(op, err)
}
