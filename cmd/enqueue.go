// cmd/enqueue.go
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/opendatarepository/odr-worker/internal/csvexport"
	"github.com/opendatarepository/odr-worker/internal/dispatch"
	"github.com/opendatarepository/odr-worker/internal/payload"
	"github.com/opendatarepository/odr-worker/internal/tube"
)

var (
	enqueuePriority uint32
	enqueueDelay    time.Duration
	enqueueNoCheck  bool
)

// payloadTypes maps every tube to a fresh value of its payload type.
var payloadTypes = map[string]func() payload.Validator{
	dispatch.TubeCrypto:   func() payload.Validator { return new(payload.Crypto) },
	dispatch.TubeMigrate:  func() payload.Validator { return new(payload.Migrate) },
	dispatch.TubeRecache:  func() payload.Validator { return new(payload.Recache) },
	dispatch.TubeRebuild:  func() payload.Validator { return new(payload.RebuildThumbnails) },
	dispatch.TubeImport:   func() payload.Validator { return new(payload.XMLImport) },
	dispatch.TubeMassEdit: func() payload.Validator { return new(payload.MassEdit) },

	csvexport.Direct.Start:     func() payload.Validator { return new(payload.CSVExportStart) },
	csvexport.Direct.Worker:    func() payload.Validator { return new(payload.CSVExportWorker) },
	csvexport.Direct.Finalize:  func() payload.Validator { return new(payload.CSVExportFinalize) },
	csvexport.Express.Start:    func() payload.Validator { return new(payload.CSVExportStart) },
	csvexport.Express.Worker:   func() payload.Validator { return new(payload.CSVExportWorker) },
	csvexport.Express.Finalize: func() payload.Validator { return new(payload.CSVExportFinalize) },
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <tube> [json-body | -]",
	Short: "Put one job on a tube",
	Long: `Puts a JSON job body on a tube. The body is read from the argument, or
from stdin when it is "-" or missing.

The body is checked against the tube's payload before it is queued. A body
without an api_key gets the configured one.`,
	Example: `  odr-worker enqueue csv_export_start '{"tracked_job_id":0,"user_id":7,"datatype_id":3,
    "datarecord_id":[10,11,12],"datafields":[4,5],"delimiter":","}'

  cat job.json | odr-worker enqueue mass_edit --priority 2048`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		var raw []byte
		var err error
		if len(args) == 1 || args[1] == "-" {
			raw, err = io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}
		} else {
			raw = []byte(args[1])
		}

		body, err := prepareBody(name, raw, cfg.APIKey, !enqueueNoCheck)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		queue, err := openQueue(ctx, cfg)
		if err != nil {
			return err
		}
		defer queue.Close()

		id, err := queue.Put(ctx, served(name), body, enqueuePriority, enqueueDelay)
		if err != nil {
			return fmt.Errorf("put job: %w", err)
		}
		goodColor.Printf("Queued job %s on %s\n", id, served(name))
		if fields := payload.Identify(body); len(fields) > 0 {
			fmt.Fprintf(os.Stdout, "   - %s\n", formatFields(fields))
		}
		return nil
	},
}

// prepareBody fills in the api key and, when check is set, validates the
// body against the payload of the tube.
func prepareBody(name string, raw []byte, apiKey string, check bool) ([]byte, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("job body is not a JSON object: %w", err)
	}
	if _, ok := fields["api_key"]; !ok && apiKey != "" {
		fields["api_key"] = apiKey
	}
	body, err := payload.Encode(fields)
	if err != nil {
		return nil, err
	}
	if !check {
		return body, nil
	}
	newPayload, ok := payloadTypes[name]
	if !ok {
		return nil, fmt.Errorf("unknown tube %q (use --no-check to queue anyway)", name)
	}
	if err := payload.Decode(body, newPayload()); err != nil {
		return nil, err
	}
	return body, nil
}

func init() {
	rootCmd.AddCommand(enqueueCmd)
	enqueueCmd.Flags().Uint32Var(&enqueuePriority, "priority", tube.DefaultPriority, "Job priority, lower is more urgent")
	enqueueCmd.Flags().DurationVar(&enqueueDelay, "delay", 0, "Keep the job hidden this long")
	enqueueCmd.Flags().BoolVar(&enqueueNoCheck, "no-check", false, "Skip payload validation")
}
