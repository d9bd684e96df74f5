// cmd/worker.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/opendatarepository/odr-worker/internal/metrics"
	"github.com/opendatarepository/odr-worker/internal/tracking"
	"github.com/opendatarepository/odr-worker/internal/worker"
)

var workerTube string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume one tube until interrupted",
	Long: `Runs the consume loop for one tube.

The job body is handled by the tube's handler: CSV export stages run
in-process against the tracking store, every other tube is posted to the web
tier. Failures are settled by the tube's retry policy; the loop only ends on
SIGINT or SIGTERM.`,
	Example: `  # Forward mass edit jobs to the web tier
  odr-worker worker --tube mass_edit

  # Consume the prefixed tube of an older deployment
  odr-worker worker --tube recache_record --old`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if workerTube == "" {
			return fmt.Errorf("--tube is required")
		}
		return runTube(cmd, workerTube)
	},
}

// runTube builds the queue, store and handler for one tube and runs it.
func runTube(cmd *cobra.Command, name string) error {
	ctx := cmd.Context()
	settings := cfg.Tube(name)
	policy, err := settings.RetryPolicy()
	if err != nil {
		return fmt.Errorf("tube %s: %w", name, err)
	}

	queue, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer queue.Close()

	var store tracking.Store
	if isExportTube(name) {
		store, err = openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	reg := buildRegistry(cfg, queue, store)
	handler, err := reg.Handler(served(name))
	if err != nil {
		return err
	}

	opts := []worker.Option{
		worker.WithPolicy(policy),
		worker.WithThrottle(settings.Throttle),
		worker.WithRecorder(metrics.Recorder{}),
	}
	if cfg.Queue.Lease > 0 {
		opts = append(opts, worker.WithKeepAlive(cfg.Queue.Lease/2))
	}
	if settings.WaitFor != "" {
		opts = append(opts, worker.WaitFor(served(settings.WaitFor), settings.WaitInterval, settings.WaitTimeout))
	}

	headerColor.Printf("--- Starting odr-worker on %s ---\n", served(name))
	fmt.Printf("   - Queue: %s\n", queue.Name())
	if store != nil {
		fmt.Printf("   - Tracking store: %s\n", cfg.Store.Driver)
	}
	if settings.WaitFor != "" {
		fmt.Printf("   - Waits for: %s\n", served(settings.WaitFor))
	}

	metrics.StartServer(ctx, cfg.MetricsAddr)
	err = worker.NewRunner(queue, served(name), handler, opts...).Run(ctx)
	if err != nil {
		log.Errorf(ctx, err, "worker stopped")
	}
	fmt.Println("--- Worker shutdown complete ---")
	return err
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().StringVar(&workerTube, "tube", "", "Tube to consume (e.g. mass_edit, csv_export_worker)")
	_ = workerCmd.RegisterFlagCompletionFunc("tube", completeTubeFlag)
}
