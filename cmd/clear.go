// cmd/clear.go
package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opendatarepository/odr-worker/internal/drain"
	"github.com/opendatarepository/odr-worker/internal/tube"
)

var (
	clearFollow   bool
	clearInterval time.Duration
	clearVerbose  bool
)

var clearCmd = &cobra.Command{
	Use:   "clear <tube>",
	Short: "Delete every ready job of a tube",
	Long: `Reserves and deletes the jobs of a tube, logging what each one was for.

By default clear stops once the tube has no ready job; delayed and reserved
jobs are left alone. With --follow it keeps deleting jobs as they arrive
until interrupted.`,
	Example: `  # Wipe pending export chunks after a failed deploy
  odr-worker clear csv_export_worker

  # Keep a tube empty while a producer is being fixed
  odr-worker clear csv_export_start --follow`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		queue, err := openQueue(ctx, cfg)
		if err != nil {
			return err
		}
		defer queue.Close()

		d := &drain.Drainer{Client: queue, Tube: served(args[0]), Interval: clearInterval}
		if clearVerbose {
			d.OnDiscard = func(job *tube.Job, fields map[string]any) {
				fmt.Printf("   - deleted %s %s\n", job.ID, formatFields(fields))
			}
		}

		var n int
		if clearFollow {
			headerColor.Printf("--- Clearing %s until interrupted ---\n", d.Tube)
			n, err = d.Run(ctx)
		} else {
			n, err = d.Once(ctx)
		}
		if err != nil {
			badColor.Printf("Stopped after %d jobs: %v\n", n, err)
			return err
		}
		goodColor.Printf("Deleted %d jobs from %s\n", n, d.Tube)
		return nil
	},
}

func formatFields(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return strings.Join(parts, " ")
}

func init() {
	rootCmd.AddCommand(clearCmd)
	clearCmd.Flags().BoolVar(&clearFollow, "follow", false, "Keep deleting jobs as they arrive")
	clearCmd.Flags().DurationVar(&clearInterval, "interval", drain.DefaultInterval, "Pause between two deleted jobs")
	clearCmd.Flags().BoolVarP(&clearVerbose, "verbose", "v", false, "Print every deleted job")
}
