// cmd/csvexport.go
package cmd

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/opendatarepository/odr-worker/internal/csvexport"
	"github.com/opendatarepository/odr-worker/internal/payload"
	"github.com/opendatarepository/odr-worker/internal/tracking"
)

var exportExpress bool

var csvExportCmd = &cobra.Command{
	Use:   "csv-export",
	Short: "Run or inspect the CSV export pipeline",
	Long: `The CSV export pipeline runs in three stages, each on its own tube:

  start     splits the requested records into chunk jobs
  worker    writes one partial file per chunk; the last chunk enqueues finalize
  finalize  joins the partial files into the export file

--express selects the *_express tubes, whose finalize joins every partial
file in one job.`,
}

func stageCmd(use, short string, pick func(csvexport.Variant) string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTube(cmd, pick(exportVariant()))
		},
	}
}

func exportVariant() csvexport.Variant {
	if exportExpress {
		return csvexport.Express
	}
	return csvexport.Direct
}

var csvExportStatusCmd = &cobra.Command{
	Use:   "status <tracked-job-id>",
	Short: "Show the progress of a tracked export",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid tracked job id %q", args[0])
		}
		ctx := cmd.Context()
		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		job, err := store.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("tracked job %d: %w", id, err)
		}
		chunks, err := store.Count(ctx, id, false)
		if err != nil {
			return err
		}
		finalizing, err := store.Count(ctx, id, true)
		if err != nil {
			return err
		}
		printTrackedJob(job, chunks, finalizing)
		return nil
	},
}

func printTrackedJob(job tracking.TrackedJob, chunks, finalizing int64) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	headerColor.Fprintf(w, "--- Tracked job %d (%s) ---\n", job.ID, job.JobType)
	fmt.Fprintf(w, "%s\t%s\n", labelColor.Sprint("Target:"), job.Target)
	fmt.Fprintf(w, "%s\t%d\n", labelColor.Sprint("User:"), job.UserID)
	fmt.Fprintf(w, "%s\t%s\n", labelColor.Sprint("State:"), stateColor(job.State).Sprint(job.State))
	if job.Reason != "" {
		fmt.Fprintf(w, "%s\t%s\n", labelColor.Sprint("Reason:"), job.Reason)
	}
	fmt.Fprintf(w, "%s\t%d / %d records\n", labelColor.Sprint("Progress:"), job.Current, job.Total)
	fmt.Fprintf(w, "%s\t%d recorded, %d expected\n", labelColor.Sprint("Chunks:"), chunks, job.Chunks)
	if finalizing > 0 {
		fmt.Fprintf(w, "%s\t%d\n", labelColor.Sprint("Finalize markers:"), finalizing)
	}
	fmt.Fprintf(w, "%s\t%s\n", labelColor.Sprint("Started:"), job.Started.Format(time.RFC3339))
	if job.Done() {
		fmt.Fprintf(w, "%s\t%s (%s)\n", labelColor.Sprint("Completed:"),
			job.Completed.Format(time.RFC3339), job.Completed.Sub(job.Started).Round(time.Second))
		if job.JobType == csvexport.JobType {
			fmt.Fprintf(w, "%s\t%s\n", labelColor.Sprint("File:"),
				csvexport.FinalFilename(payload.ID(job.UserID), payload.ID(job.ID)))
		}
	}
}

func stateColor(s tracking.State) *color.Color {
	switch {
	case s == tracking.StateComplete:
		return goodColor
	case s == tracking.StateFailed:
		return badColor
	default:
		return warnColor
	}
}

func init() {
	rootCmd.AddCommand(csvExportCmd)
	csvExportCmd.PersistentFlags().BoolVar(&exportExpress, "express", false, "Use the express pipeline tubes")
	csvExportCmd.AddCommand(
		stageCmd("start", "Run the start stage", func(v csvexport.Variant) string { return v.Start }),
		stageCmd("worker", "Run the chunk worker stage", func(v csvexport.Variant) string { return v.Worker }),
		stageCmd("finalize", "Run the finalize stage", func(v csvexport.Variant) string { return v.Finalize }),
		csvExportStatusCmd,
	)
}
