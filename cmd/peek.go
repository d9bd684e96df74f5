// cmd/peek.go
package cmd

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opendatarepository/odr-worker/internal/payload"
	"github.com/opendatarepository/odr-worker/internal/tube"
)

var peekNext bool

var peekCmd = &cobra.Command{
	Use:   "peek [tube...]",
	Short: "Show job counts of tubes",
	Long: `Prints the ready, delayed and reserved counts of the named tubes, or of
every configured tube. With --next the next ready job of each tube is shown
without reserving it.`,
	Example: `  odr-worker peek
  odr-worker peek csv_export_worker csv_export_finalize --next`,
	RunE: func(cmd *cobra.Command, args []string) error {
		names := args
		if len(names) == 0 {
			for name := range cfg.Tubes {
				names = append(names, name)
			}
			sort.Strings(names)
		}

		ctx := cmd.Context()
		queue, err := openQueue(ctx, cfg)
		if err != nil {
			return err
		}
		defer queue.Close()

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		defer w.Flush()

		headerColor.Fprintf(w, "--- Tubes on %s ---\n", queue.Name())
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			labelColor.Sprint("TUBE"), labelColor.Sprint("READY"),
			labelColor.Sprint("DELAYED"), labelColor.Sprint("RESERVED"))
		for _, name := range names {
			st, err := queue.Stats(ctx, served(name))
			if err != nil {
				fmt.Fprintf(w, "%s\t%s\n", served(name), badColor.Sprint(err))
				continue
			}
			ready := fmt.Sprint(st.Ready)
			if st.Ready > 0 {
				ready = warnColor.Sprint(st.Ready)
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", served(name), ready, st.Delayed, st.Reserved)

			if !peekNext {
				continue
			}
			job, err := queue.PeekReady(ctx, served(name))
			switch {
			case errors.Is(err, tube.ErrEmpty):
			case err != nil:
				fmt.Fprintf(w, "  next:\t%s\n", badColor.Sprint(err))
			default:
				fmt.Fprintf(w, "  next:\t%s pri=%d %s\n", job.ID, job.Priority, formatFields(payload.Identify(job.Body)))
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(peekCmd)
	peekCmd.Flags().BoolVar(&peekNext, "next", false, "Show the next ready job of each tube")
}
