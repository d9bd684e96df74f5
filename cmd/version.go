// cmd/version.go
package cmd

import (
	"fmt"
	"io"
	"runtime"
	"runtime/debug"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X ...cmd.Version=v1.2.3".
var Version = "dev"

var versionShort bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the odr-worker version and build details",
	Long: `Prints the release version together with the VCS revision the binary was
built from, the Go toolchain and the queue and store client versions.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if versionShort {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
			return
		}
		info, _ := debug.ReadBuildInfo()
		printVersion(cmd.OutOrStdout(), buildDetails(info))
	},
}

// buildDetail is one labelled line of the version output.
type buildDetail struct {
	label, value string
}

// clientModules are the dependencies whose versions matter when reporting a
// queue or store problem.
var clientModules = map[string]string{
	"github.com/redis/go-redis/v9":        "go-redis",
	"github.com/rabbitmq/amqp091-go":      "amqp091",
	"github.com/jackc/pgx/v5":             "pgx",
	"modernc.org/sqlite":                  "sqlite (modernc)",
	"github.com/mattn/go-sqlite3":         "sqlite3 (cgo)",
	"github.com/prometheus/client_golang": "prometheus",
}

func buildDetails(info *debug.BuildInfo) []buildDetail {
	out := []buildDetail{
		{"Version:", Version},
		{"Go:", runtime.Version() + " " + runtime.GOOS + "/" + runtime.GOARCH},
	}
	if info == nil {
		return out
	}
	var revision, when string
	modified := false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.time":
			when = s.Value
		case "vcs.modified":
			modified = s.Value == "true"
		}
	}
	if revision != "" {
		if len(revision) > 12 {
			revision = revision[:12]
		}
		if modified {
			revision += " (modified)"
		}
		out = append(out, buildDetail{"Revision:", revision})
	}
	if when != "" {
		out = append(out, buildDetail{"Built:", when})
	}
	for _, dep := range info.Deps {
		if name, ok := clientModules[dep.Path]; ok {
			out = append(out, buildDetail{name + ":", dep.Version})
		}
	}
	return out
}

func printVersion(w io.Writer, details []buildDetail) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()
	headerColor.Fprintln(tw, "--- odr-worker ---")
	for _, d := range details {
		fmt.Fprintf(tw, "%s\t%s\n", labelColor.Sprint(d.label), d.value)
	}
}

func init() {
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "Print only the version number")
	rootCmd.AddCommand(versionCmd)
}
