// cmd/root.go
/*
Copyright © 2026 Open Data Repository <dev@opendatarepository.org>
*/
package cmd

import (
	"context"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"goa.design/clue/log"

	"github.com/opendatarepository/odr-worker/internal/config"
	"github.com/opendatarepository/odr-worker/internal/logging"
)

var (
	cfgFile     string
	debugMode   bool
	oldNames    bool
	metricsAddr string
	noColor     bool
)

// cfg is loaded once per invocation by the root pre-run hook.
var cfg *config.Config

var closeDebugLog = func() {}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "odr-worker",
	Short: "Background job workers for the Open Data Repository",
	Long: `Queue consumers for the Open Data Repository web tier.

Each "worker" process consumes one tube: CSV exports are assembled in-process,
every other tube is forwarded to the web tier over HTTP. "clear" empties a
tube, "monitor" keeps a worker alive, "enqueue" and "peek" are operational
helpers.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor {
			color.NoColor = true
		}

		c, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if metricsAddr != "" {
			c.MetricsAddr = metricsAddr
		}
		cfg = c

		out, closeFn := logging.Tee(os.Stderr, debugMode)
		closeDebugLog = closeFn
		ctx := logging.Context(cmd.Context(), logging.Options{
			Debug:    debugMode,
			Output:   out,
			Terminal: logging.IsTerminal(os.Stderr),
		})
		cmd.SetContext(ctx)

		if debugMode {
			log.Debugf(ctx, "command: %s", commandLine(cmd, args))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeDebugLog()
	},
}

// commandLine rebuilds the invocation for the debug log.
func commandLine(cmd *cobra.Command, args []string) string {
	full := cmd.CommandPath()
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if f.Name == "debug" {
			return
		}
		if f.Value.Type() == "bool" {
			full += " --" + f.Name
		} else {
			full += " --" + f.Name + "=" + f.Value.String()
		}
	})
	if len(args) > 0 {
		full += " " + strings.Join(args, " ")
	}
	return full
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		badColor.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/"+config.FileName+")")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug output")
	rootCmd.PersistentFlags().BoolVar(&oldNames, "old", false, "Prefix tube names with the configured environment prefix")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9102)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
}
