// cmd/monitor.go
package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opendatarepository/odr-worker/internal/supervisor"
)

var (
	monitorTube     string
	monitorMatch    string
	monitorLog      string
	monitorInterval time.Duration
)

var monitorCmd = &cobra.Command{
	Use:   "monitor [--tube <tube> | -- <command> [args...]]",
	Short: "Restart a worker process whenever it is not running",
	Long: `Scans the process table every interval and starts the command when no
running process has the words of the match string, whole and in order, in its
command line.

With --tube the command is this binary's own "worker --tube <tube>". Output of
started processes is appended to the log file.`,
	Example: `  # Keep the mass edit worker alive
  odr-worker monitor --tube mass_edit

  # Supervise an arbitrary command
  odr-worker monitor --match "php bin/console odr:worker" -- php bin/console odr:worker`,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := buildMonitor(args)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		headerColor.Println("--- Starting odr-worker monitor ---")
		fmt.Printf("   - Match: %q\n", m.Match)
		fmt.Printf("   - Command: %s %s\n", m.Command, strings.Join(m.Args, " "))
		fmt.Printf("   - Log: %s\n", m.LogPath)
		fmt.Printf("   - Interval: %s\n", m.Interval)

		err = m.Run(ctx)
		fmt.Println("--- Monitor stopped ---")
		return err
	},
}

// buildMonitor turns flags and trailing args into a Monitor.
func buildMonitor(args []string) (*supervisor.Monitor, error) {
	m := &supervisor.Monitor{Match: monitorMatch, LogPath: monitorLog, Interval: monitorInterval}

	switch {
	case len(args) > 0:
		m.Command, m.Args = args[0], args[1:]
		if m.Match == "" {
			m.Match = strings.Join(args, " ")
		}
	case monitorTube != "":
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate own executable: %w", err)
		}
		m.Command, m.Args = exe, workerArgs(monitorTube)
		if m.Match == "" {
			m.Match = "worker --tube " + monitorTube
		}
	default:
		return nil, fmt.Errorf("either --tube or a command is required")
	}

	if m.LogPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		name := monitorTube
		if name == "" {
			name = filepath.Base(m.Command)
		}
		m.LogPath = filepath.Join(home, ".odr-worker", "logs", name+".log")
	}
	return m, nil
}

// workerArgs passes the global flags on to the supervised worker.
func workerArgs(tubeName string) []string {
	args := []string{"worker", "--tube", tubeName}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	if oldNames {
		args = append(args, "--old")
	}
	if debugMode {
		args = append(args, "--debug")
	}
	return args
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().StringVar(&monitorTube, "tube", "", "Supervise this binary's worker for the tube")
	_ = monitorCmd.RegisterFlagCompletionFunc("tube", completeTubeFlag)
	monitorCmd.Flags().StringVar(&monitorMatch, "match", "", "Words identifying the supervised process command line, matched whole and in order")
	monitorCmd.Flags().StringVar(&monitorLog, "log", "", "File receiving the output of started processes")
	monitorCmd.Flags().DurationVar(&monitorInterval, "interval", supervisor.DefaultInterval, "Time between two scans")
}
