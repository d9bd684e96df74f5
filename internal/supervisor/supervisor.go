// Package supervisor restarts a worker process that is no longer running.
//
// The monitor polls the process table for a command line holding the words
// of Match in order, each one whole.
// When none is found it starts Command detached, with its output appended to
// LogPath, and polls again after Interval.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"goa.design/clue/log"

	"github.com/opendatarepository/odr-worker/internal/metrics"
)

// DefaultInterval is the pause between two scans of the process table.
const DefaultInterval = 5 * time.Second

// Proc is one running process.
type Proc struct {
	PID     int32
	Cmdline string
	RSS     uint64
}

// Lister returns the running processes.
type Lister interface {
	Processes(ctx context.Context) ([]Proc, error)
}

// Spawner starts a detached process.
type Spawner interface {
	Spawn(ctx context.Context, command string, args []string, logPath string) (int, error)
}

// Monitor keeps one worker process alive.
type Monitor struct {
	Match    string
	Command  string
	Args     []string
	LogPath  string
	Interval time.Duration

	Lister  Lister
	Spawner Spawner
}

// Status is the result of one scan.
type Status struct {
	Running []Proc
	// Spawned is the pid of the process started by this scan, or zero.
	Spawned int
}

func (m *Monitor) lister() Lister {
	if m.Lister != nil {
		return m.Lister
	}
	return SystemProcesses{}
}

func (m *Monitor) spawner() Spawner {
	if m.Spawner != nil {
		return m.Spawner
	}
	return ExecSpawner{}
}

// Check scans the process table once and starts the command when no process
// matches.
func (m *Monitor) Check(ctx context.Context) (Status, error) {
	if m.Match == "" || m.Command == "" {
		return Status{}, fmt.Errorf("monitor needs a match pattern and a command")
	}
	procs, err := m.lister().Processes(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("list processes: %w", err)
	}

	self := int32(os.Getpid())
	var st Status
	for _, p := range procs {
		if p.PID == self {
			continue
		}
		if matchWords(p.Cmdline, m.Match) {
			st.Running = append(st.Running, p)
		}
	}
	if len(st.Running) > 0 {
		return st, nil
	}

	pid, err := m.spawner().Spawn(ctx, m.Command, m.Args, m.LogPath)
	if err != nil {
		return st, fmt.Errorf("start %s: %w", m.Command, err)
	}
	metrics.Respawns.WithLabelValues(m.Match).Inc()
	st.Spawned = pid
	return st, nil
}

// matchWords reports whether the words of pattern appear in cmdline as a
// contiguous run of whole words, so "--tube csv_export_worker" does not match
// "--tube csv_export_worker_express".
func matchWords(cmdline, pattern string) bool {
	want := strings.Fields(pattern)
	have := strings.Fields(cmdline)
	if len(want) == 0 {
		return false
	}
outer:
	for i := 0; i+len(want) <= len(have); i++ {
		for j, w := range want {
			if have[i+j] != w {
				continue outer
			}
		}
		return true
	}
	return false
}

// Run checks every Interval until ctx ends. Scan failures are logged and do
// not stop the monitor.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx = log.With(ctx, log.KV{K: "match", V: m.Match})
	log.Infof(ctx, "monitoring processes matching %q every %s", m.Match, interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st, err := m.Check(ctx)
		switch {
		case err != nil:
			log.Errorf(ctx, err, "monitor check failed")
		case st.Spawned != 0:
			log.Infof(ctx, "no process found, started %s (pid %d)", m.Command, st.Spawned)
		default:
			log.Debugf(ctx, "%d matching processes running", len(st.Running))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SystemProcesses lists processes through gopsutil.
type SystemProcesses struct{}

func (SystemProcesses) Processes(ctx context.Context) ([]Proc, error) {
	ps, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Proc, 0, len(ps))
	for _, p := range ps {
		cmd, err := p.CmdlineWithContext(ctx)
		if err != nil || cmd == "" {
			// Exited meanwhile, or a kernel thread.
			continue
		}
		proc := Proc{PID: p.Pid, Cmdline: cmd}
		if mi, err := p.MemoryInfoWithContext(ctx); err == nil {
			proc.RSS = mi.RSS
		}
		out = append(out, proc)
	}
	return out, nil
}

// ExecSpawner starts the command detached so it outlives the monitor.
type ExecSpawner struct{}

func (ExecSpawner) Spawn(ctx context.Context, command string, args []string, logPath string) (int, error) {
	cmd := exec.Command(command, args...)
	detach(cmd)
	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
			return 0, err
		}
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		cmd.Stdout = f
		cmd.Stderr = f
	}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	// Reap the child when it exits so it does not linger as a zombie.
	go func() { _ = cmd.Wait() }()
	return pid, nil
}
