// cmd/helpers.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/opendatarepository/odr-worker/internal/config"
	"github.com/opendatarepository/odr-worker/internal/csvexport"
	"github.com/opendatarepository/odr-worker/internal/dispatch"
	"github.com/opendatarepository/odr-worker/internal/retry"
	"github.com/opendatarepository/odr-worker/internal/tracking"
	"github.com/opendatarepository/odr-worker/internal/tube"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	goodColor   = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	badColor    = color.New(color.FgRed)
	labelColor  = color.New(color.Bold)
)

// served returns the tube name actually used on the queue server.
func served(name string) string {
	return tube.Name(cfg.EnvPrefix, name, oldNames)
}

func openQueue(ctx context.Context, c *config.Config) (tube.Client, error) {
	q := c.Queue
	switch q.Backend {
	case "", "redis":
		r := tube.NewRedis(tube.RedisConfig{
			URL:          q.URL,
			Password:     q.Password,
			Prefix:       q.Prefix,
			Lease:        q.Lease,
			PollInterval: q.PollInterval,
		})
		if err := r.Connect(ctx, q.URL, q.Password); err != nil {
			return nil, err
		}
		return r, nil
	case "amqp":
		a, err := tube.DialAMQP(q.AMQPURL, q.PollInterval)
		if err != nil {
			return nil, err
		}
		return a, nil
	case "memory":
		return tube.NewMemory(tube.WithMemoryLease(q.Lease)), nil
	}
	return nil, fmt.Errorf("unknown queue backend %q", q.Backend)
}

func openStore(ctx context.Context, c *config.Config) (tracking.Store, error) {
	s := c.Store
	if isSQLite(s.Driver) && s.DSN != ":memory:" && !strings.HasPrefix(s.DSN, "file:") {
		if err := os.MkdirAll(filepath.Dir(s.DSN), 0o755); err != nil {
			return nil, fmt.Errorf("create tracking db directory: %w", err)
		}
	}
	return tracking.Open(ctx, tracking.Config{
		Driver:   s.Driver,
		DSN:      s.DSN,
		MaxConns: s.MaxConns,
		Password: s.Password,
		Prefix:   s.Prefix,
	})
}

func isSQLite(driver string) bool {
	return driver == "" || driver == "sqlite" || driver == "sqlite3"
}

// isExportTube reports whether name belongs to a CSV export pipeline and so
// needs the tracking store.
func isExportTube(name string) bool {
	return strings.HasPrefix(name, "csv_export_")
}

// routes turns the tube table into dispatch routes.
func routes(c *config.Config) map[string]dispatch.Route {
	out := make(map[string]dispatch.Route, len(c.Tubes))
	for name, t := range c.Tubes {
		out[name] = dispatch.Route{URL: t.URL, Timeout: t.CallTimeout()}
	}
	return out
}

func exportPipelines(c *config.Config, queue tube.Client, store tracking.Store) []*csvexport.Pipeline {
	var out []*csvexport.Pipeline
	for _, v := range []csvexport.Variant{csvexport.Direct, csvexport.Express} {
		ext := &csvexport.RemoteExtractor{
			Caller: dispatch.NewRemote(extractorTimeout(c, v)),
			URL:    c.Export.ExtractorURL,
		}
		out = append(out, csvexport.New(queue, store, ext, v.Prefixed(c.EnvPrefix, oldNames), exportConfig(c, v)))
	}
	return out
}

// extractorTimeout is the worker tube's timeout when the tube table sets
// one, else the export default.
func extractorTimeout(c *config.Config, v csvexport.Variant) time.Duration {
	if t := c.Tube(v.Worker); t.Timeout != 0 {
		return t.CallTimeout()
	}
	return c.Export.Timeout
}

// exportConfig returns the pipeline settings of variant v, with the retry
// policy of each stage keyed by its served tube name.
func exportConfig(c *config.Config, v csvexport.Variant) csvexport.Config {
	pc := csvexport.Config{
		Dir:           c.Export.Dir,
		ChunkSize:     c.Export.ChunkSize,
		ChunkDelay:    c.Export.ChunkDelay,
		FinalizeDelay: c.Export.FinalizeDelay,
		ContinueDelay: c.Export.ContinueDelay,
		Policies:      make(map[string]retry.Policy, 3),
	}
	for _, stage := range []string{v.Start, v.Worker, v.Finalize} {
		policy, err := c.Tube(stage).RetryPolicy()
		if err != nil {
			// Validate has already reported it.
			policy = retry.DefaultPolicy()
		}
		pc.Policies[served(stage)] = policy
	}
	return pc
}

// buildRegistry wires every handler under the tube name it is served on.
// store may be nil when no export tube is consumed.
func buildRegistry(c *config.Config, queue tube.Client, store tracking.Store) *dispatch.Registry {
	generic := dispatch.NewRegistry()
	dispatch.Generic(generic, dispatch.NewRemote(0), routes(c), nil)

	reg := dispatch.NewRegistry()
	for _, name := range generic.Tubes() {
		h, _ := generic.Handler(name)
		reg.Register(served(name), h)
	}
	if store != nil {
		for _, p := range exportPipelines(c, queue, store) {
			p.Register(reg)
		}
	}
	return reg
}
