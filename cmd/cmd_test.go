// cmd/cmd_test.go
package cmd

import (
	"context"
	"encoding/json"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/opendatarepository/odr-worker/internal/config"
	"github.com/opendatarepository/odr-worker/internal/csvexport"
	"github.com/opendatarepository/odr-worker/internal/retry"
	"github.com/opendatarepository/odr-worker/internal/supervisor"
	"github.com/opendatarepository/odr-worker/internal/tracking"
	"github.com/opendatarepository/odr-worker/internal/tube"
)

// withConfig installs c as the loaded configuration for one test.
func withConfig(t *testing.T, c *config.Config, old bool) {
	t.Helper()
	prevCfg, prevOld := cfg, oldNames
	cfg, oldNames = c, old
	t.Cleanup(func() { cfg, oldNames = prevCfg, prevOld })
}

func TestPrepareBody(t *testing.T) {
	tests := []struct {
		name    string
		tube    string
		body    string
		apiKey  string
		check   bool
		wantErr string
		wantKey string
	}{
		{
			name:    "valid mass edit gets configured key",
			tube:    "mass_edit",
			body:    `{"tracked_job_id":5,"user_id":1,"job_type":"value","datarecord_id":2,"value":"x","url":"http://web/api"}`,
			apiKey:  "k1",
			check:   true,
			wantKey: "k1",
		},
		{
			name:    "explicit key is kept",
			tube:    "mass_edit",
			body:    `{"tracked_job_id":5,"user_id":1,"job_type":"value","datarecord_id":2,"url":"http://web/api","api_key":"mine"}`,
			apiKey:  "k1",
			check:   true,
			wantKey: "mine",
		},
		{
			name:    "missing fields are rejected",
			tube:    "csv_export_start",
			body:    `{"user_id":7}`,
			apiKey:  "k1",
			check:   true,
			wantErr: "datatype_id",
		},
		{
			name:    "unknown tube is rejected",
			tube:    "nope",
			body:    `{}`,
			check:   true,
			wantErr: "unknown tube",
		},
		{
			name:    "unknown tube passes without check",
			tube:    "nope",
			body:    `{"a":1}`,
			apiKey:  "k1",
			wantKey: "k1",
		},
		{
			name:    "non object body",
			tube:    "mass_edit",
			body:    `[1,2]`,
			wantErr: "not a JSON object",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := prepareBody(tt.tube, []byte(tt.body), tt.apiKey, tt.check)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("prepareBody() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("prepareBody() error = %v", err)
			}
			var fields map[string]any
			if err := json.Unmarshal(got, &fields); err != nil {
				t.Fatalf("result is not JSON: %v", err)
			}
			if fields["api_key"] != tt.wantKey {
				t.Errorf("api_key = %v, want %q", fields["api_key"], tt.wantKey)
			}
		})
	}
}

func TestPayloadTypesCoverEveryTube(t *testing.T) {
	for name := range config.DefaultTubes() {
		if _, ok := payloadTypes[name]; !ok {
			t.Errorf("no payload type for tube %s", name)
		}
	}
}

func TestServedNames(t *testing.T) {
	c := config.Default()
	c.EnvPrefix = "site"

	withConfig(t, c, false)
	if got := served("mass_edit"); got != "mass_edit" {
		t.Errorf("served() = %q without --old", got)
	}

	withConfig(t, c, true)
	if got := served("mass_edit"); got != "site_mass_edit" {
		t.Errorf("served() = %q with --old", got)
	}
}

func TestBuildRegistryServesEveryConfiguredTube(t *testing.T) {
	for _, old := range []bool{false, true} {
		c := config.Default()
		c.EnvPrefix = "site"
		c.Store.DSN = filepath.Join(t.TempDir(), "tracking.db")
		withConfig(t, c, old)

		store, err := openStore(context.Background(), c)
		if err != nil {
			t.Fatalf("openStore: %v", err)
		}
		defer store.Close()

		reg := buildRegistry(c, tube.NewMemory(), store)
		for name := range c.Tubes {
			if _, err := reg.Handler(served(name)); err != nil {
				t.Errorf("old=%v: %v", old, err)
			}
		}
		if got, want := len(reg.Tubes()), len(c.Tubes); got != want {
			t.Errorf("old=%v: registry has %d tubes, want %d: %v", old, got, want, reg.Tubes())
		}
	}
}

func TestBuildRegistryWithoutStoreSkipsExports(t *testing.T) {
	withConfig(t, config.Default(), false)
	reg := buildRegistry(cfg, tube.NewMemory(), nil)
	if _, err := reg.Handler("csv_export_worker"); err == nil {
		t.Error("export tube registered without a store")
	}
	if _, err := reg.Handler("mass_edit"); err != nil {
		t.Error(err)
	}
}

func TestExportStageSettings(t *testing.T) {
	c := config.Default()
	c.EnvPrefix = "site"
	c.Export.Timeout = 30 * time.Second
	withConfig(t, c, true)

	if got := extractorTimeout(c, csvexport.Direct); got != 120*time.Second {
		t.Errorf("direct extractor timeout = %s, want the worker tube's 120s", got)
	}
	if got := extractorTimeout(c, csvexport.Express); got != c.Export.Timeout {
		t.Errorf("express extractor timeout = %s, want export default 30s", got)
	}
	express := c.Tubes["csv_export_worker_express"]
	express.Timeout = -1
	c.Tubes["csv_export_worker_express"] = express
	if got := extractorTimeout(c, csvexport.Express); got != 0 {
		t.Errorf("express extractor timeout = %s, want none", got)
	}

	worker := c.Tubes["csv_export_worker"]
	worker.Policy = map[string]retry.Rule{"timeout": {Action: retry.ActionRelease}}
	c.Tubes["csv_export_worker"] = worker
	pc := exportConfig(c, csvexport.Direct)
	policy, ok := pc.Policies["site_csv_export_worker"]
	if !ok {
		t.Fatalf("no policy for the served worker tube: %v", pc.Policies)
	}
	if a := policy.Decide(retry.Timeout("extract rows", nil)).Action; a != retry.ActionRelease {
		t.Errorf("timeout action = %v, want release", a)
	}
	if a := pc.Policies["site_csv_export_finalize"].Decide(retry.Timeout("extract rows", nil)).Action; a != retry.ActionDelete {
		t.Errorf("finalize timeout action = %v, want delete", a)
	}
	if len(pc.Policies) != 3 {
		t.Errorf("policies for %d tubes, want 3", len(pc.Policies))
	}
}

func TestOpenQueue(t *testing.T) {
	c := config.Default()
	c.Queue.Backend = "memory"
	q, err := openQueue(context.Background(), c)
	if err != nil {
		t.Fatalf("openQueue(memory): %v", err)
	}
	q.Close()

	c.Queue.Backend = "carrier-pigeon"
	if _, err := openQueue(context.Background(), c); err == nil {
		t.Error("unknown backend accepted")
	}
}

func TestOpenStoreCreatesDirectory(t *testing.T) {
	c := config.Default()
	c.Store.DSN = filepath.Join(t.TempDir(), "nested", "dir", "tracking.db")
	s, err := openStore(context.Background(), c)
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer s.Close()

	id, err := s.Create(context.Background(), tracking.TrackedJob{JobType: "csv_export", Total: 1})
	if err != nil || id <= 0 {
		t.Fatalf("Create() = %d, %v", id, err)
	}
}

func TestIsExportTube(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"csv_export_start", true},
		{"csv_export_finalize_express", true},
		{"mass_edit", false},
		{"crypto_requests", false},
	}
	for _, tt := range tests {
		if got := isExportTube(tt.name); got != tt.want {
			t.Errorf("isExportTube(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

type staticLister []supervisor.Proc

func (l staticLister) Processes(ctx context.Context) ([]supervisor.Proc, error) { return l, nil }

type recordingSpawner struct{ args [][]string }

func (s *recordingSpawner) Spawn(ctx context.Context, command string, args []string, logPath string) (int, error) {
	s.args = append(s.args, args)
	return 99, nil
}

func TestBuildMonitor(t *testing.T) {
	reset := func() {
		monitorTube, monitorMatch, monitorLog = "", "", ""
		cfgFile, oldNames, debugMode = "", false, false
	}
	t.Cleanup(reset)
	t.Setenv("HOME", t.TempDir())

	t.Run("explicit command", func(t *testing.T) {
		reset()
		m, err := buildMonitor([]string{"php", "bin/console", "odr:worker"})
		if err != nil {
			t.Fatal(err)
		}
		if m.Command != "php" || len(m.Args) != 2 || m.Match != "php bin/console odr:worker" {
			t.Errorf("monitor = %+v", m)
		}
		if filepath.Base(m.LogPath) != "php.log" {
			t.Errorf("LogPath = %q", m.LogPath)
		}
	})

	t.Run("own worker", func(t *testing.T) {
		reset()
		monitorTube, cfgFile, oldNames = "mass_edit", "/etc/odr.yaml", true
		m, err := buildMonitor(nil)
		if err != nil {
			t.Fatal(err)
		}
		want := "worker --tube mass_edit --config /etc/odr.yaml --old"
		if got := strings.Join(m.Args, " "); got != want {
			t.Errorf("Args = %q, want %q", got, want)
		}
		if m.Match != "worker --tube mass_edit" {
			t.Errorf("Match = %q", m.Match)
		}
		if filepath.Base(m.LogPath) != "mass_edit.log" {
			t.Errorf("LogPath = %q", m.LogPath)
		}
	})

	t.Run("longer tube name is not a match", func(t *testing.T) {
		reset()
		monitorTube = "csv_export_worker"
		m, err := buildMonitor(nil)
		if err != nil {
			t.Fatal(err)
		}
		sp := &recordingSpawner{}
		m.Lister = staticLister{{PID: 10, Cmdline: "odr-worker worker --tube csv_export_worker_express"}}
		m.Spawner = sp
		st, err := m.Check(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if len(st.Running) != 0 || st.Spawned == 0 || len(sp.args) != 1 {
			t.Errorf("status = %+v, spawns = %v", st, sp.args)
		}

		m.Lister = staticLister{{PID: 11, Cmdline: "odr-worker worker --tube csv_export_worker"}}
		if st, _ := m.Check(context.Background()); len(st.Running) != 1 || st.Spawned != 0 {
			t.Errorf("status = %+v, want the running worker found", st)
		}
	})

	t.Run("match flag wins", func(t *testing.T) {
		reset()
		monitorTube, monitorMatch, monitorLog = "recache_record", "recache", "/tmp/x.log"
		m, err := buildMonitor(nil)
		if err != nil {
			t.Fatal(err)
		}
		if m.Match != "recache" || m.LogPath != "/tmp/x.log" {
			t.Errorf("monitor = %+v", m)
		}
	})

	t.Run("nothing to run", func(t *testing.T) {
		reset()
		if _, err := buildMonitor(nil); err == nil {
			t.Error("expected an error")
		}
	})
}

func TestCommandLine(t *testing.T) {
	c := &cobra.Command{Use: "worker"}
	var tubeFlag string
	var old, debug bool
	c.Flags().StringVar(&tubeFlag, "tube", "", "")
	c.Flags().BoolVar(&old, "old", false, "")
	c.Flags().BoolVar(&debug, "debug", false, "")
	if err := c.ParseFlags([]string{"--tube", "mass_edit", "--old", "--debug"}); err != nil {
		t.Fatal(err)
	}

	got := commandLine(c, []string{"extra"})
	want := "worker --old --tube=mass_edit extra"
	if got != want {
		t.Errorf("commandLine() = %q, want %q", got, want)
	}
}

func TestFormatFields(t *testing.T) {
	got := formatFields(map[string]any{"tracked_job_id": 4, "datatype_id": 3})
	if got != "datatype_id=3 tracked_job_id=4" {
		t.Errorf("formatFields() = %q", got)
	}
}

func TestTubeNames(t *testing.T) {
	got := tubeNames("csv_export_worker")
	if len(got) != 2 || got[0] != "csv_export_worker" || got[1] != "csv_export_worker_express" {
		t.Errorf("tubeNames() = %v", got)
	}
}

func TestBuildDetails(t *testing.T) {
	info := &debug.BuildInfo{
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-10-01T12:00:00Z"},
			{Key: "vcs.modified", Value: "true"},
		},
		Deps: []*debug.Module{
			{Path: "github.com/redis/go-redis/v9", Version: "v9.17.2"},
			{Path: "github.com/spf13/cobra", Version: "v1.8.0"},
		},
	}
	got := map[string]string{}
	for _, d := range buildDetails(info) {
		got[d.label] = d.value
	}
	want := map[string]string{
		"Version:":  Version,
		"Revision:": "0123456789ab (modified)",
		"Built:":    "2026-10-01T12:00:00Z",
		"go-redis:": "v9.17.2",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s %q, want %q", k, got[k], v)
		}
	}
	if _, ok := got["cobra:"]; ok {
		t.Error("unlisted module reported")
	}
	if len(buildDetails(nil)) != 2 {
		t.Errorf("details without build info = %v", buildDetails(nil))
	}

	var b strings.Builder
	printVersion(&b, buildDetails(nil))
	if !strings.Contains(b.String(), Version) || !strings.Contains(b.String(), runtime.Version()) {
		t.Errorf("output = %q", b.String())
	}
}
