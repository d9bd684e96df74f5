// Package harness provides test harness utilities for E2E testing
package harness

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// OdrHarness runs the odr-worker binary against a generated config file.
type OdrHarness struct {
	binaryPath string
	workDir    string
}

// NewOdrHarness creates a harness with its own work directory.
func NewOdrHarness(binaryPath string) (*OdrHarness, error) {
	workDir, err := os.MkdirTemp("", "odr-e2e-*")
	if err != nil {
		return nil, err
	}
	return &OdrHarness{binaryPath: binaryPath, workDir: workDir}, nil
}

// Settings are the parts of the config file a test varies.
type Settings struct {
	RedisURL string
	Prefix   string
	// WebURL receives every remote call and export extraction.
	WebURL string
	APIKey string
}

// WriteConfig writes the config file every command of the harness uses.
func (h *OdrHarness) WriteConfig(s Settings) error {
	tubes := map[string]any{}
	for _, name := range []string{"mass_edit", "migrate_datafields", "recache_record", "rebuild_thumbnails", "import_datarecord", "crypto_requests"} {
		tubes[name] = map[string]any{"url": s.WebURL}
	}
	doc := map[string]any{
		"queue": map[string]any{
			"backend":       "redis",
			"url":           s.RedisURL,
			"prefix":        s.Prefix,
			"poll_interval": "50ms",
		},
		"store": map[string]any{
			"driver": "sqlite",
			"dsn":    filepath.Join(h.workDir, "tracking.db"),
		},
		"api_key": s.APIKey,
		"export": map[string]any{
			"dir":            h.ExportDir(),
			"chunk_size":     2,
			"chunk_delay":    "10ms",
			"finalize_delay": "10ms",
			"continue_delay": "10ms",
			"extractor_url":  s.WebURL,
		},
		"tubes": tubes,
	}
	b, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(h.ConfigPath(), b, 0o644)
}

// ConfigPath is the generated config file.
func (h *OdrHarness) ConfigPath() string { return filepath.Join(h.workDir, "odr-worker.yaml") }

// ExportDir is where CSV exports are written.
func (h *OdrHarness) ExportDir() string { return filepath.Join(h.workDir, "export") }

// RunCommand executes an odr-worker command and returns its output.
func (h *OdrHarness) RunCommand(args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	args = append([]string{"--config", h.ConfigPath(), "--no-color"}, args...)
	cmd := exec.CommandContext(ctx, h.binaryPath, args...)
	cmd.Dir = h.workDir
	cmd.Env = append(os.Environ(), "HOME="+h.workDir)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("command failed: %w\nstdout: %s\nstderr: %s",
			err, stdout.String(), stderr.String())
	}
	return stdout.String(), nil
}

// Start runs a long-lived odr-worker command until ctx ends.
func (h *OdrHarness) Start(ctx context.Context, args ...string) (*exec.Cmd, error) {
	args = append([]string{"--config", h.ConfigPath(), "--no-color"}, args...)
	cmd := exec.CommandContext(ctx, h.binaryPath, args...)
	cmd.Dir = h.workDir
	cmd.Env = append(os.Environ(), "HOME="+h.workDir)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %v: %w", args, err)
	}
	return cmd, nil
}

// Cleanup removes the temporary work directory
func (h *OdrHarness) Cleanup() error {
	return os.RemoveAll(h.workDir)
}

// WorkDir returns the working directory path
func (h *OdrHarness) WorkDir() string {
	return h.workDir
}

// BuildOdrWorker builds the binary from the module root and returns its path.
func BuildOdrWorker(moduleDir string) (string, error) {
	outputPath := filepath.Join(moduleDir, "odr-worker-e2e")

	cmd := exec.Command("go", "build", "-o", outputPath, ".")
	cmd.Dir = moduleDir

	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("failed to build odr-worker: %w\noutput: %s", err, string(output))
	}
	return outputPath, nil
}
