package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"goa.design/clue/log"
)

func TestContextWritesJSONToBuffers(t *testing.T) {
	var buf bytes.Buffer
	ctx := Context(context.Background(), Options{Output: &buf})
	log.Info(ctx, log.KV{K: "tube", V: "mass_edit"}, log.KV{K: "msg", V: "hello"})

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("log line %q is not JSON: %v", buf.String(), err)
	}
	if line["tube"] != "mass_edit" {
		t.Errorf("line = %v", line)
	}
}

func TestDebugIsOptIn(t *testing.T) {
	var buf bytes.Buffer
	ctx := Context(context.Background(), Options{Output: &buf})
	log.Debugf(ctx, "hidden")
	if strings.Contains(buf.String(), "hidden") {
		t.Error("debug line written without debug enabled")
	}

	buf.Reset()
	ctx = Context(context.Background(), Options{Output: &buf, Debug: true})
	log.Debugf(ctx, "shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Error("debug line missing with debug enabled")
	}
}

func TestOpenDebugLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "debug.log")
	f, err := OpenDebugLog(path)
	if err != nil {
		t.Fatalf("OpenDebugLog: %v", err)
	}
	f.WriteString("line\n")
	f.Close()

	b, _ := os.ReadFile(path)
	if !strings.Contains(string(b), "Debug session started") || !strings.HasSuffix(string(b), "line\n") {
		t.Errorf("debug log = %q", b)
	}
}

func TestTeeCopiesToDebugLog(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	var console bytes.Buffer
	w, closeFn := Tee(&console, true)
	w.Write([]byte("both\n"))
	closeFn()

	path, _ := DebugLogPath()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read debug log: %v", err)
	}
	if !strings.Contains(string(b), "both") || console.String() != "both\n" {
		t.Errorf("console = %q, debug log = %q", console.String(), b)
	}
}

func TestIsTerminal(t *testing.T) {
	var buf bytes.Buffer
	if IsTerminal(&buf) {
		t.Error("buffer reported as terminal")
	}
	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if IsTerminal(f) {
		t.Error("regular file reported as terminal")
	}
}
