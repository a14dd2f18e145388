package doctor

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/guysv/ilua/internal/config"
)

// testEnv lays out a working interpreter install under a temp dir.
func testEnv(t *testing.T) (*config.Config, Options) {
	t.Helper()
	dir := t.TempDir()

	luaDir := filepath.Join(dir, "lua")
	libs := filepath.Join(luaDir, "lualibs")
	if err := os.MkdirAll(libs, 0o755); err != nil {
		t.Fatal(err)
	}
	script := filepath.Join(luaDir, "interp.lua")
	if err := os.WriteFile(script, []byte("-- interp\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Defaults()
	cfg.Interpreter.Script = script
	cfg.Interpreter.LibPath = libs
	cfg.Pipes.RuntimeDir = filepath.Join(dir, "run")
	cfg.History.Path = filepath.Join(dir, "history.db")

	opts := Options{
		LookPath:   func(file string) (string, error) { return "/usr/bin/" + file, nil },
		RuntimeDir: filepath.Join(dir, "jupyter", "runtime"),
	}
	return cfg, opts
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	cfg, opts := testEnv(t)
	r := New(cfg, opts).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got: %v", r.Warnings)
	}
}

func TestValidate_ConfigErrorsSplit(t *testing.T) {
	t.Parallel()
	cfg, opts := testEnv(t)
	cfg.LogLevel = "loud"
	cfg.Pipes.OpenInterval = 0
	r := New(cfg, opts).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "config", "log_level")
	assertHasError(t, r, "config", "open_interval")
}

func TestValidate_InterpreterNotFound(t *testing.T) {
	t.Parallel()
	cfg, opts := testEnv(t)
	opts.LookPath = func(string) (string, error) { return "", errors.New("executable file not found in $PATH") }
	r := New(cfg, opts).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "interpreter", "not found")
}

func TestValidate_MissingScript(t *testing.T) {
	t.Parallel()
	cfg, opts := testEnv(t)
	cfg.Interpreter.Script = filepath.Join(t.TempDir(), "nope.lua")
	r := New(cfg, opts).Validate()
	assertHasError(t, r, "interpreter", "nope.lua")
}

func TestValidate_ScriptIsDirectory(t *testing.T) {
	t.Parallel()
	cfg, opts := testEnv(t)
	cfg.Interpreter.Script = t.TempDir()
	r := New(cfg, opts).Validate()
	assertHasError(t, r, "interpreter", "is a directory")
}

func TestValidate_WarnMissingLibPath(t *testing.T) {
	t.Parallel()
	cfg, opts := testEnv(t)
	cfg.Interpreter.LibPath = filepath.Join(t.TempDir(), "missing")
	r := New(cfg, opts).Validate()
	if !r.Valid {
		t.Fatalf("missing lib path should only warn: %v", r.Errors)
	}
	assertHasWarning(t, r, "interpreter", "missing")
}

func TestValidate_PipeDirNotWritable(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("named pipes do not use a directory")
	}
	cfg, opts := testEnv(t)
	file := filepath.Join(t.TempDir(), "plain-file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.Pipes.RuntimeDir = file
	r := New(cfg, opts).Validate()
	assertHasError(t, r, "pipes", "not writable")
}

func TestValidate_PipeDirDefaultsToJupyterRuntime(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("named pipes do not use a directory")
	}
	cfg, opts := testEnv(t)
	file := filepath.Join(t.TempDir(), "plain-file")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.Pipes.RuntimeDir = ""
	opts.RuntimeDir = file
	r := New(cfg, opts).Validate()
	assertHasError(t, r, "pipes", file)
}

func TestValidate_HistoryDisabledSkipsChecks(t *testing.T) {
	t.Parallel()
	cfg, opts := testEnv(t)
	cfg.History.Enabled = false
	cfg.History.Path = "/nonexistent/dir/history.db"
	r := New(cfg, opts).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got: %v", r.Errors)
	}
}

func TestValidate_WarnOpenAPI(t *testing.T) {
	t.Parallel()
	tests := []struct {
		listen string
		token  string
		warn   bool
	}{
		{listen: "127.0.0.1:8765", warn: false},
		{listen: "localhost:8765", warn: false},
		{listen: "[::1]:8765", warn: false},
		{listen: "0.0.0.0:8765", warn: true},
		{listen: "0.0.0.0:8765", token: "s3cret", warn: false},
	}
	for _, tt := range tests {
		cfg, opts := testEnv(t)
		cfg.API.Enabled = true
		cfg.API.Listen = tt.listen
		cfg.API.Token = tt.token
		r := New(cfg, opts).Validate()
		got := false
		for _, w := range r.Warnings {
			if w.Category == "api" {
				got = true
			}
		}
		if got != tt.warn {
			t.Errorf("listen=%s token=%q: warning=%v, want %v", tt.listen, tt.token, got, tt.warn)
		}
	}
}

func TestValidate_ConnectionFile(t *testing.T) {
	t.Parallel()
	cfg, opts := testEnv(t)

	good := filepath.Join(t.TempDir(), "kernel-good.json")
	if err := os.WriteFile(good, []byte(`{"key":"abc","signature_scheme":"hmac-sha256","transport":"tcp","ip":"127.0.0.1"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	opts.ConnectionFile = good
	if r := New(cfg, opts).Validate(); !r.Valid {
		t.Fatalf("expected valid, got: %v", r.Errors)
	}

	bad := filepath.Join(t.TempDir(), "kernel-bad.json")
	if err := os.WriteFile(bad, []byte(`{"signature_scheme":"rot13"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	opts.ConnectionFile = bad
	r := New(cfg, opts).Validate()
	assertHasError(t, r, "connection", "signature_scheme")
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:  false,
		Errors: []Issue{{Category: "test", Message: "bad thing"}},
	}
	out, err := FormatJSON(r)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "bad thing") {
		t.Fatalf("expected JSON to contain error message, got: %s", out)
	}
}

func TestFormatHuman_Valid(t *testing.T) {
	t.Parallel()
	r := &Result{Valid: true}
	out := FormatHuman(r)
	if !strings.Contains(out, "valid") {
		t.Fatalf("expected 'valid' in output, got: %s", out)
	}
}

func TestFormatHuman_Errors(t *testing.T) {
	t.Parallel()
	r := &Result{
		Valid:  false,
		Errors: []Issue{{Category: "test", Field: "x.y", Message: "broken"}},
	}
	out := FormatHuman(r)
	if !strings.Contains(out, "ERROR") || !strings.Contains(out, "broken") {
		t.Fatalf("expected error in output, got: %s", out)
	}
}

// --- helpers ---

func assertHasError(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, e := range r.Errors {
		if e.Category == category && strings.Contains(e.Message, substring) {
			return
		}
	}
	t.Fatalf("expected error with category=%q containing %q, got: %v", category, substring, r.Errors)
}

func assertHasWarning(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, w := range r.Warnings {
		if w.Category == category && strings.Contains(w.Message, substring) {
			return
		}
	}
	t.Fatalf("expected warning with category=%q containing %q, got: %v", category, substring, r.Warnings)
}
