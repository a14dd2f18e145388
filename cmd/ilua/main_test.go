package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guysv/ilua/internal/config"
	"github.com/guysv/ilua/internal/history"
	"github.com/guysv/ilua/internal/log"
	"github.com/guysv/ilua/internal/sockets"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	require.NoError(t, err)
	stderrR, stderrW, err := os.Pipe()
	require.NoError(t, err)

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)
	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

// isolateEnv points discovery at an empty home so no user config leaks in.
func isolateEnv(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, name := range []string{"ILUA_CONFIG", "ILUA_LOG_LEVEL", "ILUA_LUA_INTERPRETER", "ILUA_HISTORY_PATH"} {
		t.Setenv(name, "")
	}
	return home
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()
	origVersion, origCommit, origBuildDate := version, gitCommit, buildDate
	version, gitCommit, buildDate = v, commit, built
	t.Cleanup(func() {
		version, gitCommit, buildDate = origVersion, origCommit, origBuildDate
	})
}

func TestRunCLIUnknownCommand(t *testing.T) {
	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"frobnicate"})
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Unknown command: frobnicate")
	assert.Contains(t, stdout, "Usage:")
}

func TestRunCLINoArgsPrintsUsage(t *testing.T) {
	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCLI(nil)
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "ilua <command>")
}

func TestRunCLIHelp(t *testing.T) {
	for _, arg := range []string{"help", "--help", "-h"} {
		code, stdout, _ := captureOutputWithExitCode(t, func() int {
			return runCLI([]string{arg})
		})
		assert.Equal(t, 0, code, arg)
		assert.Contains(t, stdout, "--connection-file", arg)
	}
}

func TestRunVersionJSONOutputIncludesMetadata(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "0123456789abcdef", "2026-01-02T03:04:05+02:00")

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"version", "--json"})
	})
	require.Equal(t, 0, code)

	var info versionInfo
	require.NoError(t, json.Unmarshal([]byte(stdout), &info))
	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, "0123456789ab", info.Commit)
	assert.Equal(t, "2026-01-02T01:04:05Z", info.BuildTime)
}

func TestRunVersionRejectsArgs(t *testing.T) {
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runVersion([]string{"extra"})
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Usage: ilua version")
}

func TestParseStartFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    startFlags
		wantErr bool
	}{
		{
			name: "none",
			args: nil,
		},
		{
			name: "all",
			args: []string{"--config", "c.yaml", "--connection-file", "k.json", "--log-level", "debug", "--lua-interpreter", "luajit"},
			want: startFlags{configPath: "c.yaml", connectionFile: "k.json", logLevel: "debug", luaInterpreter: "luajit"},
		},
		{
			name:    "positional",
			args:    []string{"extra"},
			wantErr: true,
		},
		{
			name:    "unknown flag",
			args:    []string{"--bogus"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseStartFlags(tt.args)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestLoadKernelConfigFlagOverrides(t *testing.T) {
	home := isolateEnv(t)
	t.Setenv("ILUA_LUA_INTERPRETER", "lua5.3")
	path := writeConfig(t, home, "log_level: info\ninterpreter:\n  command: lua5.4\n")

	cfg, err := loadKernelConfig(&startFlags{configPath: path})
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "lua5.3", cfg.Interpreter.Command)

	cfg, err = loadKernelConfig(&startFlags{configPath: path, logLevel: "DEBUG", luaInterpreter: "luajit"})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "luajit", cfg.Interpreter.Command)

	_, err = loadKernelConfig(&startFlags{configPath: path, logLevel: "loud"})
	require.Error(t, err)
}

func TestRunStartBadConfig(t *testing.T) {
	isolateEnv(t)
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runStart([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Failed to load config")
}

func TestWriteConnectionRecordsPorts(t *testing.T) {
	runtimeDir := t.TempDir()
	t.Setenv("JUPYTER_RUNTIME_DIR", runtimeDir)

	conn := config.GenerateConnection()
	path, err := writeConnection(conn, sockets.Ports{Shell: 5001, Control: 5002, Stdin: 5003, IOPub: 5004, HB: 5005})
	require.NoError(t, err)
	assert.Equal(t, runtimeDir, filepath.Dir(path))

	got, err := config.LoadConnection(path)
	require.NoError(t, err)
	assert.Equal(t, 5001, got.ShellPort)
	assert.Equal(t, 5002, got.ControlPort)
	assert.Equal(t, 5003, got.StdinPort)
	assert.Equal(t, 5004, got.IOPubPort)
	assert.Equal(t, 5005, got.HBPort)
	assert.Equal(t, conn.Key, got.Key)
}

func TestRunHistoryTail(t *testing.T) {
	home := isolateEnv(t)
	dbPath := filepath.Join(home, "history.db")

	ctx := context.Background()
	store, err := history.Open(ctx, dbPath)
	require.NoError(t, err)
	for i, src := range []string{"x = 1", "print(x)", "return x + 1"} {
		require.NoError(t, store.Append(ctx, src, i+1))
	}
	require.NoError(t, store.Close())

	path := writeConfig(t, home, "history:\n  enabled: true\n  path: "+dbPath+"\n")

	code, stdout, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"history", "tail", "-n", "2", "--config", path})
	})
	require.Equal(t, 0, code, stderr)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	assert.Equal(t, []string{"1/2: print(x)", "1/3: return x + 1"}, lines)
}

func TestRunHistoryErrors(t *testing.T) {
	home := isolateEnv(t)

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"history"})
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Usage: ilua history tail")

	missing := writeConfig(t, home, "history:\n  path: "+filepath.Join(home, "none.db")+"\n")
	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"history", "tail", "--config", missing})
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "No history at")

	disabled := writeConfig(t, home, "history:\n  enabled: false\n")
	code, _, stderr = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"history", "tail", "--config", disabled})
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "History is disabled")
}

func TestRunDoctorReportsMissingInterpreter(t *testing.T) {
	home := isolateEnv(t)
	t.Setenv("JUPYTER_RUNTIME_DIR", filepath.Join(home, "runtime"))
	path := writeConfig(t, home, "interpreter:\n  command: no-such-lua-binary-xyz\n"+
		"pipes:\n  runtime_dir: "+home+"\n"+
		"history:\n  enabled: false\n")

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"doctor", "--config", path})
	})
	assert.Equal(t, 1, code)

	var result struct {
		Valid  bool `json:"valid"`
		Errors []struct {
			Category string `json:"category"`
		} `json:"errors"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &result))
	assert.False(t, result.Valid)
	require.NotEmpty(t, result.Errors)
}

func TestRunDoctorUnknownFormat(t *testing.T) {
	isolateEnv(t)
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runDoctor([]string{"--format", "xml"})
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Unknown format")
}

func TestPipeDir(t *testing.T) {
	runtimeDir := filepath.Join(t.TempDir(), "jupyter", "runtime")
	t.Setenv("JUPYTER_RUNTIME_DIR", runtimeDir)

	cfg := config.Defaults()
	cfg.Pipes.RuntimeDir = ""
	dir, err := pipeDir(cfg)
	require.NoError(t, err)
	assert.Equal(t, runtimeDir, dir)
	assert.DirExists(t, dir)

	conn := config.GenerateConnection()
	connPath, err := writeConnection(conn, sockets.Ports{})
	require.NoError(t, err)
	assert.Equal(t, filepath.Dir(connPath), dir)

	override := filepath.Join(t.TempDir(), "fifos")
	cfg.Pipes.RuntimeDir = override
	dir, err = pipeDir(cfg)
	require.NoError(t, err)
	assert.Equal(t, override, dir)
	assert.DirExists(t, dir)
}
