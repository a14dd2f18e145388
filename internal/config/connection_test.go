package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestLoadConnection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel-1.json")
	writeTestFile(t, path, `{
  "shell_port": 5001, "iopub_port": 5002, "stdin_port": 5003,
  "control_port": 5004, "hb_port": 5005,
  "ip": "127.0.0.1", "key": "a0436f6c-1916-498b-8eb9-e81ab9368e84",
  "transport": "tcp", "signature_scheme": "hmac-sha256",
  "kernel_name": "ilua"
}`)

	conn, err := LoadConnection(path)
	if err != nil {
		t.Fatalf("LoadConnection: %v", err)
	}
	if conn.ShellPort != 5001 || conn.HBPort != 5005 {
		t.Errorf("ports not parsed: %+v", conn)
	}
	if conn.Key != "a0436f6c-1916-498b-8eb9-e81ab9368e84" {
		t.Errorf("key = %q", conn.Key)
	}
}

func TestLoadConnectionDefaultsAndValidation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "defaults fill gaps", body: `{"key": ""}`},
		{name: "bad scheme", body: `{"signature_scheme": "hmac-crc32"}`, wantErr: "signature_scheme"},
		{name: "bad transport", body: `{"transport": "udp"}`, wantErr: "transport"},
		{name: "negative port", body: `{"shell_port": -1}`, wantErr: "shell_port"},
		{name: "not json", body: `ip=1`, wantErr: "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "c.json")
			writeTestFile(t, path, tt.body)
			conn, err := LoadConnection(path)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if conn.IP != "127.0.0.1" || conn.Transport != "tcp" || conn.SignatureScheme != "hmac-sha256" {
					t.Errorf("defaults not applied: %+v", conn)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestGenerateConnectionHasFreshKey(t *testing.T) {
	a, b := GenerateConnection(), GenerateConnection()
	if a.Key == "" || a.Key == b.Key {
		t.Fatalf("expected distinct non-empty keys, got %q and %q", a.Key, b.Key)
	}
	if err := a.Validate(); err != nil {
		t.Fatalf("generated connection invalid: %v", err)
	}
}

func TestConnectionWrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "runtime")
	conn := GenerateConnection()
	conn.ShellPort = 6001

	path, err := conn.Write(dir)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if filepath.Base(path) != "kernel-"+strconv.Itoa(os.Getpid())+".json" {
		t.Errorf("unexpected file name %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var back Connection
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back != *conn {
		t.Errorf("round trip mismatch: %+v vs %+v", back, *conn)
	}
}

func TestJupyterRuntimeDirOverride(t *testing.T) {
	t.Setenv("JUPYTER_RUNTIME_DIR", "/custom/runtime")
	if got := JupyterRuntimeDir(); got != "/custom/runtime" {
		t.Errorf("JupyterRuntimeDir() = %q", got)
	}
}
