package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/guysv/ilua/internal/protocol"
)

// Connection is a Jupyter connection file.
type Connection struct {
	IP              string `json:"ip"`
	Transport       string `json:"transport"`
	ShellPort       int    `json:"shell_port"`
	ControlPort     int    `json:"control_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	HBPort          int    `json:"hb_port"`
	SignatureScheme string `json:"signature_scheme"`
	Key             string `json:"key"`
	KernelName      string `json:"kernel_name,omitempty"`
}

func defaultConnection() Connection {
	return Connection{
		IP:              "127.0.0.1",
		Transport:       "tcp",
		SignatureScheme: "hmac-sha256",
	}
}

// LoadConnection reads a connection file written by a frontend. Missing
// fields take the defaults.
func LoadConnection(path string) (*Connection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read connection file: %w", err)
	}
	conn := defaultConnection()
	if err := json.Unmarshal(data, &conn); err != nil {
		return nil, fmt.Errorf("parse connection file %s: %w", path, err)
	}
	if err := conn.Validate(); err != nil {
		return nil, fmt.Errorf("connection file %s: %w", path, err)
	}
	return &conn, nil
}

// GenerateConnection returns defaults with ephemeral ports and a fresh
// random key, for a kernel started without a frontend.
func GenerateConnection() *Connection {
	conn := defaultConnection()
	conn.Key = uuid.NewString()
	conn.KernelName = "ilua"
	return &conn
}

// Validate checks the transport, scheme and port ranges.
func (c *Connection) Validate() error {
	var errs []error
	if c.Transport != "tcp" && c.Transport != "ipc" {
		errs = append(errs, fmt.Errorf("unsupported transport %q", c.Transport))
	}
	if c.IP == "" {
		errs = append(errs, errors.New("ip is required"))
	}
	if !protocol.SupportsScheme(c.SignatureScheme) {
		errs = append(errs, fmt.Errorf("unsupported signature_scheme %q", c.SignatureScheme))
	}
	for name, port := range map[string]int{
		"shell_port": c.ShellPort, "control_port": c.ControlPort, "iopub_port": c.IOPubPort,
		"stdin_port": c.StdinPort, "hb_port": c.HBPort,
	} {
		if port < 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s %d out of range", name, port))
		}
	}
	return errors.Join(errs...)
}

// Write stores the connection as kernel-<pid>.json in dir, creating dir
// with owner-only permissions, and returns the path.
func (c *Connection) Write(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create runtime dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("kernel-%d.json", os.Getpid()))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write connection file: %w", err)
	}
	return path, nil
}
