// Package pipe provides the named byte channels between the kernel and the
// interpreter process: FIFOs on unix and overlapped named pipes on Windows.
//
// An Endpoint is created with a fixed direction. Inbound endpoints deliver
// every received chunk to a Sink in arrival order; outbound endpoints accept
// writes that reach the peer in submission order.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Mode is the direction of an endpoint as seen from the kernel.
type Mode int

const (
	// Inbound endpoints are read by the kernel.
	Inbound Mode = iota
	// Outbound endpoints are written by the kernel.
	Outbound
)

func (m Mode) String() string {
	switch m {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

var (
	// ErrPathExists is returned when the endpoint path is already taken.
	ErrPathExists = errors.New("pipe: path already exists")
	// ErrNotOpen is returned by Write and Close before Open succeeded.
	ErrNotOpen = errors.New("pipe: endpoint not open")
	// ErrWrongMode is returned when writing to an inbound endpoint.
	ErrWrongMode = errors.New("pipe: operation not valid for endpoint mode")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("pipe: endpoint closed")
)

// Sink receives the chunks read from an inbound endpoint. CloseWithError is
// called once when the stream ends; a nil error means a clean end of stream.
// *io.PipeWriter satisfies Sink.
type Sink interface {
	Write(p []byte) (int, error)
	CloseWithError(err error) error
}

// Endpoint is one direction of a named channel.
type Endpoint interface {
	Path() string
	Mode() Mode
	// Open blocks until a peer is attached or ctx is done.
	Open(ctx context.Context) error
	// Write queues p for the peer. Writes complete in submission order.
	Write(p []byte) error
	// SetSink installs the consumer of inbound chunks. It must be called
	// before Open for inbound endpoints.
	SetSink(s Sink)
	// Close releases the channel and removes its filesystem artifact.
	Close() error
}

// Name returns the per-process channel name for role, such as "cmd" or
// "ret": ilua_<role>_<pid>.
func Name(role string) string {
	return fmt.Sprintf("ilua_%s_%d", role, os.Getpid())
}

// Path returns the full path for role. dir is ignored on Windows, where the
// pipe namespace is fixed.
func Path(dir, role string) string {
	return pathFor(dir, Name(role))
}

// RuntimeDir returns dir, or the default FIFO directory when dir is empty:
// $XDG_RUNTIME_DIR, else the temp directory.
func RuntimeDir(dir string) string {
	if dir != "" {
		return dir
	}
	return defaultRuntimeDir()
}

func defaultRuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return filepath.Clean(os.TempDir())
}
