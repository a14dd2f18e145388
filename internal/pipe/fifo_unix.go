//go:build unix

package pipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const readChunk = 8192

func pathFor(dir, name string) string {
	return filepath.Join(dir, name)
}

type fifo struct {
	path  string
	mode  Mode
	retry RetryPolicy

	mu      sync.Mutex
	file    *os.File
	sink    Sink
	closed  bool
	closing chan struct{}

	wmu sync.Mutex
}

// New creates the FIFO at path. An existing file at path is an error; the
// caller owns the artifact until Close removes it.
func New(path string, mode Mode, retry RetryPolicy) (Endpoint, error) {
	if err := unix.Mkfifo(path, 0o600); err != nil {
		if errors.Is(err, unix.EEXIST) {
			return nil, fmt.Errorf("%w: %s", ErrPathExists, path)
		}
		return nil, fmt.Errorf("mkfifo %s: %w", path, err)
	}
	return &fifo{
		path:    path,
		mode:    mode,
		retry:   retry.normalized(),
		closing: make(chan struct{}),
	}, nil
}

func (f *fifo) Path() string { return f.path }
func (f *fifo) Mode() Mode   { return f.mode }

func (f *fifo) SetSink(s Sink) {
	f.mu.Lock()
	f.sink = s
	f.mu.Unlock()
}

// Open attaches the endpoint. The write side polls with O_NONBLOCK until a
// reader exists, since a blocking open would pin an OS thread. The read side
// opens immediately and its pump waits for the first writer.
func (f *fifo) Open(ctx context.Context) error {
	switch f.mode {
	case Outbound:
		return f.openWriter(ctx)
	case Inbound:
		return f.openReader()
	default:
		return ErrWrongMode
	}
}

func (f *fifo) openWriter(ctx context.Context) error {
	var fd int
	err := f.retry.retry(ctx, func() (bool, error) {
		select {
		case <-f.closing:
			return false, ErrClosed
		default:
		}
		var err error
		fd, err = unix.Open(f.path, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, unix.ENXIO):
			// No reader yet.
			return false, nil
		case errors.Is(err, unix.EINTR):
			return false, nil
		default:
			return false, fmt.Errorf("open %s: %w", f.path, err)
		}
	})
	if err != nil {
		return err
	}
	return f.attach(fd)
}

func (f *fifo) openReader() error {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	if sink == nil {
		return errors.New("pipe: inbound endpoint has no sink")
	}
	fd, err := unix.Open(f.path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.path, err)
	}
	if err := f.attach(fd); err != nil {
		return err
	}
	go f.pump(sink)
	return nil
}

// attach wraps a non-blocking fd so reads and writes park on the runtime
// poller instead of blocking a thread.
func (f *fifo) attach(fd int) error {
	file := os.NewFile(uintptr(fd), f.path)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		_ = file.Close()
		return ErrClosed
	}
	f.file = file
	return nil
}

// pump forwards chunks to sink until end of stream. A read of zero bytes
// before any data means no writer has attached yet.
func (f *fifo) pump(sink Sink) {
	buf := make([]byte, readChunk)
	started := false
	for {
		n, err := f.file.Read(buf)
		if n > 0 {
			started = true
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if _, werr := sink.Write(chunk); werr != nil {
				return
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			if started {
				_ = sink.CloseWithError(nil)
				return
			}
			if !f.wait() {
				_ = sink.CloseWithError(ErrClosed)
				return
			}
		default:
			if f.isClosed() {
				err = ErrClosed
			}
			_ = sink.CloseWithError(err)
			return
		}
	}
}

// wait sleeps one retry interval, returning false if Close ran meanwhile.
func (f *fifo) wait() bool {
	t := time.NewTimer(f.retry.Interval)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-f.closing:
		return false
	}
}

func (f *fifo) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fifo) Write(p []byte) error {
	if f.mode != Outbound {
		return ErrWrongMode
	}
	f.mu.Lock()
	file, closed := f.file, f.closed
	f.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if file == nil {
		return ErrNotOpen
	}
	f.wmu.Lock()
	defer f.wmu.Unlock()
	if _, err := file.Write(p); err != nil {
		return fmt.Errorf("write %s: %w", f.path, err)
	}
	return nil
}

// Close closes the descriptor and removes the FIFO. The artifact is removed
// even when the endpoint never opened, in which case ErrNotOpen is returned.
func (f *fifo) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	f.closed = true
	close(f.closing)
	file := f.file
	f.mu.Unlock()

	var errs []error
	if file == nil {
		errs = append(errs, ErrNotOpen)
	} else if err := file.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
