//go:build windows

package pipe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/windows"
)

const (
	readChunk  = 8192
	pipePrefix = `\\.\pipe\`
)

func pathFor(_ string, name string) string {
	return pipePrefix + name
}

type writeReq struct {
	p    []byte
	done chan error
}

type namedPipe struct {
	path  string
	mode  Mode
	retry RetryPolicy

	handle windows.Handle

	mu     sync.Mutex
	sink   Sink
	open   bool
	closed bool
	writes chan writeReq
	quit   chan struct{}
}

// New creates the server end of a named pipe. The first-instance flag makes
// a name collision with another process an error.
func New(path string, mode Mode, retry RetryPolicy) (Endpoint, error) {
	name, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, err
	}
	access := uint32(windows.PIPE_ACCESS_INBOUND)
	if mode == Outbound {
		access = windows.PIPE_ACCESS_OUTBOUND
	}
	h, err := windows.CreateNamedPipe(
		name,
		access|windows.FILE_FLAG_OVERLAPPED|windows.FILE_FLAG_FIRST_PIPE_INSTANCE,
		windows.PIPE_TYPE_BYTE|windows.PIPE_READMODE_BYTE|windows.PIPE_WAIT,
		1, readChunk, readChunk, 0, nil,
	)
	if err != nil {
		if errors.Is(err, windows.ERROR_ACCESS_DENIED) || errors.Is(err, windows.ERROR_ALREADY_EXISTS) {
			return nil, fmt.Errorf("%w: %s", ErrPathExists, path)
		}
		return nil, fmt.Errorf("create named pipe %s: %w", path, err)
	}
	return &namedPipe{
		path:   path,
		mode:   mode,
		retry:  retry.normalized(),
		handle: h,
		writes: make(chan writeReq),
		quit:   make(chan struct{}),
	}, nil
}

func (n *namedPipe) Path() string { return n.path }
func (n *namedPipe) Mode() Mode   { return n.mode }

func (n *namedPipe) SetSink(s Sink) {
	n.mu.Lock()
	n.sink = s
	n.mu.Unlock()
}

// Open waits for the client to connect, then starts the read pump or the
// write queue.
func (n *namedPipe) Open(ctx context.Context) error {
	n.mu.Lock()
	sink := n.sink
	n.mu.Unlock()
	if n.mode == Inbound && sink == nil {
		return errors.New("pipe: inbound endpoint has no sink")
	}

	if err := n.connect(ctx); err != nil {
		return err
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	n.open = true
	n.mu.Unlock()

	if n.mode == Inbound {
		go n.pump(sink)
	} else {
		go n.drain()
	}
	return nil
}

func (n *namedPipe) connect(ctx context.Context) error {
	ev, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	defer windows.CloseHandle(ev)

	ov := windows.Overlapped{HEvent: ev}
	err = windows.ConnectNamedPipe(n.handle, &ov)
	switch {
	case err == nil, errors.Is(err, windows.ERROR_PIPE_CONNECTED):
		return nil
	case !errors.Is(err, windows.ERROR_IO_PENDING):
		return fmt.Errorf("connect %s: %w", n.path, err)
	}

	signaled := make(chan struct{})
	go func() {
		_, _ = windows.WaitForSingleObject(ev, windows.INFINITE)
		close(signaled)
	}()

	select {
	case <-signaled:
	case <-ctx.Done():
		_ = windows.CancelIoEx(n.handle, &ov)
		<-signaled
		return fmt.Errorf("waiting for peer: %w", context.Cause(ctx))
	case <-n.quit:
		_ = windows.CancelIoEx(n.handle, &ov)
		<-signaled
		return ErrClosed
	}

	var done uint32
	if err := windows.GetOverlappedResult(n.handle, &ov, &done, false); err != nil {
		return fmt.Errorf("connect %s: %w", n.path, err)
	}
	return nil
}

// pump keeps one read outstanding at all times, forwarding each completed
// chunk before reissuing.
func (n *namedPipe) pump(sink Sink) {
	ev, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		_ = sink.CloseWithError(err)
		return
	}
	defer windows.CloseHandle(ev)

	buf := make([]byte, readChunk)
	for {
		ov := windows.Overlapped{HEvent: ev}
		var got uint32
		err := windows.ReadFile(n.handle, buf, &got, &ov)
		if errors.Is(err, windows.ERROR_IO_PENDING) {
			err = windows.GetOverlappedResult(n.handle, &ov, &got, true)
		}
		if got > 0 {
			chunk := make([]byte, got)
			copy(chunk, buf[:got])
			if _, werr := sink.Write(chunk); werr != nil {
				return
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, windows.ERROR_BROKEN_PIPE):
			_ = sink.CloseWithError(nil)
			return
		case errors.Is(err, windows.ERROR_MORE_DATA):
		default:
			if n.isClosed() {
				err = ErrClosed
			}
			_ = sink.CloseWithError(err)
			return
		}
	}
}

// drain services the write queue with a single write in flight.
func (n *namedPipe) drain() {
	ev, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		return
	}
	defer windows.CloseHandle(ev)

	for {
		select {
		case <-n.quit:
			return
		case req := <-n.writes:
			req.done <- n.writeAll(ev, req.p)
		}
	}
}

func (n *namedPipe) writeAll(ev windows.Handle, p []byte) error {
	for len(p) > 0 {
		ov := windows.Overlapped{HEvent: ev}
		var wrote uint32
		err := windows.WriteFile(n.handle, p, &wrote, &ov)
		if errors.Is(err, windows.ERROR_IO_PENDING) {
			err = windows.GetOverlappedResult(n.handle, &ov, &wrote, true)
		}
		if err != nil {
			return fmt.Errorf("write %s: %w", n.path, err)
		}
		p = p[wrote:]
	}
	return nil
}

func (n *namedPipe) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

func (n *namedPipe) Write(p []byte) error {
	if n.mode != Outbound {
		return ErrWrongMode
	}
	n.mu.Lock()
	open, closed := n.open, n.closed
	n.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !open {
		return ErrNotOpen
	}
	req := writeReq{p: append([]byte(nil), p...), done: make(chan error, 1)}
	select {
	case n.writes <- req:
	case <-n.quit:
		return ErrClosed
	}
	select {
	case err := <-req.done:
		return err
	case <-n.quit:
		return ErrClosed
	}
}

// Close cancels outstanding I/O and releases the pipe handle. Named pipes
// leave no filesystem artifact.
func (n *namedPipe) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	n.closed = true
	wasOpen := n.open
	close(n.quit)
	n.mu.Unlock()

	_ = windows.CancelIoEx(n.handle, nil)
	if wasOpen {
		_ = windows.DisconnectNamedPipe(n.handle)
	}
	if err := windows.CloseHandle(n.handle); err != nil {
		return err
	}
	if !wasOpen {
		return ErrNotOpen
	}
	return nil
}
