// Package interp drives the Lua interpreter subprocess: a framed JSON RPC
// over the pipe pair, a typed client for the request kinds it understands,
// and the process launcher that wires the two together.
package interp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/guysv/ilua/internal/netstring"
)

// ErrLinkBroken is returned once a framing, decode, or transport failure has
// left the link without a trustworthy frame boundary. There is no resync.
var ErrLinkBroken = errors.New("interp: link broken")

// Envelope is the unit exchanged with the interpreter in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// FrameWriter accepts one complete frame per call. pipe.Endpoint satisfies it.
type FrameWriter interface {
	Write(p []byte) error
}

type inbound struct {
	frame []byte
	err   error
}

// Link is a half-duplex request/response channel: each SendRequest writes one
// frame and waits for exactly one frame back. Calls are serialized.
type Link struct {
	mu     sync.Mutex
	out    FrameWriter
	frames chan inbound
	done   chan struct{}
	once   sync.Once
	broken error
}

// NewLink starts reading frames from in. in is typically the reader half of
// an io.Pipe whose writer is the inbound pipe endpoint's sink.
func NewLink(out FrameWriter, in io.Reader) *Link {
	l := &Link{
		out:    out,
		frames: make(chan inbound),
		done:   make(chan struct{}),
	}
	go l.readLoop(bufio.NewReader(in))
	return l
}

func (l *Link) readLoop(r *bufio.Reader) {
	for {
		frame, err := netstring.ReadFrame(r)
		select {
		case l.frames <- inbound{frame: frame, err: err}:
		case <-l.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// SendRequest writes req and returns the interpreter's reply. A second caller
// blocks until the first round trip completes. Cancelling ctx while waiting
// for the reply breaks the link, since a late reply would be misattributed.
func (l *Link) SendRequest(ctx context.Context, req Envelope) (Envelope, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.broken != nil {
		return Envelope{}, l.broken
	}

	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage("null")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s request: %w", req.Type, err)
	}
	var buf bytes.Buffer
	if err := netstring.WriteFrame(&buf, body); err != nil {
		return Envelope{}, fmt.Errorf("frame %s request: %w", req.Type, err)
	}
	if err := l.out.Write(buf.Bytes()); err != nil {
		return Envelope{}, l.fail(fmt.Errorf("write %s request: %w", req.Type, err))
	}

	var in inbound
	select {
	case in = <-l.frames:
	case <-l.done:
		return Envelope{}, l.fail(errors.New("link closed"))
	case <-ctx.Done():
		return Envelope{}, l.fail(fmt.Errorf("awaiting %s reply: %w", req.Type, ctx.Err()))
	}
	if in.err != nil {
		return Envelope{}, l.fail(fmt.Errorf("read %s reply: %w", req.Type, in.err))
	}

	var resp Envelope
	if err := json.Unmarshal(in.frame, &resp); err != nil {
		return Envelope{}, l.fail(fmt.Errorf("decode %s reply: %w", req.Type, err))
	}
	return resp, nil
}

// fail records err as the permanent link failure. Caller holds mu.
func (l *Link) fail(err error) error {
	l.broken = fmt.Errorf("%w: %w", ErrLinkBroken, err)
	return l.broken
}

// Close stops the reader. Pending and later calls fail with ErrLinkBroken.
func (l *Link) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}
