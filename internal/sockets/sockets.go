// Package sockets binds the kernel's frontend-facing message sockets and
// moves signed wire messages between them and the dispatch engine.
//
// Roles: shell and control are request/reply ROUTER sockets feeding one
// request stream; iopub is a PUB socket carrying broadcasts; stdin is a bound
// ROUTER kept for frontend compatibility; hb is a REP socket echoing every
// message.
package sockets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/go-zeromq/zmq4"

	"github.com/guysv/ilua/internal/log"
	"github.com/guysv/ilua/internal/protocol"
)

// Channel names a request-carrying socket.
type Channel string

const (
	Shell   Channel = "shell"
	Control Channel = "control"
	Stdin   Channel = "stdin"
)

// Ports holds the bound port of every role.
type Ports struct {
	Shell   int
	Control int
	Stdin   int
	IOPub   int
	HB      int
}

// Bind describes where to listen.
type Bind struct {
	Transport string // "tcp" or "ipc"
	IP        string
	Ports     Ports
}

// Request is one inbound message. Err is set when the frames failed to
// parse or verify; Msg is nil in that case.
type Request struct {
	Channel    Channel
	Identities [][]byte
	Msg        *protocol.Message
	Err        error
}

// Router owns the five sockets.
type Router struct {
	codec  *protocol.Codec
	logger *slog.Logger

	shell, control, stdin, iopub, hb zmq4.Socket

	requests chan Request
	ports    Ports

	pubMu   sync.Mutex
	replyMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed sync.Once
}

// Listen binds every role and starts the receive loops. Requests are
// delivered on Requests until Close.
func Listen(ctx context.Context, codec *protocol.Codec, b Bind) (*Router, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Router{
		codec:    codec,
		logger:   log.WithComponent("sockets"),
		shell:    zmq4.NewRouter(ctx),
		control:  zmq4.NewRouter(ctx),
		stdin:    zmq4.NewRouter(ctx),
		iopub:    zmq4.NewPub(ctx),
		hb:       zmq4.NewRep(ctx),
		requests: make(chan Request),
		cancel:   cancel,
	}

	binds := []struct {
		name string
		sck  zmq4.Socket
		port int
		dst  *int
	}{
		{"shell", r.shell, b.Ports.Shell, &r.ports.Shell},
		{"control", r.control, b.Ports.Control, &r.ports.Control},
		{"stdin", r.stdin, b.Ports.Stdin, &r.ports.Stdin},
		{"iopub", r.iopub, b.Ports.IOPub, &r.ports.IOPub},
		{"hb", r.hb, b.Ports.HB, &r.ports.HB},
	}
	for _, bd := range binds {
		port, err := listen(bd.sck, b.Transport, b.IP, bd.port)
		if err != nil {
			r.closeSockets()
			cancel()
			return nil, fmt.Errorf("bind %s: %w", bd.name, err)
		}
		*bd.dst = port
		r.logger.Debug("socket bound", "role", bd.name, "transport", b.Transport, "port", port)
	}

	r.wg.Add(4)
	go r.receive(ctx, Shell, r.shell)
	go r.receive(ctx, Control, r.control)
	go r.receive(ctx, Stdin, r.stdin)
	go r.heartbeat()
	return r, nil
}

// Endpoint formats a listen address: tcp://ip:port or ipc://ip-port.
func Endpoint(transport, ip string, port int) string {
	if transport == "ipc" {
		return fmt.Sprintf("ipc://%s-%d", ip, port)
	}
	return fmt.Sprintf("tcp://%s:%d", ip, port)
}

func listen(sck zmq4.Socket, transport, ip string, port int) (int, error) {
	if transport == "ipc" && port <= 0 {
		port = freeIPCPort(ip)
	}
	if err := sck.Listen(Endpoint(transport, ip, port)); err != nil {
		return 0, err
	}
	if transport == "tcp" && port == 0 {
		addr, ok := sck.Addr().(*net.TCPAddr)
		if !ok {
			return 0, errors.New("cannot resolve ephemeral port")
		}
		port = addr.Port
	}
	return port, nil
}

// Ports returns the ports actually bound, with ephemeral ports resolved.
func (r *Router) Ports() Ports { return r.ports }

// Requests returns the merged shell, control and stdin request stream.
func (r *Router) Requests() <-chan Request { return r.requests }

func (r *Router) receive(ctx context.Context, ch Channel, sck zmq4.Socket) {
	defer r.wg.Done()
	for {
		msg, err := sck.Recv()
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Debug("receive loop ended", "channel", ch, "error", err)
			}
			return
		}
		if ch == Stdin {
			// No input requests are ever issued, so nothing is expected here.
			r.logger.Debug("ignoring stdin message")
			continue
		}
		parsed, ids, err := r.codec.Parse(msg.Frames)
		req := Request{Channel: ch, Identities: ids, Msg: parsed, Err: err}
		select {
		case r.requests <- req:
		case <-ctx.Done():
			return
		}
	}
}

func (r *Router) heartbeat() {
	defer r.wg.Done()
	for {
		msg, err := r.hb.Recv()
		if err != nil {
			return
		}
		if len(msg.Frames) > 1 {
			err = r.hb.SendMulti(msg)
		} else {
			err = r.hb.Send(msg)
		}
		if err != nil {
			return
		}
	}
}

// Reply sends a correlated reply back to req's sender on req's channel.
func (r *Router) Reply(req *Request, msgType string, content any) error {
	sck := r.shell
	if req.Channel == Control {
		sck = r.control
	}
	var parent *protocol.Header
	if req.Msg != nil {
		parent = &req.Msg.Header
	}
	frames, err := r.codec.Build(msgType, content, parent, nil)
	if err != nil {
		return err
	}
	out := make([][]byte, 0, len(req.Identities)+len(frames))
	out = append(out, req.Identities...)
	out = append(out, frames...)

	r.replyMu.Lock()
	defer r.replyMu.Unlock()
	if err := sck.SendMulti(zmq4.NewMsgFrom(out...)); err != nil {
		return fmt.Errorf("send %s: %w", msgType, err)
	}
	return nil
}

// Publish broadcasts msgType on iopub under the topic
// kernel.<session>.<msgType>. parent may be nil for unparented updates.
func (r *Router) Publish(msgType string, content any, parent *protocol.Header) error {
	frames, err := r.codec.Build(msgType, content, parent, nil)
	if err != nil {
		return err
	}
	topic := []byte("kernel." + r.codec.Session() + "." + msgType)
	out := append([][]byte{topic}, frames...)

	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	if err := r.iopub.SendMulti(zmq4.NewMsgFrom(out...)); err != nil {
		return fmt.Errorf("publish %s: %w", msgType, err)
	}
	return nil
}

func (r *Router) closeSockets() {
	for _, sck := range []zmq4.Socket{r.shell, r.control, r.stdin, r.iopub, r.hb} {
		_ = sck.Close()
	}
}

// Close stops the receive loops and closes every socket.
func (r *Router) Close() error {
	r.closed.Do(func() {
		r.cancel()
		r.closeSockets()
		r.wg.Wait()
	})
	return nil
}
