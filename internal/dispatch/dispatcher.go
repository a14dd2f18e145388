package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guysv/ilua/internal/log"
	"github.com/guysv/ilua/internal/protocol"
	"github.com/guysv/ilua/internal/sockets"
)

const (
	// handshakePayload is echoed by the interpreter at startup.
	handshakePayload = "feedacdc"

	// queueDepth bounds requests waiting behind the one being handled.
	queueDepth = 64
)

var (
	// ErrFrontendClosed is the stop cause when the request stream ends.
	ErrFrontendClosed = errors.New("frontend request stream closed")
	// ErrInterpreterExited is the stop cause when the interpreter's output
	// streams close while the engine is still running.
	ErrInterpreterExited = errors.New("interpreter exited")
)

// State is the engine's lifecycle position.
type State string

const (
	StateStarting     State = "starting"
	StateIdle         State = "idle"
	StateBusy         State = "busy"
	StateShuttingDown State = "shutting_down"
	StateStopped      State = "stopped"
)

// Status is a snapshot for the status API.
type Status struct {
	State          State `json:"state"`
	ExecutionCount int   `json:"execution_count"`
}

// Options wires the engine's collaborators. Frontend and Interpreter are
// required; History, Observer and Mirror may be nil.
type Options struct {
	Frontend    Frontend
	Interpreter Interpreter
	History     History
	Inspector   Inspector
	Observer    Observer
	Mirror      Mirror

	// Version is reported as implementation_version in kernel_info.
	Version string
	// Banner is reported in kernel_info.
	Banner string
}

// dispatchContext correlates every broadcast made while handling req.
type dispatchContext struct {
	req    *sockets.Request
	header protocol.Header
}

func (dc *dispatchContext) parent() *protocol.Header {
	if dc == nil {
		return nil
	}
	return &dc.header
}

type resultKind int

const (
	resultContinue resultKind = iota
	resultShutdown
	resultFault
)

// result is the outcome of one dispatch step.
type result struct {
	kind resultKind
	err  error
}

func proceed() result           { return result{kind: resultContinue} }
func stop() result              { return result{kind: resultShutdown} }
func fault(err error) result    { return result{kind: resultFault, err: err} }
func (r result) fatal() bool    { return r.kind == resultFault }
func (r result) stopping() bool { return r.kind != resultContinue }

// heldReply is a shutdown reply waiting for teardown.
type heldReply struct {
	content map[string]any
	parent  protocol.Header
}

// Engine is the kernel's request state machine.
type Engine struct {
	frontend  Frontend
	interp    Interpreter
	history   History
	inspector Inspector
	obs       Observer
	mirror    Mirror
	version   string
	banner    string
	logger    *slog.Logger

	gate     *Gate
	inflight atomic.Pointer[dispatchContext]
	count    atomic.Int64

	stateMu sync.Mutex
	state   State

	// pending is only touched by the worker and by teardown after it.
	pending *heldReply

	queue    chan *sockets.Request
	appends  sync.WaitGroup
	pumps    sync.WaitGroup
	handlers map[string]handler
}

// New creates an engine in the starting state.
func New(opts Options) *Engine {
	e := &Engine{
		frontend:  opts.Frontend,
		interp:    opts.Interpreter,
		history:   opts.History,
		inspector: opts.Inspector,
		obs:       opts.Observer,
		mirror:    opts.Mirror,
		version:   opts.Version,
		banner:    opts.Banner,
		logger:    log.WithComponent("dispatch"),
		gate:      NewGate(),
		state:     StateStarting,
		queue:     make(chan *sockets.Request, queueDepth),
	}
	if e.obs == nil {
		e.obs = nopObserver{}
	}
	if e.version == "" {
		e.version = "dev"
	}
	if e.banner == "" {
		e.banner = "ILua " + e.version + "\nLua kernel for Jupyter"
	}
	e.handlers = e.routes()
	return e
}

// Gate returns the engine's stop signal. Firing it from outside stops Run
// as if a shutdown had been requested.
func (e *Engine) Gate() *Gate { return e.gate }

// Status returns the current state and execution count.
func (e *Engine) Status() Status {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return Status{State: e.state, ExecutionCount: int(e.count.Load())}
}

// Interrupt forwards an interrupt to the interpreter outside the request
// flow, for signals delivered to the kernel process itself.
func (e *Engine) Interrupt() error {
	return e.interp.Interrupt()
}

func (e *Engine) setState(s State) {
	e.stateMu.Lock()
	from := e.state
	e.state = s
	e.stateMu.Unlock()
	if from != s {
		e.obs.StateChanged(string(from), string(s))
		e.logger.Debug("state changed", "from", from, "to", s)
	}
}

// Run drives the engine until the gate fires, then tears down. It returns
// the stop cause: nil after a requested shutdown, otherwise the fault or
// context error that stopped it.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting")
	e.setState(StateStarting)
	e.broadcast(nil, "status", executionState("starting"))
	e.startup(ctx)

	e.pumps.Add(2)
	go e.pumpOutput()
	go e.receive(ctx)

	e.setState(StateIdle)
	e.broadcast(nil, "status", executionState("idle"))

	e.work(ctx)
	return e.teardown()
}

// startup runs the echo handshake. A failure is logged and the kernel keeps
// running; the first real round trip will surface a dead link as a fault.
func (e *Engine) startup(ctx context.Context) {
	got, err := e.interp.Echo(ctx, handshakePayload)
	switch {
	case err != nil:
		e.logger.Error("interpreter handshake failed", "error", err)
	case got != handshakePayload:
		e.logger.Error("interpreter handshake mismatch", "want", handshakePayload, "got", got)
	default:
		e.logger.Debug("interpreter handshake ok")
	}
}

// receive moves requests from the frontend onto the worker queue, handling
// control-channel interrupts immediately.
func (e *Engine) receive(ctx context.Context) {
	defer e.pumps.Done()
	requests := e.frontend.Requests()
	for {
		select {
		case <-e.gate.Done():
			return
		case <-ctx.Done():
			e.gate.Fire(context.Cause(ctx))
			return
		case req, ok := <-requests:
			if !ok {
				e.gate.Fire(ErrFrontendClosed)
				return
			}
			if req.Err == nil && req.Channel == sockets.Control && req.Msg.Header.MsgType == "interrupt_request" {
				e.interruptOutOfBand(&req)
				continue
			}
			select {
			case e.queue <- &req:
			case <-e.gate.Done():
				return
			}
		}
	}
}

// work is the single dispatch worker.
func (e *Engine) work(ctx context.Context) {
	for {
		// A fired gate wins over queued requests.
		if e.gate.Fired() {
			return
		}
		select {
		case <-e.gate.Done():
			return
		case req := <-e.queue:
			res := e.dispatch(ctx, req)
			switch {
			case res.fatal():
				e.logger.Error("fault while dispatching, shutting down", "error", res.err)
				e.gate.Fire(res.err)
			case res.stopping():
				e.gate.Fire(nil)
			}
		}
	}
}

// dispatch handles one request inside its busy/idle bracket.
func (e *Engine) dispatch(ctx context.Context, req *sockets.Request) (res result) {
	if req.Err != nil {
		e.broadcast(nil, "status", executionState("idle"))
		return fault(fmt.Errorf("%s message rejected: %w", req.Channel, req.Err))
	}

	dc := &dispatchContext{req: req, header: req.Msg.Header}
	msgType := dc.header.MsgType
	logger := log.WithRequest(e.logger, dc.header.MsgID, msgType)

	e.inflight.Store(dc)
	e.setState(StateBusy)
	e.broadcast(dc, "status", executionState("busy"))
	defer func() {
		if r := recover(); r != nil {
			res = fault(fmt.Errorf("panic handling %s: %v", msgType, r))
		}
		e.inflight.Store(nil)
		e.broadcast(dc, "status", executionState("idle"))
		if !res.stopping() {
			e.setState(StateIdle)
		}
	}()

	h, ok := e.handlers[msgType]
	if !ok {
		logger.Info("no handler for request type")
		e.obs.RequestDropped(msgType)
		return proceed()
	}

	start := time.Now()
	content, err := h.fn(ctx, dc)
	if err != nil {
		return fault(fmt.Errorf("%s: %w", msgType, err))
	}
	e.obs.RequestHandled(msgType)
	logger.Debug("request handled", "duration", time.Since(start))

	if err := e.frontend.Reply(req, h.reply, content); err != nil {
		logger.Warn("failed to send reply", "reply", h.reply, "error", err)
	}
	if msgType == "shutdown_request" {
		return stop()
	}
	return proceed()
}

// broadcast publishes on iopub, correlated to dc when it is non-nil.
func (e *Engine) broadcast(dc *dispatchContext, msgType string, content any) {
	if err := e.frontend.Publish(msgType, content, dc.parent()); err != nil {
		e.logger.Warn("broadcast failed", "msg_type", msgType, "error", err)
		return
	}
	e.obs.Broadcast(msgType)
	if e.mirror != nil {
		parent := ""
		if dc != nil {
			parent = dc.header.MsgID
		}
		e.mirror.Publish(msgType, parent, content)
	}
}

// pumpOutput republishes interpreter stdout/stderr as stream updates,
// correlated to whatever request is in flight.
func (e *Engine) pumpOutput() {
	defer e.pumps.Done()
	for out := range e.interp.Output() {
		e.broadcast(e.inflight.Load(), "stream", map[string]any{
			"name": out.Stream,
			"text": out.Text,
		})
	}
	if e.gate.Fire(ErrInterpreterExited) {
		e.logger.Error("interpreter output closed while running")
	}
}

// teardown broadcasts the held shutdown reply and kills the interpreter.
func (e *Engine) teardown() error {
	cause := e.gate.Cause()
	e.setState(StateShuttingDown)
	e.logger.Info("engine shutting down", "cause", cause)

	if e.pending != nil {
		e.broadcast(&dispatchContext{header: e.pending.parent}, "shutdown_reply", e.pending.content)
	}

	if err := e.interp.Close(); err != nil {
		e.logger.Warn("interpreter close failed", "error", err)
	}
	e.pumps.Wait()
	e.appends.Wait()

	e.setState(StateStopped)
	e.logger.Info("engine stopped")
	return cause
}

func executionState(s string) map[string]any {
	return map[string]any{"execution_state": s}
}
