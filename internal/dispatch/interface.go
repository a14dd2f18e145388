package dispatch

import (
	"context"

	"github.com/guysv/ilua/internal/history"
	"github.com/guysv/ilua/internal/interp"
	"github.com/guysv/ilua/internal/protocol"
	"github.com/guysv/ilua/internal/sockets"
)

//go:generate mockgen -destination=mocks/mock_history.go -package=mocks github.com/guysv/ilua/internal/dispatch History
//go:generate mockgen -destination=mocks/mock_interpreter.go -package=mocks github.com/guysv/ilua/internal/dispatch Interpreter

// Frontend is the socket side of the kernel. *sockets.Router satisfies it.
type Frontend interface {
	Requests() <-chan sockets.Request
	Reply(req *sockets.Request, msgType string, content any) error
	Publish(msgType string, content any, parent *protocol.Header) error
}

// Interpreter is the Lua side. *interp.Interpreter satisfies it.
type Interpreter interface {
	Echo(ctx context.Context, s string) (string, error)
	Execute(ctx context.Context, code string) (*interp.ExecuteResult, error)
	IsComplete(ctx context.Context, code string) (string, error)
	Complete(ctx context.Context, breadcrumbs []string, onlyMethods bool) ([]string, error)
	Info(ctx context.Context, breadcrumbs []string) (*interp.InfoRecord, error)
	Output() <-chan interp.Output
	Interrupt() error
	Close() error
}

// History stores executed inputs. *history.Store satisfies it.
type History interface {
	Append(ctx context.Context, source string, line int) error
	Tail(ctx context.Context, n int) ([]history.Entry, error)
}

// Inspector extracts identifier chains and documentation from source text.
// *inspector.Inspector satisfies it.
type Inspector interface {
	LastObject(code string, cursorPos int) ([]string, bool)
	Doc(path string, line int) (string, error)
	Source(path string, start, end int) (string, error)
}

// Observer receives engine metrics. *metrics.Metrics satisfies it.
type Observer interface {
	RequestHandled(msgType string)
	RequestDropped(msgType string)
	Broadcast(msgType string)
	ExecutionCount(n int)
	StateChanged(from, to string)
}

// Mirror receives a copy of every broadcast. *events.Hub satisfies it.
type Mirror interface {
	Publish(msgType, parent string, content any)
}

type nopObserver struct{}

func (nopObserver) RequestHandled(string)       {}
func (nopObserver) RequestDropped(string)       {}
func (nopObserver) Broadcast(string)            {}
func (nopObserver) ExecutionCount(int)          {}
func (nopObserver) StateChanged(string, string) {}
