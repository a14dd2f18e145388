package interp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/guysv/ilua/internal/log"
	"github.com/guysv/ilua/internal/pipe"
)

var errProcessExited = errors.New("interpreter exited before connecting")

// Config bundles everything Launch needs.
type Config struct {
	Process  ProcessConfig
	Pipes    pipe.Options
	Observer Observer
}

// Interpreter owns the child process, its pipe pair and the link over it.
type Interpreter struct {
	*Client

	proc   *Process
	duplex *pipe.Duplex
	link   *Link
	in     *io.PipeReader
	logger *slog.Logger
}

// Launch creates the pipe pair, starts the child and waits until it has
// attached to both directions. A child that exits first aborts the wait.
func Launch(ctx context.Context, cfg Config) (*Interpreter, error) {
	logger := log.WithComponent("interp")

	logger.Debug("opening pipes")
	duplex, err := pipe.NewDuplex(cfg.Pipes)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	duplex.Ret.SetSink(pw)

	pc := cfg.Process
	pc.CmdPath = duplex.Cmd.Path()
	pc.RetPath = duplex.Ret.Path()

	logger.Debug("launching interpreter", "command", pc.Command, "script", pc.Script)
	proc, err := StartProcess(pc)
	if err != nil {
		_ = duplex.Close()
		return nil, err
	}

	openCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-proc.Exited():
			cancel(fmt.Errorf("%w: %v", errProcessExited, proc.Err()))
		case <-openCtx.Done():
		}
	}()

	logger.Debug("connecting to interpreter")
	if err := duplex.Open(openCtx); err != nil {
		_ = proc.Kill()
		_ = duplex.Close()
		if cause := context.Cause(openCtx); cause != nil && errors.Is(cause, errProcessExited) {
			err = cause
		}
		return nil, fmt.Errorf("connect interpreter: %w", err)
	}

	link := NewLink(duplex.Cmd, pr)
	return &Interpreter{
		Client: NewClient(link, cfg.Observer),
		proc:   proc,
		duplex: duplex,
		link:   link,
		in:     pr,
		logger: logger,
	}, nil
}

// Output returns the child's captured stdout and stderr.
func (i *Interpreter) Output() <-chan Output { return i.proc.Output() }

// Interrupt signals the child to abort the running evaluation.
func (i *Interpreter) Interrupt() error { return i.proc.Interrupt() }

// Pid returns the child's process id.
func (i *Interpreter) Pid() int { return i.proc.Pid() }

// Close kills the child, then closes the link and both pipes. It is called
// once, at teardown.
func (i *Interpreter) Close() error {
	var errs []error
	if err := i.proc.Kill(); err != nil {
		errs = append(errs, err)
	}
	_ = i.link.Close()
	_ = i.in.Close()
	if err := i.duplex.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close pipes: %w", err))
	}
	go func() {
		for range i.proc.Output() {
		}
	}()
	<-i.proc.Exited()
	i.logger.Debug("interpreter stopped", "exit", i.proc.Err())
	return errors.Join(errs...)
}
