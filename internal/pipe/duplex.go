package pipe

import (
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"
)

// Options configures endpoint creation.
type Options struct {
	// Dir holds the FIFOs on unix. Empty selects $XDG_RUNTIME_DIR or the
	// temp directory.
	Dir   string
	Retry RetryPolicy
}

// Duplex pairs the command channel (kernel to interpreter) with the return
// channel (interpreter to kernel).
type Duplex struct {
	Cmd Endpoint
	Ret Endpoint
}

// NewDuplex creates both channel artifacts. On failure nothing is left on
// disk.
func NewDuplex(opts Options) (*Duplex, error) {
	opts.Dir = RuntimeDir(opts.Dir)
	cmd, err := New(Path(opts.Dir, "cmd"), Outbound, opts.Retry)
	if err != nil {
		return nil, fmt.Errorf("create command channel: %w", err)
	}
	ret, err := New(Path(opts.Dir, "ret"), Inbound, opts.Retry)
	if err != nil {
		_ = cmd.Close()
		return nil, fmt.Errorf("create return channel: %w", err)
	}
	return &Duplex{Cmd: cmd, Ret: ret}, nil
}

// Open attaches both directions concurrently. The peer may open them in
// either order, so neither open may block the other.
func (d *Duplex) Open(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Cmd.Open(gctx) })
	g.Go(func() error { return d.Ret.Open(gctx) })
	return g.Wait()
}

// Close closes both endpoints. Closing an endpoint that never opened is not
// reported.
func (d *Duplex) Close() error {
	var errs []error
	for _, ep := range []Endpoint{d.Cmd, d.Ret} {
		if err := ep.Close(); err != nil && !errors.Is(err, ErrNotOpen) && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("%s: %w", ep.Path(), err))
		}
	}
	return errors.Join(errs...)
}
