//go:build unix

package interp

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Interrupt sends SIGINT to the child.
func (p *Process) Interrupt() error {
	if err := p.cmd.Process.Signal(unix.SIGINT); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("interrupt interpreter: %w", err)
	}
	return nil
}
