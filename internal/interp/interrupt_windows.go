//go:build windows

package interp

// Interrupt is a no-op on Windows, where a console child cannot be sent a
// targeted Ctrl-C.
func (p *Process) Interrupt() error {
	return ErrInterruptUnsupported
}
