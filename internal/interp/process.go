package interp

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"unicode/utf8"
)

// Environment variables the interpreter script reads at startup.
const (
	EnvCmdPath = "ILUA_CMD_PATH"
	EnvRetPath = "ILUA_RET_PATH"
	EnvLibPath = "ILUA_LIB_PATH"
)

// ErrInterruptUnsupported is returned by Interrupt where the host has no
// usable signal for the child.
var ErrInterruptUnsupported = errors.New("interp: interrupt not supported on this platform")

const outputChunk = 4096

// Output is one chunk of the child's stdout or stderr.
type Output struct {
	Stream string
	Text   string
}

// ProcessConfig describes how to launch the interpreter.
type ProcessConfig struct {
	Command string
	Script  string
	Args    []string
	LibPath string
	CmdPath string
	RetPath string
	// Env is appended to the inherited environment.
	Env []string
}

// Process is a running interpreter child whose output is captured.
type Process struct {
	cmd    *exec.Cmd
	output chan Output
	exited chan struct{}

	mu      sync.Mutex
	waitErr error
}

// StartProcess launches the interpreter with the pipe paths in its
// environment. Stdin is closed immediately.
func StartProcess(cfg ProcessConfig) (*Process, error) {
	if cfg.Command == "" {
		return nil, errors.New("interpreter command is empty")
	}
	var args []string
	if cfg.Script != "" {
		args = append(args, cfg.Script)
	}
	args = append(args, cfg.Args...)

	cmd := exec.Command(cfg.Command, args...)
	cmd.Env = append(os.Environ(),
		EnvCmdPath+"="+cfg.CmdPath,
		EnvRetPath+"="+cfg.RetPath,
		EnvLibPath+"="+cfg.LibPath,
	)
	cmd.Env = append(cmd.Env, cfg.Env...)
	cmd.Stdin = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Command, err)
	}

	p := &Process{
		cmd:    cmd,
		output: make(chan Output, 64),
		exited: make(chan struct{}),
	}

	var pumps sync.WaitGroup
	pumps.Add(2)
	go p.capture(&pumps, "stdout", stdout)
	go p.capture(&pumps, "stderr", stderr)
	go func() {
		pumps.Wait()
		close(p.output)
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.exited)
	}()
	return p, nil
}

// capture forwards r in chunks, holding back a trailing partial rune so a
// character split across reads is not mangled.
func (p *Process) capture(wg *sync.WaitGroup, stream string, r io.Reader) {
	defer wg.Done()
	buf := make([]byte, outputChunk)
	var pending []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			cut := completePrefix(pending)
			if cut > 0 {
				p.output <- Output{Stream: stream, Text: strings.ToValidUTF8(string(pending[:cut]), "\uFFFD")}
				pending = append(pending[:0], pending[cut:]...)
			}
		}
		if err != nil {
			if len(pending) > 0 {
				p.output <- Output{Stream: stream, Text: strings.ToValidUTF8(string(pending), "\uFFFD")}
			}
			return
		}
	}
}

// completePrefix returns the length of b without a trailing incomplete
// UTF-8 sequence.
func completePrefix(b []byte) int {
	for i := 1; i <= utf8.UTFMax-1 && i <= len(b); i++ {
		c := b[len(b)-i]
		if utf8.RuneStart(c) {
			if !utf8.FullRune(b[len(b)-i:]) {
				return len(b) - i
			}
			break
		}
	}
	return len(b)
}

// Output returns the captured output. It is closed when both streams end.
func (p *Process) Output() <-chan Output { return p.output }

// Exited is closed once the child has been reaped.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// Pid returns the child's process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Err returns the child's exit error after Exited is closed.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Kill force-terminates the child. Killing an exited child is not an error.
func (p *Process) Kill() error {
	select {
	case <-p.exited:
		return nil
	default:
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill interpreter: %w", err)
	}
	return nil
}
