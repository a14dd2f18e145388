// Package doctor checks that a kernel could start with the given
// configuration: the interpreter resolves, the pipe and runtime directories
// are writable, history storage is sane, and any connection file parses.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/guysv/ilua/internal/config"
	"github.com/guysv/ilua/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Options adjusts what is checked.
type Options struct {
	// ConnectionFile is validated when set. When empty the kernel would run
	// in passive mode, so the Jupyter runtime dir must be writable instead.
	ConnectionFile string
	// LookPath resolves the interpreter command; exec.LookPath when nil.
	LookPath func(file string) (string, error)
	// RuntimeDir overrides config.JupyterRuntimeDir for passive mode.
	RuntimeDir string
}

// Doctor validates a kernel configuration.
type Doctor struct {
	cfg  *config.Config
	opts Options
}

// New creates a Doctor for cfg.
func New(cfg *config.Config, opts Options) *Doctor {
	if opts.LookPath == nil {
		opts.LookPath = exec.LookPath
	}
	if opts.RuntimeDir == "" {
		opts.RuntimeDir = config.JupyterRuntimeDir()
	}
	return &Doctor{cfg: cfg, opts: opts}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateConfig(r)
	d.validateInterpreter(r)
	d.validatePipeDir(r)
	d.validateHistory(r)
	d.validateAPI(r)
	d.validateConnection(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateConfig reports every field-level validation failure separately.
func (d *Doctor) validateConfig(r *Result) {
	err := config.Validate(d.cfg)
	if err == nil {
		return
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			d.addError(r, "config", "", e.Error())
		}
		return
	}
	d.addError(r, "config", "", err.Error())
}

// validateInterpreter checks the Lua command and the files it is given.
func (d *Doctor) validateInterpreter(r *Result) {
	ic := d.cfg.Interpreter
	if ic.Command != "" {
		if _, err := d.opts.LookPath(ic.Command); err != nil {
			d.addError(r, "interpreter", "interpreter.command",
				fmt.Sprintf("lua interpreter %q not found: %v", ic.Command, err))
		}
	}
	if ic.Script == "" {
		d.addError(r, "interpreter", "interpreter.script", "interpreter.script is required")
	} else if info, err := os.Stat(ic.Script); err != nil {
		d.addError(r, "interpreter", "interpreter.script",
			fmt.Sprintf("interpreter script %s: %v", ic.Script, err))
	} else if info.IsDir() {
		d.addError(r, "interpreter", "interpreter.script",
			fmt.Sprintf("interpreter script %s is a directory", ic.Script))
	}
	if ic.LibPath != "" {
		if info, err := os.Stat(ic.LibPath); err != nil || !info.IsDir() {
			d.addWarning(r, "interpreter", "interpreter.lib_path",
				fmt.Sprintf("lua library directory %s is missing", ic.LibPath))
		}
	}
}

// validatePipeDir checks that FIFOs can be created. Windows pipes live in a
// fixed namespace, so there is nothing to check there.
func (d *Doctor) validatePipeDir(r *Result) {
	if runtime.GOOS == "windows" {
		return
	}
	dir := d.cfg.Pipes.RuntimeDir
	if dir == "" {
		dir = d.opts.RuntimeDir
	}
	if err := checkWritableDir(dir); err != nil {
		d.addError(r, "pipes", "pipes.runtime_dir",
			fmt.Sprintf("pipe directory %s is not writable: %v", dir, err))
	}
}

// validateHistory checks the history database location.
func (d *Doctor) validateHistory(r *Result) {
	hc := d.cfg.History
	if !hc.Enabled || hc.Path == "" {
		return
	}
	dir := filepath.Dir(hc.Path)
	if err := checkWritableDir(dir); err != nil {
		d.addError(r, "history", "history.path",
			fmt.Sprintf("history directory %s is not writable: %v", dir, err))
		return
	}
	if err := storage.CheckLocal(hc.Path); err != nil {
		if errors.Is(err, storage.ErrNetworkFilesystem) {
			d.addWarning(r, "history", "history.path",
				"history database is on a network filesystem; concurrent kernels may corrupt it")
			return
		}
		d.addWarning(r, "history", "history.path", err.Error())
	}
}

// validateAPI warns about an unauthenticated API reachable off-host.
func (d *Doctor) validateAPI(r *Result) {
	ac := d.cfg.API
	if !ac.Enabled || ac.Token != "" {
		return
	}
	host, _, err := net.SplitHostPort(ac.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", ac.Listen, err))
		return
	}
	if host == "localhost" {
		return
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return
	}
	d.addWarning(r, "api", "api.token",
		fmt.Sprintf("API listens on %s without a token", ac.Listen))
}

// validateConnection parses the connection file, or for passive mode checks
// that one could be written.
func (d *Doctor) validateConnection(r *Result) {
	if d.opts.ConnectionFile == "" {
		if err := checkWritableDir(d.opts.RuntimeDir); err != nil {
			d.addWarning(r, "connection", "",
				fmt.Sprintf("jupyter runtime dir %s is not writable, passive mode will fail: %v", d.opts.RuntimeDir, err))
		}
		return
	}
	if _, err := config.LoadConnection(d.opts.ConnectionFile); err != nil {
		d.addError(r, "connection", "", err.Error())
	}
}

// checkWritableDir tests dir, or its nearest existing ancestor when dir
// does not exist yet, with a temporary file.
func checkWritableDir(dir string) error {
	for {
		info, err := os.Stat(dir)
		if err == nil {
			if !info.IsDir() {
				return fmt.Errorf("%s is not a directory", dir)
			}
			break
		}
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return err
		}
		dir = parent
	}
	f, err := os.CreateTemp(dir, ".ilua-doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
