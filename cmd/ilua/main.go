package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/guysv/ilua/internal/api"
	"github.com/guysv/ilua/internal/config"
	"github.com/guysv/ilua/internal/dispatch"
	"github.com/guysv/ilua/internal/doctor"
	"github.com/guysv/ilua/internal/events"
	"github.com/guysv/ilua/internal/history"
	"github.com/guysv/ilua/internal/inspector"
	"github.com/guysv/ilua/internal/interp"
	"github.com/guysv/ilua/internal/log"
	"github.com/guysv/ilua/internal/metrics"
	"github.com/guysv/ilua/internal/pipe"
	"github.com/guysv/ilua/internal/protocol"
	"github.com/guysv/ilua/internal/sockets"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// eventBacklog is how many iopub broadcasts the status API can replay.
const eventBacklog = 256

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "start":
		return runStart(args)
	case "doctor":
		return runDoctor(args)
	case "history":
		return runHistoryNoun(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Print(`ilua - Lua kernel for Jupyter

Usage:
  ilua <command> [flags]

Commands:
  start             Run the kernel in the foreground
  doctor            Validate configuration and environment
  history tail      Print the most recent inputs
  version           Show version information
  help              Show this help message

Start flags:
  --config PATH           Kernel config file (default: $ILUA_CONFIG or ~/.config/ilua/config.yaml)
  --connection-file PATH  Jupyter connection file; omitted means passive mode
  --log-level LEVEL       debug, info, warn or error
  --lua-interpreter LUA   Lua executable to launch

Without --connection-file the kernel picks its own ports and writes a
connection file into the Jupyter runtime directory.
`)
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: ilua version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("ilua %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = readBuildSetting("vcs.revision")
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = readBuildSetting("vcs.time")
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return strings.TrimSpace(setting.Value)
		}
	}
	return ""
}

type startFlags struct {
	configPath     string
	connectionFile string
	logLevel       string
	luaInterpreter string
}

func parseStartFlags(args []string) (*startFlags, error) {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	f := &startFlags{}
	fs.StringVar(&f.configPath, "config", "", "Path to kernel config file")
	fs.StringVar(&f.connectionFile, "connection-file", "", "Path to Jupyter connection file")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.luaInterpreter, "lua-interpreter", "", "Lua executable to launch")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return f, nil
}

// loadKernelConfig resolves the config file and applies flag overrides,
// which win over both the file and the environment.
func loadKernelConfig(f *startFlags) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.logLevel != "" {
		cfg.LogLevel = strings.ToLower(f.logLevel)
	}
	if f.luaInterpreter != "" {
		cfg.Interpreter.Command = f.luaInterpreter
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runStart(args []string) int {
	flags, err := parseStartFlags(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	cfg, err := loadKernelConfig(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("ilua starting", "version", version, "config", cfg.SourcePath)

	if err := serve(cfg, flags.connectionFile); err != nil {
		logger.Error("kernel stopped with error", "error", err)
		return 1
	}
	logger.Info("kernel stopped")
	return 0
}

// serve runs one kernel until it is shut down. connFile empty selects
// passive mode.
func serve(cfg *config.Config, connFile string) (err error) {
	logger := log.WithComponent("main")

	passive := connFile == ""
	var conn *config.Connection
	if passive {
		conn = config.GenerateConnection()
	} else if conn, err = config.LoadConnection(connFile); err != nil {
		return err
	}

	signer, err := protocol.NewSigner(conn.SignatureScheme, conn.Key)
	if err != nil {
		return err
	}
	codec := protocol.NewCodec(signer)
	logger = log.WithSession(codec.Session()).With("component", "main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	router, err := sockets.Listen(ctx, codec, sockets.Bind{
		Transport: conn.Transport,
		IP:        conn.IP,
		Ports: sockets.Ports{
			Shell:   conn.ShellPort,
			Control: conn.ControlPort,
			Stdin:   conn.StdinPort,
			IOPub:   conn.IOPubPort,
			HB:      conn.HBPort,
		},
	})
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer func() {
		if cerr := router.Close(); cerr != nil {
			logger.Warn("failed to close sockets", "error", cerr)
		}
	}()

	if passive {
		path, err := writeConnection(conn, router.Ports())
		if err != nil {
			return err
		}
		defer func() {
			if rerr := os.Remove(path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
				logger.Warn("failed to remove connection file", "path", path, "error", rerr)
			}
		}()
		fmt.Printf("To connect another client to this kernel, use:\n    --existing %s\n", filepath.Base(path))
	}

	m := metrics.New()
	hub := events.NewHub(eventBacklog)

	var store *history.Store
	if cfg.History.Enabled {
		store, err = history.Open(ctx, cfg.History.Path)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := store.Close(); cerr != nil {
				logger.Warn("failed to close history", "error", cerr)
			}
		}()
		logger.Info("history opened", "path", cfg.History.Path, "history_session", store.Session())
	}

	fifoDir, err := pipeDir(cfg)
	if err != nil {
		return err
	}
	lua, err := interp.Launch(ctx, interp.Config{
		Process: interp.ProcessConfig{
			Command: cfg.Interpreter.Command,
			Script:  cfg.Interpreter.Script,
			Args:    cfg.Interpreter.Args,
			LibPath: cfg.Interpreter.LibPath,
		},
		Pipes: pipe.Options{
			Dir: fifoDir,
			Retry: pipe.RetryPolicy{
				Interval:    cfg.Pipes.OpenInterval,
				MaxAttempts: cfg.Pipes.OpenMaxAttempts,
			},
		},
		Observer: m,
	})
	if err != nil {
		return fmt.Errorf("launch interpreter: %w", err)
	}
	logger.Info("interpreter launched", "pid", lua.Pid(), "command", cfg.Interpreter.Command)

	opts := dispatch.Options{
		Frontend:    router,
		Interpreter: lua,
		Inspector:   inspector.New(),
		Observer:    m,
		Mirror:      hub,
		Version:     version,
	}
	// A nil *history.Store must not become a non-nil interface.
	if store != nil {
		opts.History = store
	}
	engine := dispatch.New(opts)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return engine.Run(gctx)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case sig := <-sigCh:
				if sig == syscall.SIGINT {
					logger.Info("SIGINT received, interrupting interpreter")
					if ierr := engine.Interrupt(); ierr != nil {
						logger.Warn("interrupt failed", "error", ierr)
					}
					continue
				}
				logger.Info("received signal, shutting down", "signal", sig.String())
				engine.Gate().Fire(nil)
				return nil
			}
		}
	})
	if cfg.API.Enabled {
		srv := api.New(api.Config{
			Listen:  cfg.API.Listen,
			Token:   cfg.API.Token,
			Session: codec.Session(),
		}, engine, hub, m.Handler(), log.WithComponent("api"))
		g.Go(func() error {
			if err := srv.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	return g.Wait()
}

// writeConnection records the bound ports and writes the file into the
// Jupyter runtime directory.
func writeConnection(conn *config.Connection, ports sockets.Ports) (string, error) {
	conn.ShellPort = ports.Shell
	conn.ControlPort = ports.Control
	conn.StdinPort = ports.Stdin
	conn.IOPubPort = ports.IOPub
	conn.HBPort = ports.HB
	return conn.Write(config.JupyterRuntimeDir())
}

// pipeDir places the FIFOs beside the connection file unless
// pipes.runtime_dir says otherwise.
func pipeDir(cfg *config.Config) (string, error) {
	dir := cfg.Pipes.RuntimeDir
	if dir == "" {
		dir = config.JupyterRuntimeDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create pipe directory: %w", err)
	}
	return dir, nil
}

func runDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to kernel config file")
	connFile := fs.String("connection-file", "", "Jupyter connection file to validate")
	format := fs.String("format", "json", "Output format: json or human")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	result := doctor.New(cfg, doctor.Options{ConnectionFile: *connFile}).Validate()
	switch *format {
	case "human":
		fmt.Print(doctor.FormatHuman(result))
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render result: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Fprintf(os.Stderr, "Unknown format: %s\n", *format)
		return 1
	}

	if !result.Valid {
		return 1
	}
	return 0
}

func runHistoryNoun(args []string) int {
	if len(args) < 1 || args[0] != "tail" {
		fmt.Fprintln(os.Stderr, "Usage: ilua history tail [-n N] [--config PATH]")
		return 1
	}

	fs := flag.NewFlagSet("history tail", flag.ContinueOnError)
	n := fs.Int("n", 10, "Number of entries to print")
	configPath := fs.String("config", "", "Path to kernel config file")
	if err := fs.Parse(args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if !cfg.History.Enabled {
		fmt.Fprintln(os.Stderr, "History is disabled in the configuration")
		return 1
	}
	if _, err := os.Stat(cfg.History.Path); err != nil {
		fmt.Fprintf(os.Stderr, "No history at %s\n", cfg.History.Path)
		return 1
	}

	ctx := context.Background()
	store, err := history.Open(ctx, cfg.History.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open history: %v\n", err)
		return 1
	}
	defer store.Close()

	entries, err := store.Tail(ctx, *n)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read history: %v\n", err)
		return 1
	}
	for _, e := range entries {
		fmt.Printf("%d/%d: %s\n", e.Session, e.Line, e.Source)
	}
	return 0
}
