package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config is the kernel's own configuration. The Jupyter connection file is
// separate; see Connection.
type Config struct {
	LogLevel    string            `yaml:"log_level"`
	Interpreter InterpreterConfig `yaml:"interpreter"`
	Pipes       PipesConfig       `yaml:"pipes"`
	History     HistoryConfig     `yaml:"history"`
	API         APIConfig         `yaml:"api"`

	// SourcePath is the file the config was read from, empty for defaults.
	SourcePath string `yaml:"-"`
}

// InterpreterConfig says how to launch the Lua side.
type InterpreterConfig struct {
	Command string   `yaml:"command"`
	Script  string   `yaml:"script"`
	LibPath string   `yaml:"lib_path"`
	Args    []string `yaml:"args,omitempty"`
}

// PipesConfig controls the named channels to the interpreter.
type PipesConfig struct {
	RuntimeDir      string        `yaml:"runtime_dir"`
	OpenInterval    time.Duration `yaml:"open_interval"`
	OpenMaxAttempts int           `yaml:"open_max_attempts"`
}

// HistoryConfig controls the input history database.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// APIConfig controls the optional HTTP status server.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Token   string `yaml:"token"`
}

// Defaults returns the configuration used when no file is found.
func Defaults() *Config {
	luaDir := defaultLuaDir()
	return &Config{
		LogLevel: "warn",
		Interpreter: InterpreterConfig{
			Command: "lua",
			Script:  filepath.Join(luaDir, "interp.lua"),
			LibPath: filepath.Join(luaDir, "lualibs"),
		},
		Pipes: PipesConfig{
			OpenInterval: 10 * time.Millisecond,
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    defaultHistoryPath(),
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8765",
		},
	}
}

// defaultLuaDir is the lua/ directory shipped next to the executable.
func defaultLuaDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "lua"
	}
	return filepath.Join(filepath.Dir(exe), "lua")
}

func defaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ilua_history.db"
	}
	return filepath.Join(home, ".ilua_history.db")
}
