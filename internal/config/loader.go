package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/guysv/ilua/internal/log"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ILUA_"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

var validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Load reads configPath over Defaults, interpolates ${VAR} references,
// applies ILUA_ environment overrides and validates the result.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", absPath, err)
	}
	cfg.SourcePath = absPath

	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads the discovered config file, or returns Defaults (with
// environment overrides) when none exists. explicit wins over discovery.
func LoadOrDefault(explicit string) (*Config, error) {
	path, err := Discover(explicit)
	if err != nil {
		return nil, err
	}
	if path == "" {
		log.Debug("no config file found, using defaults")
		cfg := Defaults()
		applyEnv(cfg)
		if err := Validate(cfg); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}
	return Load(path)
}

// Discover finds the config file. Priority: explicit, $ILUA_CONFIG,
// ~/.config/ilua/config.yaml. An explicit path that does not exist is an
// error; an empty result means none was found.
func Discover(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file %s: %w", explicit, err)
		}
		return explicit, nil
	}
	if path := os.Getenv(EnvPrefix + "CONFIG"); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		path := filepath.Join(home, ".config", "ilua", "config.yaml")
		if _, err := os.Stat(path); err == nil {
			return path, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
	}
	return "", nil
}

// applyEnv layers ILUA_LOG_LEVEL, ILUA_LUA_INTERPRETER and
// ILUA_HISTORY_PATH over the loaded values.
func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(EnvPrefix + "LUA_INTERPRETER"); v != "" {
		cfg.Interpreter.Command = v
	}
	if v := os.Getenv(EnvPrefix + "HISTORY_PATH"); v != "" {
		cfg.History.Path = v
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// Validate checks field ranges.
func Validate(cfg *Config) error {
	var errs []error
	if !validLevels[strings.ToLower(cfg.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.Interpreter.Command == "" {
		errs = append(errs, errors.New("interpreter.command is required"))
	}
	if cfg.Pipes.OpenInterval <= 0 {
		errs = append(errs, fmt.Errorf("pipes.open_interval must be positive, got %s", cfg.Pipes.OpenInterval))
	}
	if cfg.Pipes.OpenMaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("pipes.open_max_attempts must not be negative, got %d", cfg.Pipes.OpenMaxAttempts))
	}
	if cfg.History.Enabled && cfg.History.Path == "" {
		errs = append(errs, errors.New("history.path is required when history is enabled"))
	}
	if cfg.API.Enabled && cfg.API.Listen == "" {
		errs = append(errs, errors.New("api.listen is required when the api is enabled"))
	}
	if unresolved := envVarPattern.FindString(cfg.API.Token); unresolved != "" {
		errs = append(errs, fmt.Errorf("api.token references unset variable %s", unresolved))
	}
	return errors.Join(errs...)
}
