// Package config resolves runtime configuration once at startup from CLI
// flags, environment variables, a persisted config file, and built-in
// defaults, in that precedence order. Core logic never reads the environment
// directly; it receives the resolved Config.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Built-in defaults.
const (
	DefaultAPIBaseURL  = "https://magic-api.21st.dev"
	DefaultAPITimeout  = 30 * time.Second
	DefaultCacheTTL    = 300 * time.Second
	DefaultMaxBodySize = 1 << 20
	DefaultLogLevel    = slog.LevelInfo
)

// Environment variable names.
const (
	EnvAPIKey       = "MAGIC_API_KEY"
	EnvAPIBaseURL   = "MAGIC_API_URL"
	EnvAPITimeoutMS = "MAGIC_API_TIMEOUT_MS"
	EnvCacheTTLSec  = "MAGIC_CACHE_TTL"
	EnvMaxBodySize  = "MAGIC_MAX_BODY_SIZE"
	EnvLogLevel     = "MAGIC_LOG_LEVEL"
)

// FileName is the persisted config file inside the magic directory.
const FileName = "config.yaml"

// Config is the fully resolved runtime configuration.
type Config struct {
	APIKey      string
	APIBaseURL  string
	APITimeout  time.Duration
	CacheTTL    time.Duration
	MaxBodySize int64
	LogLevel    slog.Level
}

// Flags carries values parsed from the command line. Zero values mean the
// flag was not set.
type Flags struct {
	APIKey       string
	APIBaseURL   string
	APITimeoutMS int
	CacheTTLSec  int
	MaxBodySize  int64
	LogLevel     string
}

// FileConfig is the subset persisted to disk by `magic config`.
type FileConfig struct {
	APIKey     string `yaml:"api_key,omitempty"`
	APIBaseURL string `yaml:"api_base_url,omitempty"`
}

// Resolve merges flags over environment over file over defaults. It is a
// pure function; warnings describe ignored malformed values so the caller
// can log them after the logger exists.
func Resolve(flags Flags, getenv func(string) string, file *FileConfig) (Config, []string) {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	if file == nil {
		file = &FileConfig{}
	}
	var warnings []string

	cfg := Config{
		APIBaseURL:  DefaultAPIBaseURL,
		APITimeout:  DefaultAPITimeout,
		CacheTTL:    DefaultCacheTTL,
		MaxBodySize: DefaultMaxBodySize,
		LogLevel:    DefaultLogLevel,
	}

	// File layer.
	if file.APIKey != "" {
		cfg.APIKey = file.APIKey
	}
	if file.APIBaseURL != "" {
		cfg.APIBaseURL = file.APIBaseURL
	}

	// Environment layer.
	if v := getenv(EnvAPIKey); v != "" {
		cfg.APIKey = v
	}
	if v := getenv(EnvAPIBaseURL); v != "" {
		cfg.APIBaseURL = v
	}
	if v := getenv(EnvAPITimeoutMS); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.APITimeout = time.Duration(ms) * time.Millisecond
		} else {
			warnings = append(warnings, fmt.Sprintf("ignoring invalid %s=%q", EnvAPITimeoutMS, v))
		}
	}
	if v := getenv(EnvCacheTTLSec); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			cfg.CacheTTL = time.Duration(sec) * time.Second
		} else {
			warnings = append(warnings, fmt.Sprintf("ignoring invalid %s=%q", EnvCacheTTLSec, v))
		}
	}
	if v := getenv(EnvMaxBodySize); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxBodySize = n
		} else {
			warnings = append(warnings, fmt.Sprintf("ignoring invalid %s=%q", EnvMaxBodySize, v))
		}
	}
	if v := getenv(EnvLogLevel); v != "" {
		if level, err := parseLevel(v); err == nil {
			cfg.LogLevel = level
		} else {
			warnings = append(warnings, fmt.Sprintf("ignoring invalid %s=%q", EnvLogLevel, v))
		}
	}

	// Flag layer wins over everything.
	if flags.APIKey != "" {
		cfg.APIKey = flags.APIKey
	}
	if flags.APIBaseURL != "" {
		cfg.APIBaseURL = flags.APIBaseURL
	}
	if flags.APITimeoutMS > 0 {
		cfg.APITimeout = time.Duration(flags.APITimeoutMS) * time.Millisecond
	}
	if flags.CacheTTLSec > 0 {
		cfg.CacheTTL = time.Duration(flags.CacheTTLSec) * time.Second
	}
	if flags.MaxBodySize > 0 {
		cfg.MaxBodySize = flags.MaxBodySize
	}
	if flags.LogLevel != "" {
		if level, err := parseLevel(flags.LogLevel); err == nil {
			cfg.LogLevel = level
		} else {
			warnings = append(warnings, fmt.Sprintf("ignoring invalid --log-level=%q", flags.LogLevel))
		}
	}

	return cfg, warnings
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, err
	}
	return level, nil
}

// Dir returns the magic configuration directory, ~/.magic by default.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolving home directory: %w", err)
	}
	return filepath.Join(home, ".magic"), nil
}

// LoadFile reads the persisted config from dir. A missing file yields an
// empty config, not an error.
func LoadFile(dir string) (*FileConfig, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return &FileConfig{}, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", FileName, err)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", FileName, err)
	}
	return &fc, nil
}

// SaveFile writes the persisted config to dir with owner-only permissions,
// creating the directory if needed.
func SaveFile(dir string, fc *FileConfig) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("config: creating %s: %w", dir, err)
	}
	data, err := yaml.Marshal(fc)
	if err != nil {
		return fmt.Errorf("config: encoding %s: %w", FileName, err)
	}
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("config: writing %s: %w", FileName, err)
	}
	return nil
}
