package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/21st-dev/magic/internal/config"
)

// version is stamped at build time via -ldflags.
var version = "dev"

var (
	flagAPIKey      string
	flagAPIURL      string
	flagAPITimeout  int
	flagCacheTTL    int
	flagMaxBodySize int64
	flagLogLevel    string
)

var rootCmd = &cobra.Command{
	Use:   "magic",
	Short: "magic is the 21st.dev MCP server for AI-driven UI generation",
	Long: `magic exposes 21st.dev UI generation to AI coding agents over the
Model Context Protocol. Components are generated through a browser callback
flow on a hardened loopback server; searches and refinements go straight to
the API with caching and retry.`,
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagAPIKey, "api-key", "", "21st.dev API key (overrides MAGIC_API_KEY)")
	pf.StringVar(&flagAPIURL, "api-url", "", "API base URL (overrides MAGIC_API_URL)")
	pf.IntVar(&flagAPITimeout, "api-timeout-ms", 0, "per-request API timeout in milliseconds")
	pf.IntVar(&flagCacheTTL, "cache-ttl", 0, "API response cache TTL in seconds")
	pf.Int64Var(&flagMaxBodySize, "max-body-size", 0, "callback payload limit in bytes")
	pf.StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")
}

// resolveConfig merges flags over environment over the persisted config file,
// and builds the stderr logger. Stdout stays clean for the MCP transport.
func resolveConfig() (config.Config, *slog.Logger) {
	var fc *config.FileConfig
	var fileErr error
	if dir, err := config.Dir(); err == nil {
		fc, fileErr = config.LoadFile(dir)
	}

	cfg, warnings := config.Resolve(config.Flags{
		APIKey:       flagAPIKey,
		APIBaseURL:   flagAPIURL,
		APITimeoutMS: flagAPITimeout,
		CacheTTLSec:  flagCacheTTL,
		MaxBodySize:  flagMaxBodySize,
		LogLevel:     flagLogLevel,
	}, os.Getenv, fc)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	if fileErr != nil {
		logger.Warn("config file ignored", "error", fileErr)
	}
	for _, w := range warnings {
		logger.Warn(w)
	}
	return cfg, logger
}
