// Package mcp implements the magic MCP server: the stdio tool surface an AI
// coding agent talks to, wired to the 21st.dev API through the hardened
// callback server, rate limiter, and resilient HTTP client.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/21st-dev/magic/internal/api"
	"github.com/21st-dev/magic/internal/browser"
	"github.com/21st-dev/magic/internal/callback"
	"github.com/21st-dev/magic/internal/config"
	"github.com/21st-dev/magic/internal/history"
)

// Server owns the MCP tool surface and its collaborators. One instance per
// process; tool handlers may run concurrently.
type Server struct {
	server  *mcp.Server
	api     *api.Client
	cfg     config.Config
	policy  *Policy
	history *history.Store
	logger  *slog.Logger
	version string

	openBrowser func(string) error // stubbed in tests
}

// Options configures NewServer.
type Options struct {
	Config  config.Config
	Logger  *slog.Logger
	Version string

	// Dir is the magic directory holding policy.yaml and history.db.
	// Empty means ~/.magic.
	Dir string
}

// NewServer builds the server, loads the operator policy, and opens the
// history store. A missing policy file leaves trusted-mode bypass disabled;
// an unreadable or insecure one is logged and treated the same way.
func NewServer(opts *Options) (*Server, error) {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dir := opts.Dir
	if dir == "" {
		var err error
		dir, err = config.Dir()
		if err != nil {
			return nil, fmt.Errorf("mcp: %w", err)
		}
	}

	policy, err := LoadPolicy(dir)
	if err != nil {
		if !errors.Is(err, ErrPolicyNotFound) {
			logger.Warn("policy file rejected, trusted-mode bypass stays disabled", "error", err)
		}
		policy = nil
	}

	hist, err := history.Open(dir)
	if err != nil {
		// History is an audit aid, not a gate on serving tools.
		logger.Warn("history store unavailable", "error", err)
		hist = nil
	}

	apiClient := api.New(api.Config{
		BaseURL:  opts.Config.APIBaseURL,
		APIKey:   opts.Config.APIKey,
		Timeout:  opts.Config.APITimeout,
		CacheTTL: opts.Config.CacheTTL,
	}, logger)

	s := &Server{
		server: mcp.NewServer(&mcp.Implementation{
			Name:    "magic",
			Version: opts.Version,
		}, nil),
		api:         apiClient,
		cfg:         opts.Config,
		policy:      policy,
		history:     hist,
		logger:      logger,
		version:     opts.Version,
		openBrowser: browser.Open,
	}
	s.registerTools()
	return s, nil
}

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        toolCreateUI,
		Description: "Generate a UI component. Opens the 21st.dev builder in the browser and waits for the generated component to be posted back.",
	}, s.handleCreateUI)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        toolRefineUI,
		Description: "Refine an existing UI component file. Sends the component source with refinement instructions and returns the improved version.",
	}, s.handleRefineUI)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        toolInspiration,
		Description: "Fetch component inspiration from 21st.dev matching a search query. Returns component metadata and previews, no browser involved.",
	}, s.handleInspiration)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        toolLogoSearch,
		Description: "Search company logos by name and return them in JSX, TSX, or SVG format.",
	}, s.handleLogoSearch)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        toolHealth,
		Description: "Report server version, callback server state, and upstream API reachability.",
	}, s.handleHealth)
}

// callbackConfig maps resolved runtime config onto the callback server.
// Trusted-mode bypass is wired only when the operator policy opts in.
func (s *Server) callbackConfig() callback.Config {
	return callback.Config{
		MaxBodySize:        s.cfg.MaxBodySize,
		AllowTrustedBypass: s.policy != nil && s.policy.AllowTrustedBypass,
	}
}

// record appends one history entry. Safe to call with history disabled.
func (s *Server) record(requestID, op, tool, detail string) {
	if s.history == nil {
		return
	}
	if err := s.history.Append(requestID, op, tool, detail); err != nil {
		s.logger.Warn("history append failed", "error", err)
	}
}

// Run serves MCP over stdio until ctx is canceled or the transport closes.
func (s *Server) Run(ctx context.Context) error {
	defer s.Close()
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Close releases the callback singleton and the history store.
func (s *Server) Close() error {
	callback.ResetInstance()
	if s.history != nil {
		return s.history.Close()
	}
	return nil
}
