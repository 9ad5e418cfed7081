package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/text/unicode/norm"

	"github.com/21st-dev/magic/internal/callback"
	"github.com/21st-dev/magic/internal/history"
	"github.com/21st-dev/magic/pkg/pathsafe"
	"github.com/21st-dev/magic/pkg/redact"
)

// Tool identifiers.
const (
	toolCreateUI    = "create_ui"
	toolRefineUI    = "refine_ui"
	toolInspiration = "component_inspiration"
	toolLogoSearch  = "logo_search"
	toolHealth      = "health"
)

// builderBaseURL is the 21st.dev page the browser is sent to for the
// callback flow. Port and session token are appended as query parameters.
const builderBaseURL = "https://21st.dev/magic-chat"

// Upstream API endpoints.
const (
	endpointCreate      = "/v1/create"
	endpointRefine      = "/v1/refine"
	endpointInspiration = "/v1/inspiration"
	endpointLogos       = "/v1/logos"
	endpointHealth      = "/health"
)

// CreateUIInput asks for a new component. SearchQuery narrows the builder's
// starting point; empty falls back to the message itself.
type CreateUIInput struct {
	Message     string `json:"message"`
	SearchQuery string `json:"search_query,omitempty"`
	TimeoutSec  int    `json:"timeout_seconds,omitempty"`
}

// CreateUIOutput carries the generated component source. Source reports
// whether it arrived through the browser callback or the direct API fallback.
type CreateUIOutput struct {
	Component string `json:"component"`
	Source    string `json:"source"`
}

// RefineUIInput points at an existing component file plus instructions.
type RefineUIInput struct {
	Message  string `json:"message"`
	FilePath string `json:"file_path"`
}

// RefineUIOutput carries the refined component source.
type RefineUIOutput struct {
	Component string `json:"component"`
}

// InspirationInput is a plain search against the component catalog.
type InspirationInput struct {
	SearchQuery string `json:"search_query"`
}

// InspirationOutput passes the catalog response through untouched.
type InspirationOutput struct {
	Results json.RawMessage `json:"results"`
}

// LogoSearchInput asks for one or more company logos.
type LogoSearchInput struct {
	Queries []string `json:"queries"`
	Format  string   `json:"format,omitempty"`
}

// LogoSearchOutput passes the logo response through untouched.
type LogoSearchOutput struct {
	Logos json.RawMessage `json:"logos"`
}

// HealthInput takes no parameters.
type HealthInput struct{}

// HealthOutput reports process and upstream status.
type HealthOutput struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	API      string `json:"api"`
	Callback string `json:"callback"`
}

// handleCreateUI runs the browser callback flow: start (or reuse) the
// loopback server, send the browser to the builder with the port and a fresh
// session token, and wait for the component to be posted back. If no callback
// arrives before the timeout, generation falls back to the direct API.
func (s *Server) handleCreateUI(ctx context.Context, _ *mcp.CallToolRequest, input CreateUIInput) (*mcp.CallToolResult, CreateUIOutput, error) {
	if strings.TrimSpace(input.Message) == "" {
		return errorResult(toolCreateUI, TagInvalidInput, "message is required", nil), CreateUIOutput{}, nil
	}
	query := strings.TrimSpace(input.SearchQuery)
	if query == "" {
		query = input.Message
	}
	requestID := uuid.NewString()
	s.record(requestID, history.OpToolCall, toolCreateUI, "query="+query)

	srv := callback.Acquire(s.callbackConfig(), s.logger)
	port, token, err := srv.Start()
	if err != nil {
		s.record(requestID, history.OpToolError, toolCreateUI, err.Error())
		return errorResult(toolCreateUI, TagCallbackFailed, "callback server failed to start: "+err.Error(), nil), CreateUIOutput{}, nil
	}

	builderURL := fmt.Sprintf("%s?q=%s&port=%d&session=%s",
		builderBaseURL, url.QueryEscape(query), port, token)

	if err := s.openBrowser(builderURL); err != nil {
		// Nothing will ever post back without a browser; skip the wait.
		s.logger.Warn("browser launch failed, using direct generation",
			"request_id", requestID, "error", err)
		srv.Cancel()
		return s.createDirect(ctx, requestID, input.Message, query)
	}

	timeout := callback.DefaultCallbackTimeout
	if input.TimeoutSec > 0 {
		timeout = time.Duration(input.TimeoutSec) * time.Second
	}

	data, err := srv.WaitForCallback(timeout)
	if err != nil {
		s.record(requestID, history.OpCallbackTimeout, toolCreateUI, err.Error())
		s.logger.Warn("callback not received, using direct generation",
			"request_id", requestID, "error", err)
		return s.createDirect(ctx, requestID, input.Message, query)
	}

	s.record(requestID, history.OpCallbackCompleted, toolCreateUI, "")
	return nil, CreateUIOutput{Component: data, Source: "callback"}, nil
}

// createDirect is the API fallback for create_ui.
func (s *Server) createDirect(ctx context.Context, requestID, message, query string) (*mcp.CallToolResult, CreateUIOutput, error) {
	data, err := s.api.Post(ctx, endpointCreate, map[string]string{
		"message":      message,
		"search_query": query,
	})
	if err != nil {
		s.record(requestID, history.OpToolError, toolCreateUI, err.Error())
		return errorResult(toolCreateUI, tagForError(err), redact.String(err.Error()), nil), CreateUIOutput{}, nil
	}
	return nil, CreateUIOutput{Component: string(data), Source: "api"}, nil
}

// handleRefineUI validates the component path against the working directory,
// reads the file, and asks the API for a refined version.
func (s *Server) handleRefineUI(ctx context.Context, _ *mcp.CallToolRequest, input RefineUIInput) (*mcp.CallToolResult, RefineUIOutput, error) {
	if strings.TrimSpace(input.Message) == "" {
		return errorResult(toolRefineUI, TagInvalidInput, "message is required", nil), RefineUIOutput{}, nil
	}
	if input.FilePath == "" {
		return errorResult(toolRefineUI, TagInvalidInput, "file_path is required", nil), RefineUIOutput{}, nil
	}

	wd, err := os.Getwd()
	if err != nil {
		return errorResult(toolRefineUI, TagInternal, "resolving working directory: "+err.Error(), nil), RefineUIOutput{}, nil
	}
	path, err := pathsafe.Validate(input.FilePath, wd)
	if err != nil {
		return errorResult(toolRefineUI, TagInvalidInput, "file_path rejected: "+err.Error(), nil), RefineUIOutput{}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return errorResult(toolRefineUI, TagInvalidInput, "reading component file: "+err.Error(), nil), RefineUIOutput{}, nil
	}

	requestID := uuid.NewString()
	s.record(requestID, history.OpToolCall, toolRefineUI, "path="+input.FilePath)

	data, err := s.api.Post(ctx, endpointRefine, map[string]string{
		"message": input.Message,
		"content": string(content),
	})
	if err != nil {
		s.record(requestID, history.OpToolError, toolRefineUI, err.Error())
		return errorResult(toolRefineUI, tagForError(err), redact.String(err.Error()), nil), RefineUIOutput{}, nil
	}
	return nil, RefineUIOutput{Component: string(data)}, nil
}

// handleInspiration fetches catalog matches through the caching client, so
// repeated identical searches never hit the network twice within the TTL.
func (s *Server) handleInspiration(ctx context.Context, _ *mcp.CallToolRequest, input InspirationInput) (*mcp.CallToolResult, InspirationOutput, error) {
	query := strings.TrimSpace(input.SearchQuery)
	if query == "" {
		return errorResult(toolInspiration, TagInvalidInput, "search_query is required", nil), InspirationOutput{}, nil
	}

	requestID := uuid.NewString()
	s.record(requestID, history.OpToolCall, toolInspiration, "query="+query)

	data, err := s.api.CachedPost(ctx, endpointInspiration, map[string]string{
		"search": query,
	})
	if err != nil {
		s.record(requestID, history.OpToolError, toolInspiration, err.Error())
		return errorResult(toolInspiration, tagForError(err), redact.String(err.Error()), nil), InspirationOutput{}, nil
	}
	return nil, InspirationOutput{Results: data}, nil
}

// logoFormats are the accepted output formats for logo_search.
var logoFormats = map[string]bool{"JSX": true, "TSX": true, "SVG": true}

// handleLogoSearch normalizes queries to NFKC before hitting the API, so
// visually identical Unicode spellings share one cache entry upstream.
func (s *Server) handleLogoSearch(ctx context.Context, _ *mcp.CallToolRequest, input LogoSearchInput) (*mcp.CallToolResult, LogoSearchOutput, error) {
	var queries []string
	for _, q := range input.Queries {
		q = strings.TrimSpace(norm.NFKC.String(q))
		if q != "" {
			queries = append(queries, q)
		}
	}
	if len(queries) == 0 {
		return errorResult(toolLogoSearch, TagInvalidInput, "queries is required", nil), LogoSearchOutput{}, nil
	}

	format := strings.ToUpper(strings.TrimSpace(input.Format))
	if format == "" {
		format = "TSX"
	}
	if !logoFormats[format] {
		return errorResult(toolLogoSearch, TagInvalidInput,
			"format must be one of JSX, TSX, SVG", map[string]any{"format": input.Format}), LogoSearchOutput{}, nil
	}

	requestID := uuid.NewString()
	s.record(requestID, history.OpToolCall, toolLogoSearch, "queries="+strings.Join(queries, ","))

	data, err := s.api.CachedPost(ctx, endpointLogos, map[string]any{
		"queries": queries,
		"format":  format,
	})
	if err != nil {
		s.record(requestID, history.OpToolError, toolLogoSearch, err.Error())
		return errorResult(toolLogoSearch, tagForError(err), redact.String(err.Error()), nil), LogoSearchOutput{}, nil
	}
	return nil, LogoSearchOutput{Logos: data}, nil
}

// handleHealth reports version, callback singleton state, and whether the
// upstream API answers. It never fails; problems show up in the fields.
func (s *Server) handleHealth(ctx context.Context, _ *mcp.CallToolRequest, _ HealthInput) (*mcp.CallToolResult, HealthOutput, error) {
	out := HealthOutput{
		Status:   "ok",
		Version:  s.version,
		API:      "reachable",
		Callback: callback.InstanceState().String(),
	}
	if _, err := s.api.Get(ctx, endpointHealth); err != nil {
		out.Status = "degraded"
		out.API = "unreachable: " + redact.String(err.Error())
	}
	return nil, out, nil
}
