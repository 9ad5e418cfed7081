package mcp

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/21st-dev/magic/internal/api"
	"github.com/21st-dev/magic/internal/callback"
)

// Error tags shared across tools. The full code is TOOL_TAG, e.g.
// CREATE_UI_TIMEOUT.
const (
	TagTimeout        = "TIMEOUT"
	TagAPIError       = "API_ERROR"
	TagInvalidInput   = "INVALID_INPUT"
	TagUnauthorized   = "UNAUTHORIZED"
	TagCallbackFailed = "CALLBACK_FAILED"
	TagInternal       = "INTERNAL"
)

// ToolError is the machine-readable failure shape every tool returns. The
// message is safe to show verbatim; details carry optional structured context.
type ToolError struct {
	Message string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

func (e *ToolError) Error() string {
	return e.Code + ": " + e.Message
}

// errorCode builds TOOL_TAG from a tool name like "create_ui".
func errorCode(tool, tag string) string {
	return strings.ToUpper(tool) + "_" + tag
}

// errorResult renders a ToolError as a failed tool result so agents receive
// the structured shape instead of a bare error string.
func errorResult(tool, tag, message string, details any) *mcp.CallToolResult {
	te := ToolError{Message: message, Code: errorCode(tool, tag), Details: details}
	data, err := json.Marshal(te)
	if err != nil {
		data = []byte(`{"error":"internal error","code":"` + errorCode(tool, TagInternal) + `"}`)
	}
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}

// tagForError classifies an upstream or callback failure into an error tag.
func tagForError(err error) string {
	var timeoutErr *api.TimeoutError
	if errors.As(err, &timeoutErr) {
		return TagTimeout
	}
	var statusErr *api.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Status == http.StatusUnauthorized || statusErr.Status == http.StatusForbidden {
			return TagUnauthorized
		}
		return TagAPIError
	}
	if errors.Is(err, callback.ErrTimeout) {
		return TagTimeout
	}
	if errors.Is(err, callback.ErrBusy) || errors.Is(err, callback.ErrNoPort) {
		return TagCallbackFailed
	}
	return TagAPIError
}
