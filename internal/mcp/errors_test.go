package mcp

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/21st-dev/magic/internal/api"
	"github.com/21st-dev/magic/internal/callback"
)

func TestErrorCode(t *testing.T) {
	if got := errorCode("create_ui", TagTimeout); got != "CREATE_UI_TIMEOUT" {
		t.Errorf("errorCode = %q", got)
	}
	if got := errorCode("logo_search", TagInvalidInput); got != "LOGO_SEARCH_INVALID_INPUT" {
		t.Errorf("errorCode = %q", got)
	}
}

func TestErrorResultShape(t *testing.T) {
	res := errorResult("create_ui", TagAPIError, "upstream said no", map[string]any{"status": 502})
	if !res.IsError {
		t.Fatal("IsError = false")
	}
	text, ok := res.Content[0].(*sdkmcp.TextContent)
	if !ok {
		t.Fatalf("content type %T", res.Content[0])
	}

	var te ToolError
	if err := json.Unmarshal([]byte(text.Text), &te); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if te.Message != "upstream said no" {
		t.Errorf("error = %q", te.Message)
	}
	if te.Code != "CREATE_UI_API_ERROR" {
		t.Errorf("code = %q", te.Code)
	}
	if te.Details == nil {
		t.Error("details dropped")
	}
}

func TestTagForError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"api timeout", &api.TimeoutError{Endpoint: "/v1/create", Timeout: time.Second}, TagTimeout},
		{"unauthorized", &api.StatusError{Status: 401}, TagUnauthorized},
		{"forbidden", &api.StatusError{Status: 403}, TagUnauthorized},
		{"server error", &api.StatusError{Status: 502}, TagAPIError},
		{"callback timeout", callback.ErrTimeout, TagTimeout},
		{"no port", callback.ErrNoPort, TagCallbackFailed},
		{"generic", errors.New("boom"), TagAPIError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tagForError(tt.err); got != tt.want {
				t.Errorf("tagForError = %q, want %q", got, tt.want)
			}
		})
	}
}
