package browser

import (
	"strings"
	"testing"
)

func TestOpenCommandPerPlatform(t *testing.T) {
	tests := []struct {
		goos     string
		wantName string
	}{
		{"darwin", "open"},
		{"linux", "xdg-open"},
		{"windows", "rundll32"},
		{"plan9", ""},
	}
	for _, tt := range tests {
		name, _ := openCommand(tt.goos, "https://21st.dev")
		if name != tt.wantName {
			t.Errorf("openCommand(%q) = %q, want %q", tt.goos, name, tt.wantName)
		}
	}
}

func TestOpenRejectsNonHTTPSchemes(t *testing.T) {
	orig := execCommand
	defer func() { execCommand = orig }()
	spawned := false
	execCommand = func(string, ...string) error {
		spawned = true
		return nil
	}

	for _, raw := range []string{
		"javascript:alert(1)",
		"file:///etc/passwd",
		"ftp://host/path",
	} {
		if err := Open(raw); err == nil {
			t.Errorf("Open(%q) accepted", raw)
		}
	}
	if spawned {
		t.Error("a process was spawned for a rejected URL")
	}
}

func TestOpenSanitizesURL(t *testing.T) {
	orig := execCommand
	defer func() { execCommand = orig }()
	var gotArgs []string
	execCommand = func(name string, args ...string) error {
		gotArgs = args
		return nil
	}

	if err := Open("https://21st.dev/preview?id=abc`whoami`"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(gotArgs) == 0 {
		t.Fatal("launcher not invoked")
	}
	if strings.Contains(gotArgs[len(gotArgs)-1], "`") {
		t.Errorf("backtick survived sanitization: %q", gotArgs[len(gotArgs)-1])
	}
}
