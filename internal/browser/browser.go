// Package browser opens URLs in the user's default browser. The URL is
// validated and sanitized first, and the platform command is invoked with an
// argument array so the URL never passes through a shell.
package browser

import (
	"fmt"
	"os/exec"
	"runtime"

	"github.com/21st-dev/magic/pkg/shellsafe"
)

// execCommand is swapped in tests.
var execCommand = func(name string, args ...string) error {
	return exec.Command(name, args...).Start()
}

// Open launches the default browser on rawURL. Only http and https URLs are
// accepted; anything else is rejected before any process is spawned.
func Open(rawURL string) error {
	safeURL, err := shellsafe.SanitizeURL(rawURL)
	if err != nil {
		return fmt.Errorf("browser: %w", err)
	}
	name, args := openCommand(runtime.GOOS, safeURL)
	if name == "" {
		return fmt.Errorf("browser: unsupported platform %s", runtime.GOOS)
	}
	if err := execCommand(name, args...); err != nil {
		return fmt.Errorf("browser: launching %s: %w", name, err)
	}
	return nil
}

// openCommand returns the platform launcher and its argument array.
func openCommand(goos, url string) (string, []string) {
	switch goos {
	case "darwin":
		return "open", []string{url}
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", url}
	case "linux":
		return "xdg-open", []string{url}
	default:
		return "", nil
	}
}
