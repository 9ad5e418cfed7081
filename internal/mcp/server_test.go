package mcp

import (
	"runtime"
	"testing"

	"github.com/21st-dev/magic/internal/config"
)

func TestNewServerLoadsPolicy(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "version: 1\nallow_trusted_bypass: true\n", 0600)

	s, err := NewServer(&Options{
		Dir:     dir,
		Logger:  testLogger(),
		Version: "test",
		Config:  config.Config{APIBaseURL: "http://127.0.0.1:1"},
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer s.Close()

	if !s.callbackConfig().AllowTrustedBypass {
		t.Error("policy opt-in not wired to callback config")
	}
	if s.history == nil {
		t.Error("history store not opened")
	}
}

func TestNewServerDefaultsToStrictMode(t *testing.T) {
	s, err := NewServer(&Options{
		Dir:     t.TempDir(),
		Logger:  testLogger(),
		Version: "test",
		Config:  config.Config{APIBaseURL: "http://127.0.0.1:1"},
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer s.Close()

	if s.callbackConfig().AllowTrustedBypass {
		t.Error("trusted bypass enabled without a policy file")
	}
}

func TestNewServerRejectedPolicyStaysStrict(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not enforced on windows")
	}
	dir := t.TempDir()
	// World-readable policy must not enable the bypass.
	writePolicy(t, dir, "version: 1\nallow_trusted_bypass: true\n", 0644)

	s, err := NewServer(&Options{
		Dir:     dir,
		Logger:  testLogger(),
		Version: "test",
		Config:  config.Config{APIBaseURL: "http://127.0.0.1:1"},
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer s.Close()

	if s.callbackConfig().AllowTrustedBypass {
		t.Error("insecure policy file honored")
	}
}
