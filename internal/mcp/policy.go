package mcp

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Policy is the operator opt-in file controlling behavior that relaxes the
// callback server's defaults. Today that is a single switch: whether a
// trusted-mode request (the mcp=true query flag) may skip session token
// validation. Absent file means everything stays at the strict default.
type Policy struct {
	Version            int  `yaml:"version"`
	AllowTrustedBypass bool `yaml:"allow_trusted_bypass"`
}

// PolicyFileName is the policy file inside the magic directory.
const PolicyFileName = "policy.yaml"

var (
	// ErrPolicyNotFound is returned when no policy file exists.
	ErrPolicyNotFound = errors.New("policy file not found")

	// ErrPolicyInsecure is returned when the policy file permissions are not 0600.
	ErrPolicyInsecure = errors.New("policy file has insecure permissions")

	// ErrPolicySymlink is returned when the policy file is a symlink.
	ErrPolicySymlink = errors.New("policy file is a symlink")

	// ErrPolicyNotOwnedByUser is returned when the policy file belongs to
	// another user.
	ErrPolicyNotOwnedByUser = errors.New("policy file not owned by current user")
)

// LoadPolicy reads dir/policy.yaml. The file is opened with O_NOFOLLOW and
// all checks run against the already-open descriptor, so a swap between
// check and read cannot substitute a different file.
func LoadPolicy(dir string) (*Policy, error) {
	f, err := openPolicyFile(filepath.Join(dir, PolicyFileName))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stating policy file: %w", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		return nil, fmt.Errorf("%w: %o (expected 0600)", ErrPolicyInsecure, perm)
	}
	if err := checkFileOwnership(info); err != nil {
		return nil, err
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}

	var policy Policy
	if err := yaml.Unmarshal(content, &policy); err != nil {
		return nil, fmt.Errorf("parsing policy file: %w", err)
	}
	if policy.Version != 1 {
		return nil, fmt.Errorf("unsupported policy version: %d", policy.Version)
	}
	return &policy, nil
}
