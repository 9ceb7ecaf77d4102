// Package version produces the version fingerprint exchanged between the
// orchestrator and its slaves. The master flags slaves whose git commit
// differs from its own, so both sides must capture the fingerprint the same
// way.
package version

import (
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"time"
)

var (
	// Version is the semantic version (set via ldflags).
	Version = "v0.0.0-dev"

	// GitCommit is the git commit hash (set via ldflags).
	GitCommit = "unknown"

	// GitBranch is the git branch name (set via ldflags).
	GitBranch = "unknown"
)

// Fingerprint identifies the code a process is running.
type Fingerprint struct {
	GitBranch      string `json:"git_branch"`
	GitCommit      string `json:"git_commit"`
	RuntimeVersion string `json:"runtime_version"`
}

// Current returns the fingerprint baked in at build time.
func Current() Fingerprint {
	return Fingerprint{
		GitBranch:      GitBranch,
		GitCommit:      GitCommit,
		RuntimeVersion: Version,
	}
}

// captureTimeout bounds the git subprocess calls in Capture.
const captureTimeout = 5 * time.Second

// Capture returns the best available fingerprint: the build-time values when
// set, otherwise the current git branch and commit read from the working tree.
// Used by dev builds where ldflags are not injected.
func Capture(ctx context.Context) Fingerprint {
	fp := Current()
	if fp.GitCommit != "unknown" && fp.GitCommit != "" {
		return fp
	}

	ctx, cancel := context.WithTimeout(ctx, captureTimeout)
	defer cancel()

	if out, err := exec.CommandContext(ctx, "git", "rev-parse", "--short", "HEAD").Output(); err == nil {
		fp.GitCommit = strings.TrimSpace(string(out))
	}
	if out, err := exec.CommandContext(ctx, "git", "rev-parse", "--abbrev-ref", "HEAD").Output(); err == nil {
		fp.GitBranch = strings.TrimSpace(string(out))
	}
	return fp
}

// CommitMatches reports whether two fingerprints refer to the same commit.
// Unknown commits on either side never count as a mismatch, so dev builds
// without git metadata are not refused dispatch.
func (f Fingerprint) CommitMatches(other Fingerprint) bool {
	if f.GitCommit == "" || f.GitCommit == "unknown" {
		return true
	}
	if other.GitCommit == "" || other.GitCommit == "unknown" {
		return true
	}
	return f.GitCommit == other.GitCommit
}

// Info returns a formatted one-line version string.
func Info() string {
	return Version + " (" + GitCommit + "@" + GitBranch + ")"
}

// JSON renders the fingerprint as the small JSON document consumed by both
// sides of the control plane.
func (f Fingerprint) JSON() []byte {
	b, _ := json.Marshal(f)
	return b
}
