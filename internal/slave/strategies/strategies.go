// Package strategies detects which installation strategies this node can
// run, reported through the slave's health endpoint so the remote installer
// can pick its ladder rung without probing blindly.
package strategies

import (
	"context"
	"log/slog"
	"os/exec"
	"time"

	"github.com/docker/docker/client"
)

// Strategy names, ordered by preference.
const (
	Container       = "container"
	IsolatedRuntime = "isolated_runtime"
	Native          = "native"
)

const dockerPingTimeout = 3 * time.Second

// Detector probes the node for available strategies. The probe functions are
// fields so tests can substitute them.
type Detector struct {
	dockerPing func(ctx context.Context) error
	lookPath   func(file string) (string, error)
}

// NewDetector builds a Detector using the Docker daemon socket from the
// environment and the process PATH.
func NewDetector() *Detector {
	return &Detector{
		dockerPing: pingDocker,
		lookPath:   exec.LookPath,
	}
}

// Detect returns the available strategies in preference order. A node with
// no matching toolchain returns an empty slice; the installer escalates.
func (d *Detector) Detect(ctx context.Context) []string {
	var out []string
	if err := d.dockerPing(ctx); err == nil {
		out = append(out, Container)
	} else {
		slog.Debug("docker daemon unavailable", "error", err)
	}
	if _, err := d.lookPath("python3"); err == nil {
		out = append(out, IsolatedRuntime)
	}
	if _, err := d.lookPath("sh"); err == nil {
		out = append(out, Native)
	}
	return out
}

func pingDocker(ctx context.Context) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return err
	}
	defer cli.Close()
	ctx, cancel := context.WithTimeout(ctx, dockerPingTimeout)
	defer cancel()
	_, err = cli.Ping(ctx)
	return err
}
