package installer

import (
	"context"
	"fmt"
	"time"

	"github.com/bdobrica/Taicho/common/transport"
	"github.com/bdobrica/Taicho/internal/protocol"
)

// Executor is the minimal bootstrap channel the installer needs on a target
// host: run a shell command, check the runtime's health endpoint.
type Executor interface {
	Execute(ctx context.Context, command string, timeout time.Duration) (*protocol.ExecuteResponse, error)
	Health(ctx context.Context) (*protocol.SlaveHealthResponse, error)
}

// Bootstrap talks to a host's execute endpoint over the shared HTTP client,
// inheriting its retries and circuit breaking.
type Bootstrap struct {
	base   string
	client *transport.Client
}

// NewBootstrap builds an Executor for one host.
func NewBootstrap(host string, port int, token string) *Bootstrap {
	return &Bootstrap{
		base: fmt.Sprintf("http://%s:%d", host, port),
		client: transport.New(transport.Options{
			Token: token,
			// Install commands (clone, build) can be slow; retries stay with
			// the caller's strategy loop.
			Timeout:    5 * time.Minute,
			MaxRetries: transport.NoRetries,
		}),
	}
}

// Execute runs one shell command on the host.
func (b *Bootstrap) Execute(ctx context.Context, command string, timeout time.Duration) (*protocol.ExecuteResponse, error) {
	req := protocol.ExecuteRequest{Command: command}
	if timeout > 0 {
		req.TimeoutSeconds = int(timeout.Seconds())
	}
	var out protocol.ExecuteResponse
	if err := b.client.PostJSON(ctx, b.base+"/execute", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health probes the runtime's health endpoint.
func (b *Bootstrap) Health(ctx context.Context) (*protocol.SlaveHealthResponse, error) {
	var out protocol.SlaveHealthResponse
	if err := b.client.GetJSON(ctx, b.base+"/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}
