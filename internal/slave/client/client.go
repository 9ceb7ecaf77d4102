// Package client is the slave's view of the orchestrator API. Every call
// goes through the shared robust transport, so registration and heartbeats
// survive a briefly unreachable master.
package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/bdobrica/Taicho/common/transport"
	"github.com/bdobrica/Taicho/internal/protocol"
)

// Client talks to one orchestrator on behalf of one slave.
type Client struct {
	base    string
	slaveID string
	http    *transport.Client
}

// New builds a Client. masterURL is the orchestrator base URL without a
// trailing slash.
func New(masterURL, slaveID, token string) *Client {
	return &Client{
		base:    strings.TrimRight(masterURL, "/"),
		slaveID: slaveID,
		http:    transport.New(transport.Options{Token: token}),
	}
}

// Register announces this slave to the master. Re-registering with the same
// endpoint is idempotent on the master side.
func (c *Client) Register(ctx context.Context, req protocol.RegisterRequest) error {
	return c.http.PostJSON(ctx, c.base+"/api/slaves/register", req, nil)
}

// Heartbeat reports hosted agents and resource usage.
func (c *Client) Heartbeat(ctx context.Context, req protocol.HeartbeatRequest) error {
	url := fmt.Sprintf("%s/api/slaves/%s/heartbeat", c.base, c.slaveID)
	return c.http.PostJSON(ctx, url, req, nil)
}

// PullCommands drains this slave's queue on the master. An empty queue
// returns an empty slice.
func (c *Client) PullCommands(ctx context.Context) ([]protocol.Command, error) {
	url := fmt.Sprintf("%s/api/slaves/%s/commands", c.base, c.slaveID)
	var out protocol.CommandsResponse
	if err := c.http.GetJSON(ctx, url, &out); err != nil {
		return nil, err
	}
	return out.Commands, nil
}

// StartInstallation registers an externally driven installation run, used
// when this node bootstraps itself.
func (c *Client) StartInstallation(ctx context.Context, req protocol.InstallationStartRequest) error {
	return c.http.PostJSON(ctx, c.base+"/api/installation/start", req, nil)
}

// ReportProgress appends one log entry to an installation run.
func (c *Client) ReportProgress(ctx context.Context, req protocol.InstallationProgressRequest) error {
	return c.http.PostJSON(ctx, c.base+"/api/installation/progress", req, nil)
}

// CompleteInstallation finalizes an installation run.
func (c *Client) CompleteInstallation(ctx context.Context, req protocol.InstallationCompleteRequest) error {
	return c.http.PostJSON(ctx, c.base+"/api/installation/complete", req, nil)
}
