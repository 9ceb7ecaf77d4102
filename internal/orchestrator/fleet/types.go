// Package fleet holds the orchestrator's authoritative view of the cluster:
// the slave registry, the agent pool with its placements, and the per-slave
// command queues. All of it lives behind one mutex and is snapshotted to JSON
// on every mutation, so a restarted master resumes exactly where it stopped.
package fleet

import (
	"fmt"
	"time"

	"github.com/bdobrica/Taicho/common/version"
	"github.com/bdobrica/Taicho/internal/genome"
	"github.com/bdobrica/Taicho/internal/protocol"
)

// SlaveStatus is the master's view of a worker node.
type SlaveStatus string

const (
	SlaveUnknown         SlaveStatus = "unknown"
	SlaveOnline          SlaveStatus = "online"
	SlaveDegraded        SlaveStatus = "degraded"
	SlaveVersionMismatch SlaveStatus = "version_mismatch"
	SlaveOffline         SlaveStatus = "offline"
)

// Device types recognized for overbooking.
const (
	DeviceSingleBoard = "single_board"
	DeviceDesktop     = "desktop"
	DeviceServer      = "server"
)

// Install methods a slave may have been provisioned with. Advisory only.
const (
	InstallContainer       = "container"
	InstallIsolatedRuntime = "isolated_runtime"
	InstallNative          = "native"
	InstallUnknown         = "unknown"
)

// DefaultOverbooking maps device types to placement multipliers. Hosted
// agents are I/O-bound, so larger machines take more logical agents than
// physical cores.
var DefaultOverbooking = map[string]float64{
	DeviceSingleBoard: 1.0,
	DeviceDesktop:     1.5,
	DeviceServer:      2.0,
}

// Capabilities merges the resources and capabilities a slave declared at
// registration.
type Capabilities struct {
	CPUCores     int      `json:"cpu_cores"`
	MemoryGB     float64  `json:"memory_gb"`
	MaxAgents    int      `json:"max_agents"`
	GPUPresent   bool     `json:"gpu_present"`
	LLMProviders []string `json:"llm_providers,omitempty"`
}

// Slave is a registered worker node.
type Slave struct {
	ID            string              `json:"slave_id"`
	Host          string              `json:"host"`
	Port          int                 `json:"port"`
	DeviceType    string              `json:"device_type"`
	Capabilities  Capabilities        `json:"capabilities"`
	Version       version.Fingerprint `json:"version"`
	Status        SlaveStatus         `json:"status"`
	LastSeenAt    time.Time           `json:"last_seen_at"`
	WentOfflineAt *time.Time          `json:"went_offline_at,omitempty"`
	InstallMethod string              `json:"install_method"`
	SecretRef     string              `json:"secret_ref,omitempty"`
	Usage         protocol.Usage      `json:"usage"`
	RegisteredAt  time.Time           `json:"registered_at"`
}

// Endpoint returns the slave's base URL.
func (s *Slave) Endpoint() string {
	return fmt.Sprintf("http://%s:%d", s.Host, s.Port)
}

func (s *Slave) clone() *Slave {
	cp := *s
	if s.WentOfflineAt != nil {
		t := *s.WentOfflineAt
		cp.WentOfflineAt = &t
	}
	if s.Capabilities.LLMProviders != nil {
		cp.Capabilities.LLMProviders = append([]string(nil), s.Capabilities.LLMProviders...)
	}
	return &cp
}

// AgentStatus is the master's view of a hosted agent.
type AgentStatus string

const (
	AgentPendingDeploy  AgentStatus = "pending_deploy"
	AgentActive         AgentStatus = "active"
	AgentPendingUpdate  AgentStatus = "pending_update"
	AgentPendingDestroy AgentStatus = "pending_destroy"
	AgentOrphaned       AgentStatus = "orphaned"
)

// Agent is a logical hosted agent placed on exactly one slave.
type Agent struct {
	ID        string        `json:"agent_id"`
	Genome    genome.Genome `json:"genome"`
	SlaveID   string        `json:"slave_id"`
	PlacedAt  time.Time     `json:"placed_at"`
	Status    AgentStatus   `json:"status"`
	UpdatedAt time.Time     `json:"updated_at"`
}

func (a *Agent) clone() *Agent {
	cp := *a
	if a.Genome.Blob != nil {
		cp.Genome.Blob = append([]byte(nil), a.Genome.Blob...)
	}
	return &cp
}

// pending reports whether the agent still occupies (or is about to occupy)
// a slot on its slave.
func (a *Agent) pending() bool {
	switch a.Status {
	case AgentPendingDeploy, AgentActive, AgentPendingUpdate, AgentPendingDestroy:
		return true
	}
	return false
}

// queuedCommand is a protocol command plus queue bookkeeping.
type queuedCommand struct {
	protocol.Command
	Redeliveries int `json:"redeliveries"`
}

// commandQueue is one slave's FIFO of directives. Pending commands have not
// been drained yet; inflight commands were delivered and await the state
// change that acknowledges them.
type commandQueue struct {
	Pending  []*queuedCommand `json:"pending"`
	Inflight []*queuedCommand `json:"inflight"`
}
