// Package protocol defines the JSON message types shared between the
// orchestrator facade and the slave runtime. Both sides marshal exactly these
// structs, so a wire change happens in one place.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/bdobrica/Taicho/common/version"
	"github.com/bdobrica/Taicho/internal/genome"
)

// Command types a slave can receive.
const (
	CommandDeployAgent  = "deploy_agent"
	CommandDestroyAgent = "destroy_agent"
	CommandUpdateGenome = "update_genome"
)

// Resources describes a slave's physical capacity, reported at registration.
type Resources struct {
	CPUCores   int     `json:"cpu_cores,omitempty"`
	MemoryGB   float64 `json:"memory_gb,omitempty"`
	MaxAgents  int     `json:"max_agents"`
	GPUPresent bool    `json:"gpu_present,omitempty"`
}

// Capabilities describes what a slave can run.
type Capabilities struct {
	LLMProviders []string `json:"llm_providers,omitempty"`
}

// RegisterRequest is the body of POST /api/slaves/register.
type RegisterRequest struct {
	SlaveID       string              `json:"slave_id"`
	Host          string              `json:"host"`
	Port          int                 `json:"port"`
	DeviceType    string              `json:"device_type"`
	Resources     Resources           `json:"resources"`
	Capabilities  Capabilities        `json:"capabilities"`
	Version       version.Fingerprint `json:"version"`
	InstallMethod string              `json:"install_method,omitempty"`
	SecretRef     string              `json:"secret_ref,omitempty"`
}

// AgentReport is one entry of a heartbeat's agents_status map.
type AgentReport struct {
	Status     string `json:"status"`
	GenomeHash string `json:"genome_hash,omitempty"`
}

// Usage is the resource snapshot a slave attaches to each heartbeat.
type Usage struct {
	CPUPercent    float64 `json:"cpu_percent,omitempty"`
	MemoryPercent float64 `json:"memory_percent,omitempty"`
	AvgLatencyMS  float64 `json:"avg_latency_ms,omitempty"`
	AgentsCount   int     `json:"agents_count"`
}

// HeartbeatRequest is the body of POST /api/slaves/{id}/heartbeat.
type HeartbeatRequest struct {
	AgentsStatus   map[string]AgentReport `json:"agents_status"`
	ResourcesUsage Usage                  `json:"resources_usage"`
	Version        version.Fingerprint    `json:"version"`
}

// CommandPayload carries the subject of a command.
type CommandPayload struct {
	AgentID string         `json:"agent_id"`
	Genome  *genome.Genome `json:"genome,omitempty"`
}

// Command is a queued directive delivered to a slave on its /commands poll.
type Command struct {
	CommandID   string         `json:"command_id"`
	SlaveID     string         `json:"slave_id"`
	Type        string         `json:"type"`
	Payload     CommandPayload `json:"payload"`
	EnqueuedAt  time.Time      `json:"enqueued_at"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty"`
}

// CommandsResponse is the body of GET /api/slaves/{id}/commands.
type CommandsResponse struct {
	Commands []Command `json:"commands"`
	Count    int       `json:"count"`
}

// DeployRequest is the body of POST /api/agents/deploy. The genome document
// is opaque; an embedded "hash" property is honored as the content hash.
type DeployRequest struct {
	Genome json.RawMessage `json:"genome"`
}

// DeployResponse is the 201 body of a successful deploy.
type DeployResponse struct {
	AgentID string `json:"agent_id"`
}

// Placement is one entry of GET /api/agents/placements.
type Placement struct {
	SlaveID  string    `json:"slave_id"`
	PlacedAt time.Time `json:"placed_at"`
}

// SlaveHealthResponse is the body of the slave runtime's GET /health.
type SlaveHealthResponse struct {
	Status              string   `json:"status"`
	RuntimeVersion      string   `json:"runtime_version"`
	GitCommit           string   `json:"git_commit"`
	GitBranch           string   `json:"git_branch"`
	AvailableStrategies []string `json:"available_strategies"`
	AgentsCount         int      `json:"agents_count"`
}

// ExecuteRequest is the body of the slave's trusted POST /execute endpoint,
// used by the remote installer while the slave acts as its own bootstrap.
type ExecuteRequest struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// ExecuteResponse is the result of one remote shell command.
type ExecuteResponse struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
}

// InstallationStartRequest registers a new or externally driven run with the
// orchestrator via POST /api/installation/start.
type InstallationStartRequest struct {
	RunID          string `json:"run_id,omitempty"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	CredentialsRef string `json:"credentials_ref,omitempty"`
}

// InstallationProgressRequest appends one structured log entry to a run via
// POST /api/installation/progress.
type InstallationProgressRequest struct {
	RunID    string `json:"run_id"`
	Strategy string `json:"strategy,omitempty"`
	Command  string `json:"command,omitempty"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	Message  string `json:"message"`
}

// InstallationCompleteRequest finalizes a run via POST /api/installation/complete.
type InstallationCompleteRequest struct {
	RunID            string `json:"run_id"`
	Status           string `json:"status"`
	ResultingSlaveID string `json:"resulting_slave_id,omitempty"`
	Message          string `json:"message,omitempty"`
}

// ErrorResponse is the structured error body every endpoint returns on
// failure: {"error": ..., "kind": ...}.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// ClusterStats is the body of GET /api/cluster/stats.
type ClusterStats struct {
	SlavesTotal         int                `json:"slaves_total"`
	SlavesOnline        int                `json:"slaves_online"`
	SlavesOffline       int                `json:"slaves_offline"`
	SlavesMismatched    int                `json:"slaves_version_mismatch"`
	AgentsTotal         int                `json:"agents_total"`
	AgentsActive        int                `json:"agents_active"`
	AgentsPending       int                `json:"agents_pending"`
	AgentsOrphaned      int                `json:"agents_orphaned"`
	CapacityTotal       int                `json:"capacity_total"`
	CapacityUtilization float64            `json:"capacity_utilization_pct"`
	OverbookingFactors  map[string]float64 `json:"overbooking_factors"`
}

// ComponentStatus is one component entry of the dashboard document.
type ComponentStatus struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Dashboard is the body of GET /api/cluster/dashboard. It always renders,
// marking degraded components instead of failing the endpoint.
type Dashboard struct {
	Stats        ClusterStats               `json:"stats"`
	Components   map[string]ComponentStatus `json:"components"`
	PendingHuman int                        `json:"pending_human_requests"`
	GeneratedAt  time.Time                  `json:"generated_at"`
}

// MasterHealthResponse is the body of the orchestrator's GET /health.
type MasterHealthResponse struct {
	Status       string              `json:"status"`
	SlavesTotal  int                 `json:"slaves_total"`
	SlavesOnline int                 `json:"slaves_online"`
	AgentsActive int                 `json:"agents_active"`
	Version      version.Fingerprint `json:"version"`
}
