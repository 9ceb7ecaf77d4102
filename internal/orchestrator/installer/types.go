// Package installer drives remote slave installation over a minimal bootstrap
// channel: a shell-execute endpoint on the target host. It walks a fixed
// ladder of installation strategies and escalates to a human when the ladder
// runs out.
package installer

import "time"

// RunStatus classifies how far an installation run got.
type RunStatus string

const (
	RunPending             RunStatus = "pending"
	RunRunning             RunStatus = "running"
	RunSucceeded           RunStatus = "succeeded"
	RunFailedConnectivity  RunStatus = "failed_connectivity"
	RunFailedPrereq        RunStatus = "failed_prereq"
	RunFailedClone         RunStatus = "failed_clone"
	RunFailedAllStrategies RunStatus = "failed_all_strategies"
	// RunEscalated is the terminal status of runs handed to a human: failed
	// prerequisites, failed clone, or an exhausted strategy ladder.
	RunEscalated RunStatus = "escalated"
)

// Strategy names, tried in this order.
const (
	StrategyContainer       = "container"
	StrategyIsolatedRuntime = "isolated_runtime"
	StrategyNative          = "native"
)

// Attempt outcomes.
const (
	AttemptSucceeded = "succeeded"
	AttemptFailed    = "failed"
)

// LogEntry is one structured record of a remote command or milestone.
type LogEntry struct {
	Timestamp  time.Time `json:"ts"`
	Strategy   string    `json:"strategy,omitempty"`
	Command    string    `json:"command,omitempty"`
	Stdout     string    `json:"stdout,omitempty"`
	Stderr     string    `json:"stderr,omitempty"`
	ExitCode   int       `json:"exit_code,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Message    string    `json:"message"`
}

// StrategyAttempt is one bounded try of a single strategy rung.
type StrategyAttempt struct {
	Strategy      string `json:"strategy"`
	AttemptNumber int    `json:"attempt_number"`
	Outcome       string `json:"outcome"`
	Message       string `json:"message,omitempty"`
	DurationMS    int64  `json:"duration_ms"`
}

// Run is one installation attempt against one host. Failure keeps the error
// classification (failed_prereq, failed_clone, failed_all_strategies) when the
// run ends escalated.
type Run struct {
	ID               string            `json:"run_id"`
	Host             string            `json:"host"`
	Port             int               `json:"port"`
	CredentialsRef   string            `json:"credentials_ref,omitempty"`
	Status           RunStatus         `json:"status"`
	Failure          RunStatus         `json:"failure,omitempty"`
	Strategy         string            `json:"strategy,omitempty"`
	SlaveID          string            `json:"slave_id,omitempty"`
	Message          string            `json:"message,omitempty"`
	StartedAt        time.Time         `json:"started_at"`
	FinishedAt       *time.Time        `json:"finished_at,omitempty"`
	StrategyAttempts []StrategyAttempt `json:"strategy_attempts"`
	Log              []LogEntry        `json:"log"`
}

func (r *Run) clone() *Run {
	cp := *r
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		cp.FinishedAt = &t
	}
	cp.StrategyAttempts = append([]StrategyAttempt(nil), r.StrategyAttempts...)
	cp.Log = append([]LogEntry(nil), r.Log...)
	return &cp
}

// Finished reports whether the run reached a terminal status.
func (r *Run) Finished() bool {
	switch r.Status {
	case RunPending, RunRunning:
		return false
	}
	return true
}
