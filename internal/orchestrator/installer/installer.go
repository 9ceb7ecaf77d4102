package installer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/Taicho/common/fault"
	"github.com/bdobrica/Taicho/internal/orchestrator/humanreq"
)

// Options tunes the installation state machine.
type Options struct {
	// RepoURL and Branch identify the code to install on the target.
	RepoURL string
	Branch  string
	// InstallDir is where the repo is cloned on the target host.
	InstallDir string
	// StrategyRetries is how often each available strategy is retried
	// before the ladder moves on.
	StrategyRetries int
	// HealthWindow is how long a freshly launched runtime gets to report
	// healthy before the attempt counts as failed.
	HealthWindow time.Duration
	// HealthPoll is the interval between health probes inside the window.
	HealthPoll time.Duration
	// CommandTimeout bounds each remote shell command.
	CommandTimeout time.Duration
	// EscalatePriority is the priority of the human request raised when
	// every strategy fails.
	EscalatePriority int
	// Strategies overrides the default ladder. Mostly for tests.
	Strategies []Strategy
}

func (o Options) withDefaults() Options {
	if o.Branch == "" {
		o.Branch = "main"
	}
	if o.InstallDir == "" {
		o.InstallDir = "/opt/taicho"
	}
	if o.StrategyRetries <= 0 {
		o.StrategyRetries = 3
	}
	if o.HealthWindow <= 0 {
		o.HealthWindow = 30 * time.Second
	}
	if o.HealthPoll <= 0 {
		o.HealthPoll = 2 * time.Second
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 5 * time.Minute
	}
	if o.EscalatePriority <= 0 {
		o.EscalatePriority = 8
	}
	if o.Strategies == nil {
		o.Strategies = defaultStrategies(o.RepoURL, o.Branch, o.InstallDir)
	}
	return o
}

// Strategy is one rung of the installation ladder.
type Strategy struct {
	// Name is one of the strategy constants.
	Name string
	// Detect must exit 0 for the strategy to be considered available.
	Detect string
	// Steps are the install and launch commands, run in order.
	Steps []string
}

func defaultStrategies(repoURL, branch, dir string) []Strategy {
	return []Strategy{
		{
			Name:   StrategyContainer,
			Detect: "docker info >/dev/null 2>&1",
			Steps: []string{
				fmt.Sprintf("cd %q && docker compose up -d --build slave", dir),
			},
		},
		{
			Name:   StrategyIsolatedRuntime,
			Detect: "command -v python3 >/dev/null 2>&1",
			Steps: []string{
				fmt.Sprintf("cd %q && python3 -m venv .venv && .venv/bin/pip install -q -r requirements.txt", dir),
				fmt.Sprintf("cd %q && nohup .venv/bin/python -m taicho_slave >/dev/null 2>&1 &", dir),
			},
		},
		{
			Name:   StrategyNative,
			Detect: "true",
			Steps: []string{
				fmt.Sprintf("cd %q && ./scripts/install.sh", dir),
				fmt.Sprintf("cd %q && nohup ./taicho slave >/dev/null 2>&1 &", dir),
			},
		},
	}
}

// Escalator raises a human request when automation gives up. Satisfied by
// *humanreq.Store.
type Escalator interface {
	Create(in humanreq.CreateRequest) (*humanreq.Request, error)
}

// Installer runs the installation state machine against remote hosts.
type Installer struct {
	store *RunStore
	esc   Escalator
	opts  Options
	dial  func(host string, port int) Executor
}

// New builds an Installer. The token authenticates against the target's
// bootstrap execute endpoint.
func New(store *RunStore, esc Escalator, token string, opts Options) *Installer {
	return &Installer{
		store: store,
		esc:   esc,
		opts:  opts.withDefaults(),
		dial: func(host string, port int) Executor {
			return NewBootstrap(host, port, token)
		},
	}
}

// Store exposes the run store for read endpoints.
func (ins *Installer) Store() *RunStore {
	return ins.store
}

// Install executes the full state machine against one host: connectivity,
// prerequisites, clone, then the strategy ladder. The returned run carries
// the complete structured log; the error (if any) carries the failure stage
// as its fault kind.
func (ins *Installer) Install(ctx context.Context, runID, host string, port int, credentialsRef string) (*Run, error) {
	run, err := ins.store.Create(runID, host, port, credentialsRef)
	if err != nil {
		return nil, err
	}
	exec := ins.dial(host, port)
	slog.Info("installation started", "run_id", run.ID, "host", host, "port", port)

	// Connectivity: the bootstrap channel must answer at all.
	if ok := ins.step(ctx, run, exec, "", "echo taicho-bootstrap", "connectivity check"); !ok {
		ins.finish(run, RunFailedConnectivity, "bootstrap endpoint unreachable")
		return ins.reload(run), fault.New(fault.InstallerConnectivity,
			"host %s:%d: bootstrap endpoint unreachable", host, port)
	}

	// Prerequisites for every strategy. A missing tool gets one best-effort
	// install attempt before the run is handed to a human. python3 only backs
	// the isolated_runtime rung, so its absence narrows the ladder instead of
	// failing the run.
	prereqs := []struct {
		check, install string
		required       bool
	}{
		{"command -v git", "apt-get install -y git || yum install -y git || apk add git", true},
		{"command -v python3", "apt-get install -y python3 || yum install -y python3 || apk add python3", false},
		{"command -v sh", "", true},
	}
	for _, p := range prereqs {
		if ok := ins.step(ctx, run, exec, "", p.check, "prerequisite check"); ok {
			continue
		}
		if p.install != "" {
			ins.step(ctx, run, exec, "", p.install, "prerequisite install")
			if ok := ins.step(ctx, run, exec, "", p.check, "prerequisite re-check"); ok {
				continue
			}
		}
		if !p.required {
			ins.log(run, "", fmt.Sprintf("optional prerequisite missing: %s", p.check))
			continue
		}
		ins.handoff(run, RunFailedPrereq,
			fmt.Sprintf("prerequisite failed: %s", p.check),
			fmt.Sprintf("prerequisite %q failed", p.check))
		return ins.reload(run), fault.New(fault.InstallerPrereq,
			"host %s: prerequisite failed: %s", host, p.check)
	}

	// Fetch the code.
	clone := fmt.Sprintf("rm -rf %q && git clone --depth 1 --branch %s %q %q",
		ins.opts.InstallDir, ins.opts.Branch, ins.opts.RepoURL, ins.opts.InstallDir)
	if ok := ins.step(ctx, run, exec, "", clone, "clone repository"); !ok {
		ins.handoff(run, RunFailedClone, "git clone failed", "repository clone failed")
		return ins.reload(run), fault.New(fault.InstallerClone, "host %s: git clone failed", host)
	}

	// Walk the strategy ladder.
	for _, strat := range ins.opts.Strategies {
		if ok := ins.step(ctx, run, exec, strat.Name, strat.Detect, "strategy detection"); !ok {
			ins.log(run, strat.Name, fmt.Sprintf("strategy %s unavailable, skipping", strat.Name))
			continue
		}
		for attempt := 1; attempt <= ins.opts.StrategyRetries; attempt++ {
			if ctx.Err() != nil {
				ins.finish(run, RunFailedAllStrategies, "installation cancelled")
				return ins.reload(run), fault.Wrap(fault.InstallerStrategy, ctx.Err(), "installation cancelled")
			}
			ins.log(run, strat.Name, fmt.Sprintf("attempt %d/%d", attempt, ins.opts.StrategyRetries))
			started := time.Now()
			if !ins.runSteps(ctx, run, exec, strat) {
				ins.attempt(run, strat.Name, attempt, AttemptFailed, "install step failed", started)
				continue
			}
			if ins.awaitHealthy(ctx, run, exec, strat.Name) {
				ins.attempt(run, strat.Name, attempt, AttemptSucceeded, "runtime reported healthy", started)
				r, err := ins.store.Complete(run.ID, RunSucceeded, "",
					fmt.Sprintf("installed via %s strategy", strat.Name))
				if err != nil {
					return run, err
				}
				r.Strategy = strat.Name
				if err := ins.store.Save(r); err != nil {
					return r, err
				}
				slog.Info("installation succeeded",
					"run_id", run.ID, "host", host, "strategy", strat.Name)
				return r, nil
			}
			ins.attempt(run, strat.Name, attempt, AttemptFailed,
				"runtime did not report healthy within the startup window", started)
		}
	}

	// Every rung failed: hand the host to a human.
	ins.handoff(run, RunFailedAllStrategies,
		"all installation strategies exhausted", "all installation strategies failed")
	return ins.reload(run), fault.New(fault.InstallerExhausted,
		"host %s: all installation strategies exhausted", host)
}

// step runs one remote command and logs its outcome. Returns true when the
// command ran and exited 0.
func (ins *Installer) step(ctx context.Context, run *Run, exec Executor, strategy, cmd, message string) bool {
	started := time.Now()
	res, err := exec.Execute(ctx, cmd, ins.opts.CommandTimeout)
	entry := LogEntry{
		Strategy:   strategy,
		Command:    cmd,
		Message:    message,
		DurationMS: time.Since(started).Milliseconds(),
	}
	if err != nil {
		entry.ExitCode = -1
		entry.Message = message + ": " + err.Error()
	} else {
		entry.Stdout = res.Stdout
		entry.Stderr = res.Stderr
		entry.ExitCode = res.ExitCode
		if res.DurationMS > 0 {
			entry.DurationMS = res.DurationMS
		}
	}
	if _, aerr := ins.store.Append(run.ID, entry); aerr != nil {
		slog.Error("failed to persist installation log", "run_id", run.ID, "error", aerr)
	}
	return err == nil && res.ExitCode == 0
}

func (ins *Installer) runSteps(ctx context.Context, run *Run, exec Executor, strat Strategy) bool {
	for _, cmd := range strat.Steps {
		if ok := ins.step(ctx, run, exec, strat.Name, cmd, "install step"); !ok {
			return false
		}
	}
	return true
}

// awaitHealthy polls the runtime's health endpoint until it answers ok or
// the startup window closes.
func (ins *Installer) awaitHealthy(ctx context.Context, run *Run, exec Executor, strategy string) bool {
	deadline := time.Now().Add(ins.opts.HealthWindow)
	for {
		h, err := exec.Health(ctx)
		if err == nil && h.Status == "ok" {
			ins.log(run, strategy, "runtime reported healthy")
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(ins.opts.HealthPoll):
		}
	}
}

func (ins *Installer) log(run *Run, strategy, message string) {
	if _, err := ins.store.Append(run.ID, LogEntry{Strategy: strategy, Message: message}); err != nil {
		slog.Error("failed to persist installation log", "run_id", run.ID, "error", err)
	}
}

func (ins *Installer) attempt(run *Run, strategy string, number int, outcome, message string, started time.Time) {
	if _, err := ins.store.RecordAttempt(run.ID, StrategyAttempt{
		Strategy:      strategy,
		AttemptNumber: number,
		Outcome:       outcome,
		Message:       message,
		DurationMS:    time.Since(started).Milliseconds(),
	}); err != nil {
		slog.Error("failed to persist strategy attempt", "run_id", run.ID, "error", err)
	}
}

func (ins *Installer) finish(run *Run, status RunStatus, message string) {
	if _, err := ins.store.Complete(run.ID, status, "", message); err != nil {
		slog.Error("failed to finalize installation run", "run_id", run.ID, "error", err)
	}
	slog.Warn("installation failed", "run_id", run.ID, "host", run.Host, "status", status)
}

// handoff ends the run as escalated with its failure classification and
// raises the matching human request.
func (ins *Installer) handoff(run *Run, failure RunStatus, message, reason string) {
	if _, err := ins.store.Escalate(run.ID, failure, message); err != nil {
		slog.Error("failed to finalize installation run", "run_id", run.ID, "error", err)
	}
	slog.Warn("installation escalated", "run_id", run.ID, "host", run.Host, "failure", failure)
	ins.escalate(run, reason)
}

func (ins *Installer) reload(run *Run) *Run {
	r, err := ins.store.Get(run.ID)
	if err != nil {
		return run
	}
	return r
}

// escalate raises a human request pointing at the run log. Best effort.
func (ins *Installer) escalate(run *Run, reason string) {
	if ins.esc == nil {
		return
	}
	_, err := ins.esc.Create(humanreq.CreateRequest{
		Type:     humanreq.TypeOther,
		Priority: ins.opts.EscalatePriority,
		Title:    fmt.Sprintf("manual installation needed on %s", run.Host),
		Description: fmt.Sprintf(
			"%s for %s:%d; see installation run %s for the full command log",
			reason, run.Host, run.Port, run.ID),
	})
	if err != nil {
		slog.Error("failed to escalate installation failure", "run_id", run.ID, "error", err)
	}
}
