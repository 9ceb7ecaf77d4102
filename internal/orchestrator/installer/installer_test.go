package installer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/Taicho/common/fault"
	"github.com/bdobrica/Taicho/internal/orchestrator/humanreq"
	"github.com/bdobrica/Taicho/internal/protocol"
)

type fakeExec struct {
	mu             sync.Mutex
	calls          []string
	unreachable    bool
	failing        map[string]bool
	failContaining string
	healthy        bool
}

func (f *fakeExec) Execute(ctx context.Context, command string, timeout time.Duration) (*protocol.ExecuteResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, command)
	f.mu.Unlock()
	if f.unreachable {
		return nil, errors.New("connection refused")
	}
	if f.failing[command] || (f.failContaining != "" && strings.Contains(command, f.failContaining)) {
		return &protocol.ExecuteResponse{ExitCode: 1, Stderr: "failed"}, nil
	}
	return &protocol.ExecuteResponse{ExitCode: 0, Stdout: "ok"}, nil
}

func (f *fakeExec) Health(ctx context.Context) (*protocol.SlaveHealthResponse, error) {
	if !f.healthy {
		return nil, errors.New("connection refused")
	}
	return &protocol.SlaveHealthResponse{Status: "ok"}, nil
}

func (f *fakeExec) countCalls(command string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == command {
			n++
		}
	}
	return n
}

type fakeEscalator struct {
	mu       sync.Mutex
	requests []humanreq.CreateRequest
}

func (f *fakeEscalator) Create(in humanreq.CreateRequest) (*humanreq.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, in)
	return &humanreq.Request{ID: int64(len(f.requests))}, nil
}

func testStrategies() []Strategy {
	return []Strategy{
		{Name: StrategyContainer, Detect: "detect-container", Steps: []string{"launch-container"}},
		{Name: StrategyIsolatedRuntime, Detect: "detect-venv", Steps: []string{"launch-venv"}},
		{Name: StrategyNative, Detect: "true", Steps: []string{"launch-native"}},
	}
}

func newTestInstaller(t *testing.T, exec Executor, esc Escalator) *Installer {
	t.Helper()
	store, err := NewRunStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewRunStore: %v", err)
	}
	ins := New(store, esc, "", Options{
		RepoURL:         "https://example.com/taicho.git",
		StrategyRetries: 2,
		HealthWindow:    20 * time.Millisecond,
		HealthPoll:      time.Millisecond,
		CommandTimeout:  time.Second,
		Strategies:      testStrategies(),
	})
	ins.dial = func(string, int) Executor { return exec }
	return ins
}

func TestInstallSucceedsViaFirstStrategy(t *testing.T) {
	exec := &fakeExec{healthy: true}
	ins := newTestInstaller(t, exec, nil)

	run, err := ins.Install(context.Background(), "", "gosuto-7.local", 8081, "")
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if run.Status != RunSucceeded || run.Strategy != StrategyContainer {
		t.Fatalf("run = %s via %q, want succeeded via container", run.Status, run.Strategy)
	}
	if len(run.Log) == 0 {
		t.Error("run log must record the executed commands")
	}
	if exec.countCalls("launch-container") != 1 {
		t.Errorf("launch-container ran %d times, want 1", exec.countCalls("launch-container"))
	}
	if len(run.StrategyAttempts) != 1 {
		t.Fatalf("strategy attempts = %+v, want exactly one", run.StrategyAttempts)
	}
	a := run.StrategyAttempts[0]
	if a.Strategy != StrategyContainer || a.AttemptNumber != 1 || a.Outcome != AttemptSucceeded {
		t.Errorf("attempt = %+v, want container #1 succeeded", a)
	}
	if a.DurationMS < 0 {
		t.Errorf("attempt duration = %d, want >= 0", a.DurationMS)
	}
}

func TestInstallFallsThroughWhenStrategyUnavailable(t *testing.T) {
	exec := &fakeExec{
		healthy: true,
		failing: map[string]bool{"detect-container": true},
	}
	ins := newTestInstaller(t, exec, nil)

	run, err := ins.Install(context.Background(), "", "gosuto-7.local", 8081, "")
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if run.Strategy != StrategyIsolatedRuntime {
		t.Fatalf("strategy = %q, want isolated_runtime", run.Strategy)
	}
	// An unavailable strategy is skipped without burning retries.
	if exec.countCalls("launch-container") != 0 {
		t.Error("unavailable strategy must not launch")
	}
}

func TestInstallConnectivityFailure(t *testing.T) {
	exec := &fakeExec{unreachable: true}
	esc := &fakeEscalator{}
	ins := newTestInstaller(t, exec, esc)

	run, err := ins.Install(context.Background(), "", "dark-host.local", 8081, "")
	if !fault.IsKind(err, fault.InstallerConnectivity) {
		t.Fatalf("err = %v, want installer_connectivity", err)
	}
	if run.Status != RunFailedConnectivity {
		t.Fatalf("status = %s, want failed_connectivity", run.Status)
	}
	if len(esc.requests) != 0 {
		t.Error("connectivity failure must not escalate")
	}
}

func TestInstallPrereqFailureEscalates(t *testing.T) {
	exec := &fakeExec{failing: map[string]bool{"command -v git": true}}
	esc := &fakeEscalator{}
	ins := newTestInstaller(t, exec, esc)

	run, err := ins.Install(context.Background(), "", "bare-host.local", 8081, "")
	if !fault.IsKind(err, fault.InstallerPrereq) {
		t.Fatalf("err = %v, want installer_prereq", err)
	}
	if run.Status != RunEscalated || run.Failure != RunFailedPrereq {
		t.Fatalf("status = %s failure = %s, want escalated/failed_prereq", run.Status, run.Failure)
	}
	if len(esc.requests) != 1 {
		t.Fatalf("escalated %d times, want 1", len(esc.requests))
	}
}

func TestInstallCloneFailureEscalates(t *testing.T) {
	exec := &fakeExec{failContaining: "git clone"}
	esc := &fakeEscalator{}
	ins := newTestInstaller(t, exec, esc)

	run, err := ins.Install(context.Background(), "", "walled-host.local", 8081, "")
	if !fault.IsKind(err, fault.InstallerClone) {
		t.Fatalf("err = %v, want installer_clone", err)
	}
	if run.Status != RunEscalated || run.Failure != RunFailedClone {
		t.Fatalf("status = %s failure = %s, want escalated/failed_clone", run.Status, run.Failure)
	}
	if len(esc.requests) != 1 {
		t.Fatalf("escalated %d times, want 1", len(esc.requests))
	}
}

func TestMissingPythonIsNonFatal(t *testing.T) {
	exec := &fakeExec{healthy: true, failing: map[string]bool{"command -v python3": true}}
	ins := newTestInstaller(t, exec, nil)

	run, err := ins.Install(context.Background(), "", "no-python.local", 8081, "")
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if run.Status != RunSucceeded {
		t.Fatalf("status = %s, want succeeded", run.Status)
	}
	found := false
	for _, e := range run.Log {
		if strings.Contains(e.Message, "optional prerequisite missing") {
			found = true
		}
	}
	if !found {
		t.Error("run log must note the missing optional prerequisite")
	}
}

func TestInstallEscalatesWhenAllStrategiesFail(t *testing.T) {
	exec := &fakeExec{
		healthy: false,
		failing: map[string]bool{
			"launch-container": true,
			"launch-venv":      true,
			// launch-native runs but the runtime never reports healthy.
		},
	}
	esc := &fakeEscalator{}
	ins := newTestInstaller(t, exec, esc)

	run, err := ins.Install(context.Background(), "", "gosuto-7.local", 8081, "")
	if !fault.IsKind(err, fault.InstallerExhausted) {
		t.Fatalf("err = %v, want installer_exhausted", err)
	}
	if run.Status != RunEscalated || run.Failure != RunFailedAllStrategies {
		t.Fatalf("status = %s failure = %s, want escalated/failed_all_strategies", run.Status, run.Failure)
	}

	// Each failing strategy burns its full retry budget.
	if got := exec.countCalls("launch-container"); got != 2 {
		t.Errorf("launch-container ran %d times, want 2", got)
	}
	if got := exec.countCalls("launch-native"); got != 2 {
		t.Errorf("launch-native ran %d times, want 2", got)
	}

	// Three available strategies, two attempts each, none succeeded.
	if len(run.StrategyAttempts) != 6 {
		t.Fatalf("strategy attempts = %d, want 6: %+v", len(run.StrategyAttempts), run.StrategyAttempts)
	}
	for _, a := range run.StrategyAttempts {
		if a.Outcome != AttemptFailed {
			t.Errorf("attempt %+v outcome = %q, want failed", a, a.Outcome)
		}
	}

	if len(esc.requests) != 1 {
		t.Fatalf("escalated %d times, want 1", len(esc.requests))
	}
	req := esc.requests[0]
	if req.Priority < 7 {
		t.Errorf("escalation priority = %d, want >= 7", req.Priority)
	}
	if req.Type != humanreq.TypeOther {
		t.Errorf("escalation type = %q, want other", req.Type)
	}
	if !strings.Contains(req.Title, "gosuto-7.local") {
		t.Errorf("escalation title %q must name the host", req.Title)
	}
	if !strings.Contains(req.Description, run.ID) {
		t.Errorf("escalation description %q must reference run %s", req.Description, run.ID)
	}
}

func TestExternalRunLifecycle(t *testing.T) {
	store, err := NewRunStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewRunStore: %v", err)
	}

	run, err := store.Create("run-7", "self-host.local", 8081, "vault:gosuto-7")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if run.Status != RunPending {
		t.Fatalf("status = %s, want pending", run.Status)
	}

	if _, err := store.Create("run-7", "self-host.local", 8081, ""); !fault.IsKind(err, fault.Conflict) {
		t.Fatalf("duplicate run id: got %v, want conflict", err)
	}

	run, err = store.Append("run-7", LogEntry{Strategy: StrategyNative, Command: "make install", ExitCode: 0, Message: "install step"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if run.Status != RunRunning || len(run.Log) != 1 {
		t.Fatalf("after progress: status=%s log=%d", run.Status, len(run.Log))
	}

	run, err = store.Complete("run-7", RunSucceeded, "gosuto-7", "self install done")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if run.SlaveID != "gosuto-7" || run.FinishedAt == nil {
		t.Fatalf("completed run = %+v", run)
	}

	if _, err := store.Complete("run-7", RunFailedClone, "", ""); !fault.IsKind(err, fault.InvalidStateTransition) {
		t.Fatalf("double complete: got %v, want invalid_state_transition", err)
	}
	if _, err := store.Append("run-7", LogEntry{Message: "late"}); !fault.IsKind(err, fault.InvalidStateTransition) {
		t.Fatalf("append after complete: got %v, want invalid_state_transition", err)
	}

	got, err := store.Get("run-7")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != RunSucceeded || len(got.Log) != 1 {
		t.Fatalf("persisted run = %+v", got)
	}
}
