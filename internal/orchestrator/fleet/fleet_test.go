package fleet

import (
	"encoding/json"
	"os"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/Taicho/common/fault"
	"github.com/bdobrica/Taicho/common/version"
	"github.com/bdobrica/Taicho/internal/genome"
	"github.com/bdobrica/Taicho/internal/protocol"
)

const masterCommit = "abc123"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func asJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func newTestManager(t *testing.T) (*Manager, *clock) {
	t.Helper()
	m, err := New(Config{DataDir: t.TempDir()},
		version.Fingerprint{GitCommit: masterCommit, GitBranch: "main"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ck := &clock{t: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	m.now = ck.now
	return m, ck
}

func registerSlave(t *testing.T, m *Manager, id, deviceType string, maxAgents int) {
	t.Helper()
	_, err := m.Register(protocol.RegisterRequest{
		SlaveID:    id,
		Host:       id + ".local",
		Port:       8081,
		DeviceType: deviceType,
		Resources:  protocol.Resources{CPUCores: 4, MemoryGB: 8, MaxAgents: maxAgents},
		Version:    version.Fingerprint{GitCommit: masterCommit, GitBranch: "main"},
	})
	if err != nil {
		t.Fatalf("Register %s: %v", id, err)
	}
}

func heartbeat(t *testing.T, m *Manager, slaveID string, agents map[string]protocol.AgentReport) {
	t.Helper()
	err := m.Heartbeat(slaveID, protocol.HeartbeatRequest{
		AgentsStatus:   agents,
		ResourcesUsage: protocol.Usage{AgentsCount: len(agents)},
		Version:        version.Fingerprint{GitCommit: masterCommit, GitBranch: "main"},
	})
	if err != nil {
		t.Fatalf("Heartbeat %s: %v", slaveID, err)
	}
}

func TestRegisterIdempotentSameEndpoint(t *testing.T) {
	m, _ := newTestManager(t)
	registerSlave(t, m, "raspi-001", DeviceSingleBoard, 8)
	registerSlave(t, m, "raspi-001", DeviceSingleBoard, 8)

	if got := len(m.Slaves()); got != 1 {
		t.Fatalf("registry has %d slaves, want 1", got)
	}
}

func TestRegisterConflictOnDifferentEndpoint(t *testing.T) {
	m, _ := newTestManager(t)
	registerSlave(t, m, "raspi-001", DeviceSingleBoard, 8)

	_, err := m.Register(protocol.RegisterRequest{
		SlaveID:    "raspi-001",
		Host:       "other.local",
		Port:       9999,
		DeviceType: DeviceSingleBoard,
		Resources:  protocol.Resources{MaxAgents: 8},
	})
	if !fault.IsKind(err, fault.Conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestRegisterRejectsMissingFields(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Register(protocol.RegisterRequest{Host: "x", Port: 1})
	if !fault.IsKind(err, fault.BadRequest) {
		t.Fatalf("expected bad_request for missing slave_id, got %v", err)
	}
	_, err = m.Register(protocol.RegisterRequest{SlaveID: "s", Host: "x", Port: 1})
	if !fault.IsKind(err, fault.BadRequest) {
		t.Fatalf("expected bad_request for missing max_agents, got %v", err)
	}
}

func TestDeployDrainAckRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)
	registerSlave(t, m, "raspi-001", DeviceSingleBoard, 8)

	g, err := genome.FromDocument([]byte(`{"prompt":"x","hash":"h1"}`))
	if err != nil {
		t.Fatalf("genome: %v", err)
	}
	a, err := m.Deploy(g)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if a.SlaveID != "raspi-001" || a.Status != AgentPendingDeploy {
		t.Fatalf("agent = %+v, want pending_deploy on raspi-001", a)
	}

	cmds, err := m.Drain("raspi-001")
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("drained %d commands, want 1", len(cmds))
	}
	cmd := cmds[0]
	if cmd.Type != protocol.CommandDeployAgent || cmd.Payload.AgentID != a.ID {
		t.Errorf("command = %+v, want deploy for %s", cmd, a.ID)
	}
	if cmd.Payload.Genome == nil || cmd.Payload.Genome.Hash != "h1" {
		t.Errorf("command genome hash = %v, want h1", cmd.Payload.Genome)
	}
	if cmd.DeliveredAt == nil {
		t.Error("drained command must carry delivered_at")
	}

	// Second drain is empty: delivery removed the command from pending.
	cmds, err = m.Drain("raspi-001")
	if err != nil {
		t.Fatalf("second Drain: %v", err)
	}
	if len(cmds) != 0 {
		t.Fatalf("second drain returned %d commands, want 0", len(cmds))
	}

	// The slave reports the agent running: it becomes active and the
	// inflight command is acknowledged.
	heartbeat(t, m, "raspi-001", map[string]protocol.AgentReport{
		a.ID: {Status: "running", GenomeHash: "h1"},
	})
	got, err := m.Agent(a.ID)
	if err != nil {
		t.Fatalf("Agent: %v", err)
	}
	if got.Status != AgentActive {
		t.Errorf("agent status = %s, want active", got.Status)
	}
	if depths := m.QueueDepths(); depths["raspi-001"] != [2]int{0, 0} {
		t.Errorf("queue depths = %v, want empty", depths["raspi-001"])
	}
}

func TestDrainUnknownSlave(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Drain("ghost"); !fault.IsKind(err, fault.NotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestCapacityCeilingSingleBoard(t *testing.T) {
	m, _ := newTestManager(t)
	registerSlave(t, m, "raspi-001", DeviceSingleBoard, 2)

	for i := 0; i < 2; i++ {
		if _, err := m.Deploy(genome.New([]byte(`{"p":1}`))); err != nil {
			t.Fatalf("deploy %d: %v", i, err)
		}
	}
	_, err := m.Deploy(genome.New([]byte(`{"p":1}`)))
	if !fault.IsKind(err, fault.NoCapacity) {
		t.Fatalf("expected no_capacity at ceiling, got %v", err)
	}
}

func TestOverbookingRaisesCeiling(t *testing.T) {
	m, _ := newTestManager(t)
	registerSlave(t, m, "desk-001", DeviceDesktop, 2)

	// desktop factor 1.5 over max_agents 2 gives a ceiling of 3.
	for i := 0; i < 3; i++ {
		if _, err := m.Deploy(genome.New([]byte(`{"p":1}`))); err != nil {
			t.Fatalf("deploy %d: %v", i, err)
		}
	}
	_, err := m.Deploy(genome.New([]byte(`{"p":1}`)))
	if !fault.IsKind(err, fault.NoCapacity) {
		t.Fatalf("expected no_capacity above overbooked ceiling, got %v", err)
	}
}

func TestConcurrentDeploysRespectCeiling(t *testing.T) {
	m, _ := newTestManager(t)
	registerSlave(t, m, "raspi-001", DeviceSingleBoard, 5)

	var wg sync.WaitGroup
	errs := make([]error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Deploy(genome.New([]byte(`{"p":1}`)))
		}(i)
	}
	wg.Wait()

	placed := 0
	for _, err := range errs {
		if err == nil {
			placed++
		} else if !fault.IsKind(err, fault.NoCapacity) {
			t.Fatalf("unexpected deploy error: %v", err)
		}
	}
	if placed != 5 {
		t.Fatalf("placed %d agents, ceiling is 5", placed)
	}
}

func TestVersionMismatchRefusesPlacement(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Register(protocol.RegisterRequest{
		SlaveID:    "stale-001",
		Host:       "stale.local",
		Port:       8081,
		DeviceType: DeviceServer,
		Resources:  protocol.Resources{MaxAgents: 10},
		Version:    version.Fingerprint{GitCommit: "def456"},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	s, _ := m.Slave("stale-001")
	if s.Status != SlaveVersionMismatch {
		t.Fatalf("status = %s, want version_mismatch", s.Status)
	}
	if _, err := m.Deploy(genome.New([]byte(`{"p":1}`))); !fault.IsKind(err, fault.NoCapacity) {
		t.Fatalf("mismatched slave must not receive agents, got %v", err)
	}

	// The slave upgrades and heartbeats with the matching commit.
	heartbeat(t, m, "stale-001", nil)
	s, _ = m.Slave("stale-001")
	if s.Status != SlaveOnline {
		t.Fatalf("status after matching heartbeat = %s, want online", s.Status)
	}
	if _, err := m.Deploy(genome.New([]byte(`{"p":1}`))); err != nil {
		t.Fatalf("deploy after upgrade: %v", err)
	}
}

func TestDestroyLifecycle(t *testing.T) {
	m, _ := newTestManager(t)
	registerSlave(t, m, "raspi-001", DeviceSingleBoard, 8)
	a, err := m.Deploy(genome.New([]byte(`{"p":1}`)))
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	heartbeat(t, m, "raspi-001", map[string]protocol.AgentReport{a.ID: {Status: "running"}})

	if err := m.Destroy(a.ID); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	got, _ := m.Agent(a.ID)
	if got.Status != AgentPendingDestroy {
		t.Fatalf("status = %s, want pending_destroy", got.Status)
	}

	// The agent disappears from the next report: the pool entry is removed.
	heartbeat(t, m, "raspi-001", nil)
	if _, err := m.Agent(a.ID); !fault.IsKind(err, fault.NotFound) {
		t.Fatalf("destroyed agent should be gone, got %v", err)
	}
}

func TestDestroyUnknownAgent(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.Destroy("nope"); !fault.IsKind(err, fault.NotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestUpdateGenomeLifecycle(t *testing.T) {
	m, _ := newTestManager(t)
	registerSlave(t, m, "raspi-001", DeviceSingleBoard, 8)
	a, err := m.Deploy(genome.New([]byte(`{"p":1}`)))
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	heartbeat(t, m, "raspi-001", map[string]protocol.AgentReport{a.ID: {Status: "running"}})
	if _, err := m.Drain("raspi-001"); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	g2, _ := genome.FromDocument([]byte(`{"prompt":"y","hash":"h2"}`))
	if err := m.UpdateGenome(a.ID, g2); err != nil {
		t.Fatalf("UpdateGenome: %v", err)
	}
	cmds, err := m.Drain("raspi-001")
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(cmds) != 1 || cmds[0].Type != protocol.CommandUpdateGenome {
		t.Fatalf("commands = %+v, want one update_genome", cmds)
	}
	if cmds[0].Payload.Genome.Hash != "h2" {
		t.Errorf("update carries hash %q, want h2", cmds[0].Payload.Genome.Hash)
	}

	// Reporting the old hash keeps the agent pending.
	heartbeat(t, m, "raspi-001", map[string]protocol.AgentReport{a.ID: {Status: "running", GenomeHash: a.Genome.Hash}})
	got, _ := m.Agent(a.ID)
	if got.Status != AgentPendingUpdate {
		t.Fatalf("status with stale hash = %s, want pending_update", got.Status)
	}

	// The new hash confirms the update.
	heartbeat(t, m, "raspi-001", map[string]protocol.AgentReport{a.ID: {Status: "running", GenomeHash: "h2"}})
	got, _ = m.Agent(a.ID)
	if got.Status != AgentActive {
		t.Fatalf("status after update = %s, want active", got.Status)
	}
}

func TestStrayAgentGetsDestroyCommand(t *testing.T) {
	m, _ := newTestManager(t)
	registerSlave(t, m, "raspi-001", DeviceSingleBoard, 8)

	heartbeat(t, m, "raspi-001", map[string]protocol.AgentReport{
		"never-placed": {Status: "running"},
	})
	cmds, err := m.Drain("raspi-001")
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(cmds) != 1 || cmds[0].Type != protocol.CommandDestroyAgent || cmds[0].Payload.AgentID != "never-placed" {
		t.Fatalf("commands = %+v, want destroy for never-placed", cmds)
	}
}

func TestLivenessExpiryOrphansAndRecovers(t *testing.T) {
	m, ck := newTestManager(t)
	registerSlave(t, m, "raspi-001", DeviceSingleBoard, 8)
	registerSlave(t, m, "raspi-002", DeviceSingleBoard, 4)

	// Fill raspi-002 below raspi-001's headroom so placement lands on 001.
	a, err := m.Deploy(genome.New([]byte(`{"p":1}`)))
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if a.SlaveID != "raspi-001" {
		t.Fatalf("placed on %s, headroom should favor raspi-001", a.SlaveID)
	}
	heartbeat(t, m, "raspi-001", map[string]protocol.AgentReport{a.ID: {Status: "running"}})

	// raspi-001 goes silent past the liveness window; raspi-002 keeps
	// heartbeating.
	ck.advance(91 * time.Second)
	heartbeat(t, m, "raspi-002", nil)

	expired := m.ExpireLiveness()
	if !reflect.DeepEqual(expired, []string{"raspi-001"}) {
		t.Fatalf("expired = %v, want [raspi-001]", expired)
	}
	s, _ := m.Slave("raspi-001")
	if s.Status != SlaveOffline || s.WentOfflineAt == nil {
		t.Fatalf("slave = %+v, want offline with timestamp", s)
	}
	got, _ := m.Agent(a.ID)
	if got.Status != AgentOrphaned {
		t.Fatalf("agent status = %s, want orphaned", got.Status)
	}

	recovered := m.RecoverOrphans()
	if !reflect.DeepEqual(recovered, []string{a.ID}) {
		t.Fatalf("recovered = %v, want [%s]", recovered, a.ID)
	}
	got, _ = m.Agent(a.ID)
	if got.SlaveID != "raspi-002" || got.Status != AgentPendingDeploy {
		t.Fatalf("recovered agent = %+v, want pending_deploy on raspi-002", got)
	}
	if got.Genome.Hash != a.Genome.Hash {
		t.Error("recovery must preserve the genome")
	}
	cmds, err := m.Drain("raspi-002")
	if err != nil {
		t.Fatalf("Drain raspi-002: %v", err)
	}
	if len(cmds) != 1 || cmds[0].Type != protocol.CommandDeployAgent || cmds[0].Payload.AgentID != a.ID {
		t.Fatalf("commands = %+v, want re-deploy of %s", cmds, a.ID)
	}
}

func TestRecoveryWaitsForCapacity(t *testing.T) {
	m, ck := newTestManager(t)
	registerSlave(t, m, "raspi-001", DeviceSingleBoard, 1)
	a, err := m.Deploy(genome.New([]byte(`{"p":1}`)))
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	heartbeat(t, m, "raspi-001", map[string]protocol.AgentReport{a.ID: {Status: "running"}})

	ck.advance(2 * time.Minute)
	m.ExpireLiveness()

	if recovered := m.RecoverOrphans(); recovered != nil {
		t.Fatalf("recovered = %v, want none while no slave is online", recovered)
	}
	got, _ := m.Agent(a.ID)
	if got.Status != AgentOrphaned {
		t.Fatalf("status = %s, want still orphaned", got.Status)
	}
}

func TestRedeliverySweepRequeuesThenFails(t *testing.T) {
	m, ck := newTestManager(t)
	registerSlave(t, m, "raspi-001", DeviceSingleBoard, 8)
	a, err := m.Deploy(genome.New([]byte(`{"p":1}`)))
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	var cmdID string
	for i := 0; i <= m.cfg.MaxRedeliveries; i++ {
		cmds, err := m.Drain("raspi-001")
		if err != nil {
			t.Fatalf("Drain %d: %v", i, err)
		}
		if len(cmds) != 1 {
			t.Fatalf("drain %d returned %d commands, want 1", i, len(cmds))
		}
		cmdID = cmds[0].CommandID

		ck.advance(m.cfg.CommandGrace + time.Second)
		requeued, failed := m.RedeliverySweep()
		if i < m.cfg.MaxRedeliveries {
			if !reflect.DeepEqual(requeued, []string{cmdID}) || failed != nil {
				t.Fatalf("sweep %d: requeued=%v failed=%v, want requeue of %s", i, requeued, failed, cmdID)
			}
		} else {
			if requeued != nil || !reflect.DeepEqual(failed, []string{cmdID}) {
				t.Fatalf("final sweep: requeued=%v failed=%v, want failure of %s", requeued, failed, cmdID)
			}
		}
	}

	got, _ := m.Agent(a.ID)
	if got.Status != AgentOrphaned {
		t.Fatalf("agent after exhausted redeliveries = %s, want orphaned", got.Status)
	}
	if depths := m.QueueDepths(); depths["raspi-001"] != [2]int{0, 0} {
		t.Errorf("queue depths = %v, want empty after abandonment", depths["raspi-001"])
	}
}

func TestUnregisterDropsQueueAndOrphans(t *testing.T) {
	m, _ := newTestManager(t)
	registerSlave(t, m, "raspi-001", DeviceSingleBoard, 8)
	a, err := m.Deploy(genome.New([]byte(`{"p":1}`)))
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	if err := m.Unregister("raspi-001"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if _, err := m.Slave("raspi-001"); !fault.IsKind(err, fault.NotFound) {
		t.Fatalf("slave should be gone, got %v", err)
	}
	if _, err := m.Drain("raspi-001"); !fault.IsKind(err, fault.NotFound) {
		t.Fatalf("drain after unregister should be not_found, got %v", err)
	}
	got, _ := m.Agent(a.ID)
	if got.Status != AgentOrphaned {
		t.Fatalf("agent status = %s, want orphaned", got.Status)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fp := version.Fingerprint{GitCommit: masterCommit, GitBranch: "main"}
	m, err := New(Config{DataDir: dir}, fp, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	registerSlave(t, m, "raspi-001", DeviceSingleBoard, 8)
	registerSlave(t, m, "desk-001", DeviceDesktop, 4)
	a, err := m.Deploy(genome.New([]byte(`{"p":1}`)))
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if err := m.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	restored, err := New(Config{DataDir: dir}, fp, nil)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	// Compare JSON renderings: in-memory timestamps carry monotonic clock
	// readings the snapshot cannot.
	if asJSON(t, restored.Slaves()) != asJSON(t, m.Slaves()) {
		t.Error("restored registry differs from original")
	}
	if asJSON(t, restored.Agents()) != asJSON(t, m.Agents()) {
		t.Error("restored agent pool differs from original")
	}
	cmds, err := restored.PendingCommands(a.SlaveID)
	if err != nil {
		t.Fatalf("PendingCommands: %v", err)
	}
	orig, _ := m.PendingCommands(a.SlaveID)
	if asJSON(t, cmds) != asJSON(t, orig) {
		t.Errorf("restored queue = %+v, want %+v", cmds, orig)
	}

	// Persisting unchanged state rewrites byte-identical snapshots.
	before, err := os.ReadFile(m.slavesPath())
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if err := restored.Persist(); err != nil {
		t.Fatalf("re-Persist: %v", err)
	}
	after, err := os.ReadFile(m.slavesPath())
	if err != nil {
		t.Fatalf("re-read snapshot: %v", err)
	}
	if string(before) != string(after) {
		t.Error("unchanged state produced a different snapshot")
	}
}
