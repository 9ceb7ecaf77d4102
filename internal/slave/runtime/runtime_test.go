package runtime_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/bdobrica/Taicho/common/version"
	"github.com/bdobrica/Taicho/common/yamltypes"
	"github.com/bdobrica/Taicho/internal/genome"
	"github.com/bdobrica/Taicho/internal/orchestrator/events"
	"github.com/bdobrica/Taicho/internal/orchestrator/fleet"
	"github.com/bdobrica/Taicho/internal/orchestrator/httpapi"
	"github.com/bdobrica/Taicho/internal/orchestrator/humanreq"
	"github.com/bdobrica/Taicho/internal/orchestrator/installer"
	"github.com/bdobrica/Taicho/internal/protocol"
	"github.com/bdobrica/Taicho/internal/slave/client"
	"github.com/bdobrica/Taicho/internal/slave/config"
	"github.com/bdobrica/Taicho/internal/slave/hosted"
	slaveruntime "github.com/bdobrica/Taicho/internal/slave/runtime"
)

const masterCommit = "abc123"

type fakeMaster struct {
	registered int
	heartbeats []protocol.HeartbeatRequest
	commands   []protocol.Command
	pullErr    error
}

func (f *fakeMaster) Register(ctx context.Context, req protocol.RegisterRequest) error {
	f.registered++
	return nil
}

func (f *fakeMaster) Heartbeat(ctx context.Context, req protocol.HeartbeatRequest) error {
	f.heartbeats = append(f.heartbeats, req)
	return nil
}

func (f *fakeMaster) PullCommands(ctx context.Context) ([]protocol.Command, error) {
	cmds := f.commands
	f.commands = nil
	return cmds, f.pullErr
}

func slaveConfig() config.Config {
	return config.Config{
		SlaveID:           "raspi-001",
		MasterURL:         "http://master:8080",
		Host:              "127.0.0.1",
		Port:              8090,
		DeviceType:        "single_board",
		MaxAgents:         2,
		HeartbeatInterval: yamltypes.Duration(time.Second),
	}
}

func command(id, typ, agentID string, g *genome.Genome) protocol.Command {
	return protocol.Command{
		CommandID:  id,
		SlaveID:    "raspi-001",
		Type:       typ,
		Payload:    protocol.CommandPayload{AgentID: agentID, Genome: g},
		EnqueuedAt: time.Now().UTC(),
	}
}

func TestCycleAppliesCommandsInOrder(t *testing.T) {
	master := &fakeMaster{}
	rt := slaveruntime.New(slaveConfig(), version.Fingerprint{GitCommit: masterCommit}, master, nil)
	defer rt.Registry().Close()

	g1 := genome.New([]byte(`{"role":"scout"}`))
	g2 := genome.New([]byte(`{"role":"builder"}`))
	master.commands = []protocol.Command{
		command("cmd-1", protocol.CommandDeployAgent, "agent-a", &g1),
		command("cmd-2", protocol.CommandDeployAgent, "agent-b", &g2),
		command("cmd-3", protocol.CommandDestroyAgent, "agent-b", nil),
	}

	rt.Cycle(context.Background())

	if n := rt.Registry().Count(); n != 1 {
		t.Fatalf("hosted agents = %d, want 1 (deploy, deploy, destroy)", n)
	}
	if len(master.heartbeats) != 1 {
		t.Fatalf("heartbeats = %d, want 1", len(master.heartbeats))
	}
	hb := master.heartbeats[0]
	if got := hb.AgentsStatus["agent-a"]; got.GenomeHash != g1.Hash {
		t.Errorf("agent-a hash = %s, want %s", got.GenomeHash, g1.Hash)
	}
	if hb.ResourcesUsage.AgentsCount != 1 {
		t.Errorf("agents_count = %d, want 1", hb.ResourcesUsage.AgentsCount)
	}
}

func TestRedeliveredCommandIsSkipped(t *testing.T) {
	master := &fakeMaster{}
	rt := slaveruntime.New(slaveConfig(), version.Fingerprint{GitCommit: masterCommit}, master, nil)
	defer rt.Registry().Close()

	g := genome.New([]byte(`{"role":"scout"}`))
	deploy := command("cmd-1", protocol.CommandDeployAgent, "agent-a", &g)
	master.commands = []protocol.Command{deploy}
	rt.Cycle(context.Background())

	// Redelivery of the applied command followed by a destroy of a second
	// agent: the deploy must be a no-op.
	master.commands = []protocol.Command{deploy}
	rt.Cycle(context.Background())

	if n := rt.Registry().Count(); n != 1 {
		t.Fatalf("hosted agents = %d, want 1", n)
	}
}

func TestUpdateGenomeSwapsHash(t *testing.T) {
	master := &fakeMaster{}
	rt := slaveruntime.New(slaveConfig(), version.Fingerprint{GitCommit: masterCommit}, master, nil)
	defer rt.Registry().Close()

	g1 := genome.New([]byte(`{"role":"scout"}`))
	g2 := genome.New([]byte(`{"role":"builder"}`))
	master.commands = []protocol.Command{command("cmd-1", protocol.CommandDeployAgent, "agent-a", &g1)}
	rt.Cycle(context.Background())
	master.commands = []protocol.Command{command("cmd-2", protocol.CommandUpdateGenome, "agent-a", &g2)}
	rt.Cycle(context.Background())

	hb := master.heartbeats[len(master.heartbeats)-1]
	if got := hb.AgentsStatus["agent-a"]; got.GenomeHash != g2.Hash {
		t.Errorf("hash after update = %s, want %s", got.GenomeHash, g2.Hash)
	}
}

// TestAgainstRealFacade runs the slave loop against the full orchestrator
// HTTP stack: register, deploy through the public API, apply on a cycle, and
// confirm reconciliation marks the agent active.
func TestAgainstRealFacade(t *testing.T) {
	dir := t.TempDir()
	ev, err := events.New(filepath.Join(dir, "events.db"))
	if err != nil {
		t.Fatalf("events.New: %v", err)
	}
	t.Cleanup(func() { ev.Close() })
	sink := events.NewSink(ev)
	t.Cleanup(sink.Close)

	m, err := fleet.New(fleet.Config{DataDir: dir},
		version.Fingerprint{GitCommit: masterCommit, GitBranch: "main"}, sink)
	if err != nil {
		t.Fatalf("fleet.New: %v", err)
	}
	runs, err := installer.NewRunStore(dir)
	if err != nil {
		t.Fatalf("NewRunStore: %v", err)
	}
	human, err := humanreq.New(dir, nil)
	if err != nil {
		t.Fatalf("humanreq.New: %v", err)
	}
	srv := httptest.NewServer(httpapi.New(httpapi.Config{}, m, runs, human, ev).Handler())
	t.Cleanup(srv.Close)

	cfg := slaveConfig()
	master := client.New(srv.URL, cfg.SlaveID, "")
	rt := slaveruntime.New(cfg, version.Fingerprint{GitCommit: masterCommit}, master, nil)
	defer rt.Registry().Close()

	ctx := context.Background()
	rt.Cycle(ctx) // first heartbeat fails: not registered yet
	if err := master.Register(ctx, protocol.RegisterRequest{
		SlaveID:    cfg.SlaveID,
		Host:       cfg.Host,
		Port:       cfg.Port,
		DeviceType: cfg.DeviceType,
		Resources:  protocol.Resources{MaxAgents: cfg.MaxAgents},
		Version:    version.Fingerprint{GitCommit: masterCommit},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	g := genome.New([]byte(`{"role":"scout"}`))
	placed, err := m.Deploy(g)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	agentID := placed.ID

	rt.Cycle(ctx) // pulls the deploy command, applies it, heartbeats

	a, err := m.Agent(agentID)
	if err != nil {
		t.Fatalf("Agent: %v", err)
	}
	if a.Status != fleet.AgentActive {
		t.Fatalf("agent status = %s, want active", a.Status)
	}
	if got := rt.Registry().Report()[agentID]; got.Status != hosted.StatusRunning {
		t.Fatalf("hosted status = %+v, want running", got)
	}
}
