// Package runtime is the slave main loop: register with the master, then on
// every heartbeat cycle pull queued commands, apply them in order, and report
// the resulting agent state.
package runtime

import (
	"context"
	"log/slog"
	stdruntime "runtime"
	"time"

	"github.com/bdobrica/Taicho/common/retry"
	"github.com/bdobrica/Taicho/common/version"
	"github.com/bdobrica/Taicho/internal/protocol"
	"github.com/bdobrica/Taicho/internal/slave/client"
	"github.com/bdobrica/Taicho/internal/slave/config"
	"github.com/bdobrica/Taicho/internal/slave/hosted"
	"github.com/bdobrica/Taicho/internal/slave/llm"
)

// appliedLimit bounds the remembered command ids used to make redelivered
// commands no-ops.
const appliedLimit = 512

// Master is the subset of the orchestrator client the loop needs; tests
// substitute it.
type Master interface {
	Register(ctx context.Context, req protocol.RegisterRequest) error
	Heartbeat(ctx context.Context, req protocol.HeartbeatRequest) error
	PullCommands(ctx context.Context) ([]protocol.Command, error)
}

var _ Master = (*client.Client)(nil)

// Runtime drives one slave node.
type Runtime struct {
	cfg         config.Config
	fingerprint version.Fingerprint
	registry    *hosted.Registry
	master      Master
	invoker     llm.Invoker

	applied      map[string]struct{}
	appliedOrder []string
}

// New assembles a runtime. A nil invoker falls back to the noop resolver.
func New(cfg config.Config, fp version.Fingerprint, master Master, invoker llm.Invoker) *Runtime {
	if invoker == nil {
		invoker = llm.Noop{}
	}
	return &Runtime{
		cfg:         cfg,
		fingerprint: fp,
		registry:    hosted.NewRegistry(invoker),
		master:      master,
		invoker:     invoker,
		applied:     make(map[string]struct{}),
	}
}

// Registry exposes the hosted-agent registry for the HTTP surface.
func (rt *Runtime) Registry() *hosted.Registry {
	return rt.registry
}

// Run registers and then heartbeats until ctx is cancelled. Registration
// retries with backoff; a master that is down at boot must not kill the
// slave.
func (rt *Runtime) Run(ctx context.Context) error {
	if err := rt.register(ctx); err != nil {
		return err
	}
	slog.Info("registered with master",
		"slave_id", rt.cfg.SlaveID, "master", rt.cfg.MasterURL)

	ticker := time.NewTicker(rt.cfg.HeartbeatInterval.D())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			rt.registry.Close()
			return nil
		case <-ticker.C:
			rt.Cycle(ctx)
		}
	}
}

// Cycle performs one heartbeat iteration: pull commands, apply them in
// order, then report the resulting state. Exported so tests can step the
// loop without real time.
func (rt *Runtime) Cycle(ctx context.Context) {
	commands, err := rt.master.PullCommands(ctx)
	if err != nil {
		slog.Warn("command pull failed", "error", err)
	}
	for _, cmd := range commands {
		rt.apply(cmd)
	}

	if err := rt.master.Heartbeat(ctx, rt.heartbeat()); err != nil {
		slog.Warn("heartbeat failed", "error", err)
	}
}

func (rt *Runtime) register(ctx context.Context) error {
	req := protocol.RegisterRequest{
		SlaveID:    rt.cfg.SlaveID,
		Host:       rt.cfg.Host,
		Port:       rt.cfg.Port,
		DeviceType: rt.cfg.DeviceType,
		Resources: protocol.Resources{
			CPUCores:  stdruntime.NumCPU(),
			MaxAgents: rt.cfg.MaxAgents,
		},
		Capabilities: protocol.Capabilities{
			LLMProviders: []string{rt.invoker.Provider()},
		},
		Version:       rt.fingerprint,
		InstallMethod: rt.cfg.InstallMethod,
	}
	return retry.Do(ctx, retry.Config{
		MaxAttempts: 10,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}, func() error {
		return rt.master.Register(ctx, req)
	})
}

func (rt *Runtime) heartbeat() protocol.HeartbeatRequest {
	report := rt.registry.Report()
	return protocol.HeartbeatRequest{
		AgentsStatus: report,
		ResourcesUsage: protocol.Usage{
			AgentsCount: len(report),
		},
		Version: rt.fingerprint,
	}
}

// apply executes one command. Already-applied command ids are skipped so a
// redelivery never repeats side effects.
func (rt *Runtime) apply(cmd protocol.Command) {
	if _, seen := rt.applied[cmd.CommandID]; seen {
		slog.Debug("skipping redelivered command", "command_id", cmd.CommandID)
		return
	}

	switch cmd.Type {
	case protocol.CommandDeployAgent:
		if cmd.Payload.Genome == nil {
			slog.Error("deploy command without genome", "command_id", cmd.CommandID)
			return
		}
		rt.registry.Deploy(cmd.Payload.AgentID, *cmd.Payload.Genome)
	case protocol.CommandDestroyAgent:
		rt.registry.Destroy(cmd.Payload.AgentID)
	case protocol.CommandUpdateGenome:
		if cmd.Payload.Genome == nil {
			slog.Error("update command without genome", "command_id", cmd.CommandID)
			return
		}
		rt.registry.UpdateGenome(cmd.Payload.AgentID, *cmd.Payload.Genome)
	default:
		slog.Warn("unknown command type", "type", cmd.Type, "command_id", cmd.CommandID)
		return
	}
	rt.markApplied(cmd.CommandID)
}

func (rt *Runtime) markApplied(id string) {
	if len(rt.appliedOrder) >= appliedLimit {
		oldest := rt.appliedOrder[0]
		rt.appliedOrder = rt.appliedOrder[1:]
		delete(rt.applied, oldest)
	}
	rt.applied[id] = struct{}{}
	rt.appliedOrder = append(rt.appliedOrder, id)
}
