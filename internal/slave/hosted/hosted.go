// Package hosted runs the agents placed on this node. Each agent is an
// in-process goroutine driven by its genome; a panicking agent is contained
// and marked failed without taking the runtime down.
package hosted

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/bdobrica/Taicho/internal/genome"
	"github.com/bdobrica/Taicho/internal/protocol"
	"github.com/bdobrica/Taicho/internal/slave/llm"
)

// Agent statuses reported on heartbeats.
const (
	StatusRunning = "running"
	StatusFailed  = "failed"
)

const defaultTickInterval = time.Minute

// behavior is the small declared part of an otherwise opaque genome.
type behavior struct {
	Prompt       string `json:"prompt"`
	TickInterval string `json:"tick_interval"`
}

type agent struct {
	id      string
	genome  genome.Genome
	status  string
	cancel  context.CancelFunc
	done    chan struct{}
	statusM sync.Mutex
}

func (a *agent) setStatus(s string) {
	a.statusM.Lock()
	a.status = s
	a.statusM.Unlock()
}

func (a *agent) getStatus() string {
	a.statusM.Lock()
	defer a.statusM.Unlock()
	return a.status
}

// Registry owns every hosted agent on this node.
type Registry struct {
	mu      sync.Mutex
	invoker llm.Invoker
	agents  map[string]*agent
}

// NewRegistry builds an empty registry. A nil invoker falls back to the noop
// resolver.
func NewRegistry(invoker llm.Invoker) *Registry {
	if invoker == nil {
		invoker = llm.Noop{}
	}
	return &Registry{invoker: invoker, agents: make(map[string]*agent)}
}

// Deploy instantiates an agent from its genome and starts its background
// behavior. Redelivering the same genome is a no-op; a different genome
// replaces the running agent.
func (r *Registry) Deploy(id string, g genome.Genome) {
	r.mu.Lock()
	existing, ok := r.agents[id]
	if ok && existing.genome.Hash == g.Hash {
		r.mu.Unlock()
		return
	}
	if ok {
		r.stopLocked(existing)
	}
	a := r.startLocked(id, g)
	r.mu.Unlock()
	slog.Info("agent deployed", "agent_id", id, "genome_hash", a.genome.Hash)
}

// Destroy stops and removes an agent. Unknown ids are a no-op so redelivered
// destroy commands stay harmless.
func (r *Registry) Destroy(id string) {
	r.mu.Lock()
	a, ok := r.agents[id]
	if ok {
		r.stopLocked(a)
		delete(r.agents, id)
	}
	r.mu.Unlock()
	if ok {
		slog.Info("agent destroyed", "agent_id", id)
	}
}

// UpdateGenome swaps an agent's genome by destroying and recreating it, so
// old and new behavior never overlap. An unknown id is treated as a fresh
// deploy; the master may redeliver updates after a runtime restart.
func (r *Registry) UpdateGenome(id string, g genome.Genome) {
	r.mu.Lock()
	if a, ok := r.agents[id]; ok {
		r.stopLocked(a)
	}
	r.startLocked(id, g)
	r.mu.Unlock()
	slog.Info("agent genome updated", "agent_id", id, "genome_hash", g.Hash)
}

// Report snapshots every hosted agent for the next heartbeat.
func (r *Registry) Report() map[string]protocol.AgentReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]protocol.AgentReport, len(r.agents))
	for id, a := range r.agents {
		out[id] = protocol.AgentReport{Status: a.getStatus(), GenomeHash: a.genome.Hash}
	}
	return out
}

// Count returns the number of hosted agents.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}

// Close stops every agent. Used on runtime shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	for id, a := range r.agents {
		r.stopLocked(a)
		delete(r.agents, id)
	}
	r.mu.Unlock()
}

func (r *Registry) startLocked(id string, g genome.Genome) *agent {
	ctx, cancel := context.WithCancel(context.Background())
	a := &agent{
		id:     id,
		genome: g,
		status: StatusRunning,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.agents[id] = a
	go r.run(ctx, a)
	return a
}

func (r *Registry) stopLocked(a *agent) {
	a.cancel()
	<-a.done
}

// run drives one agent until it is cancelled or fails. Each tick is wrapped
// in a recover so a panicking genome marks the agent failed instead of
// crashing the process.
func (r *Registry) run(ctx context.Context, a *agent) {
	defer close(a.done)

	var b behavior
	if len(a.genome.Blob) > 0 {
		_ = json.Unmarshal(a.genome.Blob, &b)
	}
	interval := defaultTickInterval
	if b.TickInterval != "" {
		if d, err := time.ParseDuration(b.TickInterval); err == nil && d > 0 {
			interval = d
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.tick(ctx, a, b.Prompt) {
				a.setStatus(StatusFailed)
				return
			}
		}
	}
}

// tick performs one behavior step. Returns false when the step panicked.
func (r *Registry) tick(ctx context.Context, a *agent, prompt string) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("agent panicked", "agent_id", a.id, "panic", rec)
			ok = false
		}
	}()
	if prompt == "" {
		return true
	}
	if _, err := r.invoker.Invoke(ctx, prompt); err != nil {
		slog.Warn("agent model call failed", "agent_id", a.id, "error", err)
	}
	return true
}
