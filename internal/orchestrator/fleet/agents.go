package fleet

import (
	"log/slog"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/bdobrica/Taicho/common/fault"
	"github.com/bdobrica/Taicho/internal/genome"
	"github.com/bdobrica/Taicho/internal/protocol"
)

// Deploy places a new agent with the given genome on the best eligible
// slave and enqueues the deploy command. Fails with a no_capacity fault
// when no slave can take it.
func (m *Manager) Deploy(g genome.Genome) (*Agent, error) {
	if g.IsZero() {
		return nil, fault.New(fault.BadRequest, "deploy requires a genome")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	target := m.placementLocked()
	if target == nil {
		return nil, fault.New(fault.NoCapacity, "no eligible slave has capacity for a new agent")
	}

	now := m.now()
	a := &Agent{
		ID:        uuid.NewString(),
		Genome:    g,
		SlaveID:   target.ID,
		PlacedAt:  now,
		Status:    AgentPendingDeploy,
		UpdatedAt: now,
	}
	m.agents[a.ID] = a
	m.enqueueLocked(target.ID, protocol.CommandDeployAgent, a.ID, &a.Genome)
	if err := m.persistAllLocked(); err != nil {
		return nil, err
	}
	slog.Info("agent deploy queued",
		"agent_id", a.ID,
		"slave_id", target.ID,
		"genome_hash", g.Hash)
	m.record("agent.deploy", a.ID, target.ID)
	return a.clone(), nil
}

// placementLocked picks the eligible slave with the most remaining headroom,
// breaking ties by lowest reported average latency. Eligible means online,
// version-compatible and below the overbooked ceiling.
func (m *Manager) placementLocked() *Slave {
	var best *Slave
	bestHeadroom := -1
	for _, s := range m.slaves {
		if s.Status != SlaveOnline {
			continue
		}
		ceiling := m.ceilingLocked(s)
		count := m.agentsOnLocked(s.ID)
		if count >= ceiling {
			continue
		}
		headroom := s.Capabilities.MaxAgents - count
		if best == nil || headroom > bestHeadroom ||
			(headroom == bestHeadroom && s.Usage.AvgLatencyMS < best.Usage.AvgLatencyMS) {
			best = s
			bestHeadroom = headroom
		}
	}
	return best
}

// ceilingLocked is the hard placement limit for a slave: max_agents times
// its device type's overbooking factor.
func (m *Manager) ceilingLocked(s *Slave) int {
	factor, ok := m.cfg.Overbooking[s.DeviceType]
	if !ok {
		factor = 1.0
	}
	return int(math.Floor(float64(s.Capabilities.MaxAgents) * factor))
}

// agentsOnLocked counts the agents occupying slots on a slave.
func (m *Manager) agentsOnLocked(slaveID string) int {
	n := 0
	for _, a := range m.agents {
		if a.SlaveID == slaveID && a.pending() {
			n++
		}
	}
	return n
}

// Destroy enqueues the destroy command for an agent. The pool entry is
// removed once the slave's next report confirms the agent is gone.
func (m *Manager) Destroy(agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[agentID]
	if !ok {
		return fault.New(fault.NotFound, "agent %s is not in the pool", agentID)
	}
	a.Status = AgentPendingDestroy
	a.UpdatedAt = m.now()
	m.enqueueLocked(a.SlaveID, protocol.CommandDestroyAgent, a.ID, nil)
	if err := m.persistAllLocked(); err != nil {
		return err
	}
	slog.Info("agent destroy queued", "agent_id", agentID, "slave_id", a.SlaveID)
	m.record("agent.destroy", agentID, a.SlaveID)
	return nil
}

// UpdateGenome replaces an agent's genome and enqueues the update command.
// The slave applies it as destroy-and-recreate under the same agent id.
func (m *Manager) UpdateGenome(agentID string, g genome.Genome) error {
	if g.IsZero() {
		return fault.New(fault.BadRequest, "update requires a genome")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[agentID]
	if !ok {
		return fault.New(fault.NotFound, "agent %s is not in the pool", agentID)
	}
	a.Genome = g
	a.Status = AgentPendingUpdate
	a.UpdatedAt = m.now()
	m.enqueueLocked(a.SlaveID, protocol.CommandUpdateGenome, a.ID, &a.Genome)
	if err := m.persistAllLocked(); err != nil {
		return err
	}
	slog.Info("agent genome update queued",
		"agent_id", agentID,
		"slave_id", a.SlaveID,
		"genome_hash", g.Hash)
	m.record("agent.update", agentID, a.SlaveID)
	return nil
}

// Agent returns a copy of one pool entry.
func (m *Manager) Agent(agentID string) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[agentID]
	if !ok {
		return nil, fault.New(fault.NotFound, "agent %s is not in the pool", agentID)
	}
	return a.clone(), nil
}

// Agents returns a copy of the pool, sorted by agent id.
func (m *Manager) Agents() []*Agent {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Placements returns the agent-to-slave map.
func (m *Manager) Placements() map[string]protocol.Placement {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]protocol.Placement, len(m.agents))
	for id, a := range m.agents {
		out[id] = protocol.Placement{SlaveID: a.SlaveID, PlacedAt: a.PlacedAt}
	}
	return out
}

// reconcileLocked compares a slave's reported agents against the master's
// expectations, acknowledging delivered commands whose effect is now
// observable and correcting drift in both directions.
func (m *Manager) reconcileLocked(s *Slave, report map[string]protocol.AgentReport) {
	for agentID := range report {
		a, ok := m.agents[agentID]
		if !ok || a.SlaveID != s.ID {
			// The slave runs an agent the master never placed there.
			slog.Warn("unknown agent reported, queueing destroy",
				"slave_id", s.ID, "agent_id", agentID)
			m.enqueueLocked(s.ID, protocol.CommandDestroyAgent, agentID, nil)
			m.record("agent.stray", agentID, s.ID)
			continue
		}
		switch a.Status {
		case AgentPendingDeploy:
			a.Status = AgentActive
			a.UpdatedAt = m.now()
			m.ackLocked(s.ID, func(c *queuedCommand) bool {
				return c.Type == protocol.CommandDeployAgent && c.Payload.AgentID == agentID
			})
			m.record("agent.active", agentID, s.ID)
		case AgentPendingUpdate:
			if report[agentID].GenomeHash == a.Genome.Hash {
				a.Status = AgentActive
				a.UpdatedAt = m.now()
				m.ackLocked(s.ID, func(c *queuedCommand) bool {
					return c.Type == protocol.CommandUpdateGenome && c.Payload.AgentID == agentID
				})
				m.record("agent.active", agentID, s.ID)
			}
		case AgentOrphaned:
			// It came back with its slave.
			a.Status = AgentActive
			a.UpdatedAt = m.now()
			m.record("agent.active", agentID, s.ID)
		}
	}

	for agentID, a := range m.agents {
		if a.SlaveID != s.ID {
			continue
		}
		if _, reported := report[agentID]; reported {
			continue
		}
		switch a.Status {
		case AgentPendingDestroy:
			delete(m.agents, agentID)
			m.ackLocked(s.ID, func(c *queuedCommand) bool {
				return c.Type == protocol.CommandDestroyAgent && c.Payload.AgentID == agentID
			})
			m.record("agent.destroyed", agentID, s.ID)
		case AgentActive:
			// Placed, confirmed, now gone without a destroy. Recovery will
			// re-place it.
			a.Status = AgentOrphaned
			a.UpdatedAt = m.now()
			slog.Warn("agent vanished from slave report",
				"agent_id", agentID, "slave_id", s.ID)
			m.record("agent.orphaned", agentID, s.ID)
		}
		// pending_deploy and pending_update stay pending; the redelivery
		// sweep handles commands the slave never applied.
	}
}

// orphanAgentsLocked marks every agent placed on a lost slave as orphaned.
// Agents already awaiting destruction are dropped outright. Returns how
// many agents were orphaned.
func (m *Manager) orphanAgentsLocked(slaveID string) int {
	n := 0
	for id, a := range m.agents {
		if a.SlaveID != slaveID {
			continue
		}
		if a.Status == AgentPendingDestroy {
			delete(m.agents, id)
			m.record("agent.destroyed", id, slaveID)
			continue
		}
		if a.Status != AgentOrphaned {
			a.Status = AgentOrphaned
			a.UpdatedAt = m.now()
			m.record("agent.orphaned", id, slaveID)
			n++
		}
	}
	return n
}

// RecoverOrphans tries to re-place every orphaned agent on an eligible
// slave, preserving the agent id and genome. Agents that cannot be placed
// stay orphaned for the next sweep. Returns the ids recovered in this pass.
func (m *Manager) RecoverOrphans() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, a := range m.agents {
		if a.Status == AgentOrphaned {
			ids = append(ids, id)
		}
	}
	if ids == nil {
		return nil
	}
	sort.Strings(ids)

	var recovered []string
	for _, id := range ids {
		a := m.agents[id]
		target := m.placementLocked()
		if target == nil {
			slog.Warn("orphaned agent cannot be re-placed yet", "agent_id", id)
			continue
		}
		a.SlaveID = target.ID
		a.PlacedAt = m.now()
		a.Status = AgentPendingDeploy
		a.UpdatedAt = a.PlacedAt
		m.enqueueLocked(target.ID, protocol.CommandDeployAgent, a.ID, &a.Genome)
		recovered = append(recovered, id)
		slog.Info("orphaned agent re-placed", "agent_id", id, "slave_id", target.ID)
		m.record("agent.recovered", id, target.ID)
	}
	if recovered != nil {
		if err := m.persistAllLocked(); err != nil {
			slog.Error("persist after orphan recovery", "error", err)
		}
	}
	return recovered
}
