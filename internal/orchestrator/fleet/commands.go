package fleet

import (
	"log/slog"
	"sort"

	"github.com/oklog/ulid/v2"

	"github.com/bdobrica/Taicho/common/fault"
	"github.com/bdobrica/Taicho/internal/genome"
	"github.com/bdobrica/Taicho/internal/protocol"
)

// enqueueLocked appends a command to a slave's FIFO. ULIDs keep command ids
// sortable by enqueue time.
func (m *Manager) enqueueLocked(slaveID, cmdType, agentID string, g *genome.Genome) {
	cmd := &queuedCommand{
		Command: protocol.Command{
			CommandID:  ulid.Make().String(),
			SlaveID:    slaveID,
			Type:       cmdType,
			Payload:    protocol.CommandPayload{AgentID: agentID, Genome: g},
			EnqueuedAt: m.now(),
		},
	}
	q := m.queueFor(slaveID)
	q.Pending = append(q.Pending, cmd)
}

// Drain hands a slave its pending commands in FIFO order and moves them to
// the inflight set. Delivery is not completion: a command leaves inflight
// only when its effect shows up in a slave report, or when the redelivery
// budget runs out.
func (m *Manager) Drain(slaveID string) ([]protocol.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.slaves[slaveID]; !ok {
		return nil, fault.New(fault.NotFound, "slave %s is not registered", slaveID)
	}

	q := m.queueFor(slaveID)
	if len(q.Pending) == 0 {
		return []protocol.Command{}, nil
	}

	now := m.now()
	out := make([]protocol.Command, 0, len(q.Pending))
	for _, c := range q.Pending {
		t := now
		c.DeliveredAt = &t
		q.Inflight = append(q.Inflight, c)
		out = append(out, c.Command)
	}
	q.Pending = nil
	if err := m.persistQueueLocked(slaveID); err != nil {
		return nil, err
	}
	slog.Debug("commands drained", "slave_id", slaveID, "count", len(out))
	return out, nil
}

// PendingCommands returns a copy of a slave's undelivered commands.
func (m *Manager) PendingCommands(slaveID string) ([]protocol.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.slaves[slaveID]; !ok {
		return nil, fault.New(fault.NotFound, "slave %s is not registered", slaveID)
	}
	q := m.queueFor(slaveID)
	out := make([]protocol.Command, 0, len(q.Pending))
	for _, c := range q.Pending {
		out = append(out, c.Command)
	}
	return out, nil
}

// ackLocked drops inflight commands matching the predicate from a slave's
// queue.
func (m *Manager) ackLocked(slaveID string, match func(*queuedCommand) bool) {
	q, ok := m.queues[slaveID]
	if !ok {
		return
	}
	kept := q.Inflight[:0]
	for _, c := range q.Inflight {
		if !match(c) {
			kept = append(kept, c)
		}
	}
	q.Inflight = kept
}

// RedeliverySweep requeues inflight commands whose effect has not shown up
// within the grace window. A command that exhausts its redelivery budget is
// dropped and its intent declared failed: the target agent is orphaned (or
// removed, for destroys) so the failure is visible on the dashboard and to
// the recovery sweep. Returns the ids of requeued and failed commands.
func (m *Manager) RedeliverySweep() (requeued, failed []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var touched []string
	for slaveID, q := range m.queues {
		if len(q.Inflight) == 0 {
			continue
		}
		kept := q.Inflight[:0]
		for _, c := range q.Inflight {
			if c.DeliveredAt == nil || now.Sub(*c.DeliveredAt) < m.cfg.CommandGrace {
				kept = append(kept, c)
				continue
			}
			if c.Redeliveries < m.cfg.MaxRedeliveries {
				c.Redeliveries++
				c.DeliveredAt = nil
				q.Pending = append(q.Pending, c)
				requeued = append(requeued, c.CommandID)
				slog.Warn("command requeued",
					"command_id", c.CommandID,
					"slave_id", slaveID,
					"type", c.Type,
					"redeliveries", c.Redeliveries)
				m.record("command.requeued", c.CommandID, slaveID)
				continue
			}
			failed = append(failed, c.CommandID)
			m.failCommandLocked(slaveID, c)
		}
		if len(kept) != len(q.Inflight) {
			touched = append(touched, slaveID)
		}
		q.Inflight = kept
	}
	if requeued == nil && failed == nil {
		return nil, nil
	}
	sort.Strings(touched)
	for _, slaveID := range touched {
		if err := m.persistQueueLocked(slaveID); err != nil {
			slog.Error("persist after redelivery sweep", "slave_id", slaveID, "error", err)
		}
	}
	if failed != nil {
		if err := m.persistAgentsLocked(); err != nil {
			slog.Error("persist after command failure", "error", err)
		}
	}
	return requeued, failed
}

// failCommandLocked surfaces a command whose redelivery budget ran out.
func (m *Manager) failCommandLocked(slaveID string, c *queuedCommand) {
	slog.Error("command abandoned after redelivery budget",
		"command_id", c.CommandID,
		"slave_id", slaveID,
		"type", c.Type,
		"agent_id", c.Payload.AgentID)
	m.record("command.failed", c.CommandID, slaveID)

	a, ok := m.agents[c.Payload.AgentID]
	if !ok || a.SlaveID != slaveID {
		return
	}
	switch c.Type {
	case protocol.CommandDestroyAgent:
		delete(m.agents, a.ID)
		m.record("agent.destroyed", a.ID, slaveID)
	case protocol.CommandDeployAgent, protocol.CommandUpdateGenome:
		a.Status = AgentOrphaned
		a.UpdatedAt = m.now()
		m.record("agent.orphaned", a.ID, slaveID)
	}
}

// QueueDepths reports pending and inflight counts per slave.
func (m *Manager) QueueDepths() map[string][2]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][2]int, len(m.queues))
	for slaveID, q := range m.queues {
		out[slaveID] = [2]int{len(q.Pending), len(q.Inflight)}
	}
	return out
}
