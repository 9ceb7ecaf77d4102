package fleet

import (
	"log/slog"
	"sort"

	"github.com/bdobrica/Taicho/common/fault"
	"github.com/bdobrica/Taicho/common/version"
	"github.com/bdobrica/Taicho/internal/protocol"
)

// Register adds a slave to the registry or refreshes an existing one.
// Re-registering the same slave_id with the same endpoint is idempotent;
// the same slave_id with a different endpoint is a conflict.
func (m *Manager) Register(req protocol.RegisterRequest) (*Slave, error) {
	if req.SlaveID == "" {
		return nil, fault.New(fault.BadRequest, "slave_id is required")
	}
	if req.Host == "" || req.Port <= 0 {
		return nil, fault.New(fault.BadRequest, "slave %s: host and port are required", req.SlaveID)
	}
	if req.Resources.MaxAgents <= 0 {
		return nil, fault.New(fault.BadRequest, "slave %s: resources.max_agents must be positive", req.SlaveID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if existing, ok := m.slaves[req.SlaveID]; ok {
		if existing.Host != req.Host || existing.Port != req.Port {
			return nil, fault.New(fault.Conflict,
				"slave %s already registered at %s:%d", req.SlaveID, existing.Host, existing.Port)
		}
		existing.DeviceType = req.DeviceType
		existing.Capabilities = capabilitiesOf(req)
		existing.Version = req.Version
		existing.Status = m.statusForVersion(req.Version)
		existing.LastSeenAt = now
		existing.WentOfflineAt = nil
		if req.InstallMethod != "" {
			existing.InstallMethod = req.InstallMethod
		}
		if req.SecretRef != "" {
			existing.SecretRef = req.SecretRef
		}
		if err := m.persistSlavesLocked(); err != nil {
			return nil, err
		}
		m.record("slave.reregistered", req.SlaveID, existing.Endpoint())
		return existing.clone(), nil
	}

	s := &Slave{
		ID:            req.SlaveID,
		Host:          req.Host,
		Port:          req.Port,
		DeviceType:    req.DeviceType,
		Capabilities:  capabilitiesOf(req),
		Version:       req.Version,
		Status:        m.statusForVersion(req.Version),
		LastSeenAt:    now,
		InstallMethod: req.InstallMethod,
		SecretRef:     req.SecretRef,
		RegisteredAt:  now,
	}
	if s.InstallMethod == "" {
		s.InstallMethod = InstallUnknown
	}
	m.slaves[s.ID] = s
	m.queueFor(s.ID)
	if err := m.persistSlavesLocked(); err != nil {
		return nil, err
	}
	slog.Info("slave registered",
		"slave_id", s.ID,
		"endpoint", s.Endpoint(),
		"device_type", s.DeviceType,
		"max_agents", s.Capabilities.MaxAgents,
		"status", s.Status)
	m.record("slave.registered", s.ID, s.Endpoint())
	return s.clone(), nil
}

func capabilitiesOf(req protocol.RegisterRequest) Capabilities {
	return Capabilities{
		CPUCores:     req.Resources.CPUCores,
		MemoryGB:     req.Resources.MemoryGB,
		MaxAgents:    req.Resources.MaxAgents,
		GPUPresent:   req.Resources.GPUPresent,
		LLMProviders: req.Capabilities.LLMProviders,
	}
}

// statusForVersion classifies a contactable slave by its version fingerprint
// against the master's own.
func (m *Manager) statusForVersion(v version.Fingerprint) SlaveStatus {
	if !m.fingerprint.CommitMatches(v) {
		return SlaveVersionMismatch
	}
	return SlaveOnline
}

// Heartbeat processes a slave's periodic report: refreshes liveness,
// usage and version, then reconciles the reported agents against the
// master's expectations.
func (m *Manager) Heartbeat(slaveID string, hb protocol.HeartbeatRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slaves[slaveID]
	if !ok {
		return fault.New(fault.NotFound, "slave %s is not registered", slaveID)
	}

	s.LastSeenAt = m.now()
	s.Usage = hb.ResourcesUsage
	s.Version = hb.Version
	s.WentOfflineAt = nil
	prev := s.Status
	s.Status = m.statusForVersion(hb.Version)
	if s.Status != prev {
		slog.Info("slave status changed", "slave_id", slaveID, "from", prev, "to", s.Status)
		m.record("slave.status", slaveID, string(s.Status))
	}

	m.reconcileLocked(s, hb.AgentsStatus)
	return m.persistAllLocked()
}

// ObserveProbe records a successful health probe from the monitor loop.
func (m *Manager) ObserveProbe(slaveID string, health protocol.SlaveHealthResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slaves[slaveID]
	if !ok {
		return fault.New(fault.NotFound, "slave %s is not registered", slaveID)
	}
	s.LastSeenAt = m.now()
	s.WentOfflineAt = nil
	s.Version.GitCommit = health.GitCommit
	s.Version.GitBranch = health.GitBranch
	s.Version.RuntimeVersion = health.RuntimeVersion
	prev := s.Status
	s.Status = m.statusForVersion(s.Version)
	if s.Status != prev {
		m.record("slave.status", slaveID, string(s.Status))
	}
	return m.persistSlavesLocked()
}

// ObserveProbeFailure marks a slave degraded after a failed probe. The slave
// only goes offline once the liveness window expires.
func (m *Manager) ObserveProbeFailure(slaveID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slaves[slaveID]
	if !ok {
		return
	}
	if s.Status == SlaveOnline || s.Status == SlaveVersionMismatch {
		s.Status = SlaveDegraded
		slog.Warn("slave probe failed", "slave_id", slaveID)
		m.record("slave.status", slaveID, string(SlaveDegraded))
		if err := m.persistSlavesLocked(); err != nil {
			slog.Error("persist after probe failure", "error", err)
		}
	}
}

// ExpireLiveness transitions every slave silent for longer than the
// liveness window to offline and orphans its agents. Returns the ids of
// slaves that went offline in this pass.
func (m *Manager) ExpireLiveness() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var expired []string
	for _, s := range m.slaves {
		if s.Status == SlaveOffline {
			continue
		}
		if now.Sub(s.LastSeenAt) < m.cfg.LivenessWindow {
			continue
		}
		t := now
		s.Status = SlaveOffline
		s.WentOfflineAt = &t
		expired = append(expired, s.ID)
		orphaned := m.orphanAgentsLocked(s.ID)
		slog.Warn("slave went offline",
			"slave_id", s.ID,
			"last_seen", s.LastSeenAt,
			"orphaned_agents", orphaned)
		m.record("slave.offline", s.ID, s.LastSeenAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	if expired != nil {
		sort.Strings(expired)
		if err := m.persistAllLocked(); err != nil {
			slog.Error("persist after liveness expiry", "error", err)
		}
	}
	return expired
}

// Unregister removes a slave, orphans its agents and drops its queue.
func (m *Manager) Unregister(slaveID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.slaves[slaveID]; !ok {
		return fault.New(fault.NotFound, "slave %s is not registered", slaveID)
	}
	delete(m.slaves, slaveID)
	orphaned := m.orphanAgentsLocked(slaveID)
	delete(m.queues, slaveID)
	m.removeQueueFile(slaveID)
	if err := m.persistAllLocked(); err != nil {
		return err
	}
	slog.Info("slave unregistered", "slave_id", slaveID, "orphaned_agents", orphaned)
	m.record("slave.unregistered", slaveID, "")
	return nil
}

// Slave returns a copy of one registry entry.
func (m *Manager) Slave(slaveID string) (*Slave, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slaves[slaveID]
	if !ok {
		return nil, fault.New(fault.NotFound, "slave %s is not registered", slaveID)
	}
	return s.clone(), nil
}

// Slaves returns a copy of the registry, sorted by slave id.
func (m *Manager) Slaves() []*Slave {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Slave, 0, len(m.slaves))
	for _, s := range m.slaves {
		out = append(out, s.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
