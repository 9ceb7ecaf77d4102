package fleet

import "github.com/bdobrica/Taicho/internal/protocol"

// Stats aggregates the cluster view for the stats and dashboard endpoints.
func (m *Manager) Stats() protocol.ClusterStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := protocol.ClusterStats{
		OverbookingFactors: make(map[string]float64, len(m.cfg.Overbooking)),
	}
	for k, v := range m.cfg.Overbooking {
		stats.OverbookingFactors[k] = v
	}
	for _, s := range m.slaves {
		stats.SlavesTotal++
		switch s.Status {
		case SlaveOnline, SlaveDegraded:
			stats.SlavesOnline++
		case SlaveOffline:
			stats.SlavesOffline++
		case SlaveVersionMismatch:
			stats.SlavesMismatched++
		}
		if s.Status != SlaveOffline {
			stats.CapacityTotal += m.ceilingLocked(s)
		}
	}
	occupied := 0
	for _, a := range m.agents {
		stats.AgentsTotal++
		switch a.Status {
		case AgentActive:
			stats.AgentsActive++
		case AgentPendingDeploy, AgentPendingUpdate, AgentPendingDestroy:
			stats.AgentsPending++
		case AgentOrphaned:
			stats.AgentsOrphaned++
		}
		if a.pending() {
			occupied++
		}
	}
	if stats.CapacityTotal > 0 {
		stats.CapacityUtilization = float64(occupied) / float64(stats.CapacityTotal) * 100
	}
	return stats
}

// Health summarizes the fleet for the master's own /health endpoint.
func (m *Manager) Health() protocol.MasterHealthResponse {
	stats := m.Stats()
	return protocol.MasterHealthResponse{
		Status:       "ok",
		SlavesTotal:  stats.SlavesTotal,
		SlavesOnline: stats.SlavesOnline,
		AgentsActive: stats.AgentsActive,
		Version:      m.fingerprint,
	}
}
