package fleet

import (
	"bytes"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/natefinch/atomic"

	"github.com/bdobrica/Taicho/common/fault"
)

// Snapshot layout under DataDir:
//
//	slaves/config.json     registry
//	slaves/agents.json     agent pool
//	commands/<slave_id>.json  one queue per slave

const snapshotVersion = 1

type registrySnapshot struct {
	Version int      `json:"version"`
	Slaves  []*Slave `json:"slaves"`
}

type poolSnapshot struct {
	Version int      `json:"version"`
	Agents  []*Agent `json:"agents"`
}

type queueSnapshot struct {
	Version  int              `json:"version"`
	SlaveID  string           `json:"slave_id"`
	Pending  []*queuedCommand `json:"pending"`
	Inflight []*queuedCommand `json:"inflight"`
}

func (m *Manager) slavesPath() string {
	return filepath.Join(m.cfg.DataDir, "slaves", "config.json")
}

func (m *Manager) agentsPath() string {
	return filepath.Join(m.cfg.DataDir, "slaves", "agents.json")
}

func (m *Manager) queuePath(slaveID string) string {
	return filepath.Join(m.cfg.DataDir, "commands", slaveID+".json")
}

// writeSnapshot marshals v and writes it with a temp-file rename, so a crash
// mid-write never corrupts the previous snapshot.
func writeSnapshot(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fault.Wrap(fault.Fatal, err, "create snapshot dir")
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fault.Wrap(fault.Fatal, err, "marshal snapshot %s", filepath.Base(path))
	}
	if err := atomic.WriteFile(path, bytes.NewReader(b)); err != nil {
		return fault.Wrap(fault.Fatal, err, "write snapshot %s", path)
	}
	return nil
}

func readSnapshot(path string, v any) (bool, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fault.Wrap(fault.Fatal, err, "read snapshot %s", path)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fault.Wrap(fault.Fatal, err, "decode snapshot %s", path)
	}
	return true, nil
}

func (m *Manager) persistSlavesLocked() error {
	snap := registrySnapshot{Version: snapshotVersion}
	for _, s := range m.slaves {
		snap.Slaves = append(snap.Slaves, s)
	}
	sort.Slice(snap.Slaves, func(i, j int) bool { return snap.Slaves[i].ID < snap.Slaves[j].ID })
	return writeSnapshot(m.slavesPath(), snap)
}

func (m *Manager) persistAgentsLocked() error {
	snap := poolSnapshot{Version: snapshotVersion}
	for _, a := range m.agents {
		snap.Agents = append(snap.Agents, a)
	}
	sort.Slice(snap.Agents, func(i, j int) bool { return snap.Agents[i].ID < snap.Agents[j].ID })
	return writeSnapshot(m.agentsPath(), snap)
}

func (m *Manager) persistQueueLocked(slaveID string) error {
	q := m.queueFor(slaveID)
	snap := queueSnapshot{
		Version:  snapshotVersion,
		SlaveID:  slaveID,
		Pending:  q.Pending,
		Inflight: q.Inflight,
	}
	return writeSnapshot(m.queuePath(slaveID), snap)
}

func (m *Manager) persistAllLocked() error {
	if err := m.persistSlavesLocked(); err != nil {
		return err
	}
	if err := m.persistAgentsLocked(); err != nil {
		return err
	}
	for slaveID := range m.queues {
		if err := m.persistQueueLocked(slaveID); err != nil {
			return err
		}
	}
	return nil
}

// Persist writes the full snapshot. Called on shutdown.
func (m *Manager) Persist() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persistAllLocked()
}

func (m *Manager) removeQueueFile(slaveID string) {
	_ = os.Remove(m.queuePath(slaveID))
}

// load restores the previous snapshot, if any.
func (m *Manager) load() error {
	if err := os.MkdirAll(filepath.Join(m.cfg.DataDir, "slaves"), 0o755); err != nil {
		return fault.Wrap(fault.Fatal, err, "create data dir")
	}
	if err := os.MkdirAll(filepath.Join(m.cfg.DataDir, "commands"), 0o755); err != nil {
		return fault.Wrap(fault.Fatal, err, "create data dir")
	}

	var reg registrySnapshot
	if ok, err := readSnapshot(m.slavesPath(), &reg); err != nil {
		return err
	} else if ok {
		for _, s := range reg.Slaves {
			m.slaves[s.ID] = s
		}
	}

	var pool poolSnapshot
	if ok, err := readSnapshot(m.agentsPath(), &pool); err != nil {
		return err
	} else if ok {
		for _, a := range pool.Agents {
			m.agents[a.ID] = a
		}
	}

	entries, err := os.ReadDir(filepath.Join(m.cfg.DataDir, "commands"))
	if err != nil {
		return fault.Wrap(fault.Fatal, err, "list command queues")
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		var snap queueSnapshot
		path := filepath.Join(m.cfg.DataDir, "commands", e.Name())
		if ok, err := readSnapshot(path, &snap); err != nil {
			return err
		} else if ok {
			m.queues[snap.SlaveID] = &commandQueue{
				Pending:  snap.Pending,
				Inflight: snap.Inflight,
			}
		}
	}
	return nil
}
