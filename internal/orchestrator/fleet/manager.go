package fleet

import (
	"log/slog"
	"sync"
	"time"

	"github.com/bdobrica/Taicho/common/version"
)

// Config tunes the fleet manager.
type Config struct {
	// DataDir is the root of the on-disk state snapshots.
	DataDir string
	// LivenessWindow is how long a slave may stay silent before it is
	// declared offline.
	LivenessWindow time.Duration
	// CommandGrace is how long a delivered command may remain unacknowledged
	// before the redelivery sweep requeues it.
	CommandGrace time.Duration
	// MaxRedeliveries bounds how often a command is requeued before its
	// intent is declared failed.
	MaxRedeliveries int
	// Overbooking maps device types to placement multipliers. Defaults to
	// DefaultOverbooking for types it does not name.
	Overbooking map[string]float64
}

func (c Config) withDefaults() Config {
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = 90 * time.Second
	}
	if c.CommandGrace <= 0 {
		c.CommandGrace = 60 * time.Second
	}
	if c.MaxRedeliveries <= 0 {
		c.MaxRedeliveries = 3
	}
	if c.Overbooking == nil {
		c.Overbooking = DefaultOverbooking
	}
	return c
}

// EventSink receives cluster lifecycle events. The fleet manager calls it
// with its own mutex held, so implementations must not call back in.
type EventSink interface {
	Record(kind, subject, detail string)
}

type nopSink struct{}

func (nopSink) Record(string, string, string) {}

// Manager owns the registry, the agent pool and the command queues. One
// mutex covers all three, so every operation observes a consistent cluster.
type Manager struct {
	mu          sync.Mutex
	cfg         Config
	fingerprint version.Fingerprint
	sink        EventSink
	slaves      map[string]*Slave
	agents      map[string]*Agent
	queues      map[string]*commandQueue
	now         func() time.Time
}

// New builds a Manager, creating the data directories and loading any
// snapshot a previous process left behind.
func New(cfg Config, fp version.Fingerprint, sink EventSink) (*Manager, error) {
	if sink == nil {
		sink = nopSink{}
	}
	m := &Manager{
		cfg:         cfg.withDefaults(),
		fingerprint: fp,
		sink:        sink,
		slaves:      make(map[string]*Slave),
		agents:      make(map[string]*Agent),
		queues:      make(map[string]*commandQueue),
		now:         time.Now,
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	slog.Info("fleet state loaded",
		"slaves", len(m.slaves),
		"agents", len(m.agents),
		"data_dir", m.cfg.DataDir)
	return m, nil
}

// Fingerprint returns the master's own version fingerprint.
func (m *Manager) Fingerprint() version.Fingerprint {
	return m.fingerprint
}

// Overbooking returns the effective per-device-type multipliers.
func (m *Manager) Overbooking() map[string]float64 {
	out := make(map[string]float64, len(m.cfg.Overbooking))
	for k, v := range m.cfg.Overbooking {
		out[k] = v
	}
	return out
}

func (m *Manager) record(kind, subject, detail string) {
	m.sink.Record(kind, subject, detail)
}

func (m *Manager) queueFor(slaveID string) *commandQueue {
	q, ok := m.queues[slaveID]
	if !ok {
		q = &commandQueue{}
		m.queues[slaveID] = q
	}
	return q
}
