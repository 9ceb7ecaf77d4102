// Package health runs the orchestrator's periodic monitor loop: probe every
// slave, expire the silent ones, recover orphaned agents and requeue stale
// commands.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bdobrica/Taicho/common/transport"
	"github.com/bdobrica/Taicho/internal/orchestrator/fleet"
	"github.com/bdobrica/Taicho/internal/protocol"
)

// Options tunes the monitor.
type Options struct {
	// Interval between sweeps.
	Interval time.Duration
	// ProbeTimeout bounds each individual health probe.
	ProbeTimeout time.Duration
	// Concurrency caps how many slaves are probed at once.
	Concurrency int
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 10 * time.Second
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	return o
}

// Monitor owns the sweep loop.
type Monitor struct {
	fleet  *fleet.Manager
	client *transport.Client
	opts   Options
}

// New builds a Monitor. The client authenticates against the slaves' APIs.
func New(m *fleet.Manager, client *transport.Client, opts Options) *Monitor {
	return &Monitor{fleet: m, client: client, opts: opts.withDefaults()}
}

// Run sweeps until the context is cancelled.
func (mon *Monitor) Run(ctx context.Context) {
	slog.Info("health monitor started", "interval", mon.opts.Interval)
	ticker := time.NewTicker(mon.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("health monitor stopped")
			return
		case <-ticker.C:
			mon.Sweep(ctx)
		}
	}
}

// Sweep performs one full pass: concurrent probes, liveness expiry, orphan
// recovery and command redelivery.
func (mon *Monitor) Sweep(ctx context.Context) {
	slaves := mon.fleet.Slaves()

	sem := make(chan struct{}, mon.opts.Concurrency)
	var wg sync.WaitGroup
	for _, s := range slaves {
		if s.Status == fleet.SlaveOffline {
			// Offline slaves announce their return by heartbeating or
			// re-registering; probing them only burns the breaker budget.
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(s *fleet.Slave) {
			defer wg.Done()
			defer func() { <-sem }()
			mon.probe(ctx, s)
		}(s)
	}
	wg.Wait()

	if expired := mon.fleet.ExpireLiveness(); expired != nil {
		slog.Warn("slaves expired", "slave_ids", expired)
	}
	if recovered := mon.fleet.RecoverOrphans(); recovered != nil {
		slog.Info("orphaned agents recovered", "agent_ids", recovered)
	}
	requeued, failed := mon.fleet.RedeliverySweep()
	if requeued != nil || failed != nil {
		slog.Info("redelivery sweep", "requeued", len(requeued), "failed", len(failed))
	}
}

func (mon *Monitor) probe(ctx context.Context, s *fleet.Slave) {
	ctx, cancel := context.WithTimeout(ctx, mon.opts.ProbeTimeout)
	defer cancel()

	var health protocol.SlaveHealthResponse
	if err := mon.client.GetJSON(ctx, s.Endpoint()+"/health", &health); err != nil {
		slog.Debug("slave probe failed", "slave_id", s.ID, "error", err)
		mon.fleet.ObserveProbeFailure(s.ID)
		return
	}
	if err := mon.fleet.ObserveProbe(s.ID, health); err != nil {
		slog.Warn("failed to record probe", "slave_id", s.ID, "error", err)
	}
}
