// Package app assembles and runs the orchestrator: fleet state, event log,
// human requests, health monitor and the HTTP facade.
package app

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/bdobrica/Taicho/common/transport"
	"github.com/bdobrica/Taicho/common/version"
	"github.com/bdobrica/Taicho/internal/orchestrator/config"
	"github.com/bdobrica/Taicho/internal/orchestrator/events"
	"github.com/bdobrica/Taicho/internal/orchestrator/fleet"
	"github.com/bdobrica/Taicho/internal/orchestrator/health"
	"github.com/bdobrica/Taicho/internal/orchestrator/httpapi"
	"github.com/bdobrica/Taicho/internal/orchestrator/humanreq"
	"github.com/bdobrica/Taicho/internal/orchestrator/installer"
	"github.com/bdobrica/Taicho/internal/orchestrator/notify"
)

// App is the assembled orchestrator process.
type App struct {
	cfg     config.Config
	fleet   *fleet.Manager
	events  *events.Store
	sink    *events.Sink
	human   *humanreq.Store
	runs    *installer.RunStore
	monitor *health.Monitor
	api     *httpapi.Server
}

// New wires every component from the configuration. Any failure here is
// fatal: the process must not come up half-assembled.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	fingerprint := version.Capture(ctx)
	slog.Info("starting orchestrator",
		"version", version.Info(),
		"commit", fingerprint.GitCommit,
		"data_dir", cfg.DataDir)

	ev, err := events.New(filepath.Join(cfg.DataDir, "events.db"))
	if err != nil {
		return nil, err
	}
	sink := events.NewSink(ev)

	m, err := fleet.New(fleet.Config{
		DataDir:         cfg.DataDir,
		LivenessWindow:  cfg.LivenessWindow.D(),
		CommandGrace:    cfg.CommandGrace.D(),
		MaxRedeliveries: cfg.MaxRedeliveries,
		Overbooking:     cfg.Overbooking,
	}, fingerprint, sink)
	if err != nil {
		return nil, err
	}

	listeners := notify.Fanout{notify.LogListener{}}
	if cfg.Matrix.Enabled() {
		ml, err := notify.NewMatrixListener(cfg.Matrix)
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, ml)
		slog.Info("Matrix notifications enabled", "room", cfg.Matrix.Room)
	}

	human, err := humanreq.New(cfg.DataDir, listeners)
	if err != nil {
		return nil, err
	}
	human.SetRecorder(sink)
	runs, err := installer.NewRunStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	runs.SetRecorder(sink)

	client := transport.New(transport.Options{Token: cfg.SlaveToken})
	monitor := health.New(m, client, health.Options{Interval: cfg.ProbeInterval.D()})

	api := httpapi.New(httpapi.Config{
		Addr:  cfg.ListenAddr,
		Token: cfg.SlaveToken,
	}, m, runs, human, ev)

	return &App{
		cfg:     cfg,
		fleet:   m,
		events:  ev,
		sink:    sink,
		human:   human,
		runs:    runs,
		monitor: monitor,
		api:     api,
	}, nil
}

// Installer builds the remote installer sharing this app's stores.
func (a *App) Installer() *installer.Installer {
	return installer.New(a.runs, a.human, a.cfg.SlaveToken, installer.Options{
		RepoURL:    a.cfg.Installer.RepoURL,
		Branch:     a.cfg.Installer.Branch,
		InstallDir: a.cfg.Installer.InstallDir,
	})
}

// Run serves until ctx is cancelled, then shuts down in order: stop the
// monitor, drain the HTTP server, snapshot fleet state, flush and close the
// event log.
func (a *App) Run(ctx context.Context) error {
	monCtx, cancelMonitor := context.WithCancel(context.Background())
	go a.monitor.Run(monCtx)

	if err := a.api.Start(context.Background()); err != nil {
		cancelMonitor()
		return err
	}

	<-ctx.Done()
	slog.Info("shutting down orchestrator")

	cancelMonitor()
	a.api.Stop()
	if err := a.fleet.Persist(); err != nil {
		slog.Error("final fleet snapshot failed", "error", err)
	}
	a.sink.Close()
	if err := a.events.Close(); err != nil {
		slog.Error("failed to close event log", "error", err)
	}
	slog.Info("orchestrator stopped")
	return nil
}
