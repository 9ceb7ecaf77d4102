package installer

import (
	"bytes"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"github.com/oklog/ulid/v2"

	"github.com/bdobrica/Taicho/common/fault"
)

// Recorder receives audit events when runs reach a terminal status.
type Recorder interface {
	Record(kind, subject, detail string)
}

// RunStore persists installation runs, one JSON file per run under
// installations/. The structured log lives inside the run document, so the
// full command transcript survives the process.
type RunStore struct {
	mu       sync.Mutex
	dir      string
	recorder Recorder
	now      func() time.Time
}

// NewRunStore creates the installations directory under dataDir.
func NewRunStore(dataDir string) (*RunStore, error) {
	dir := filepath.Join(dataDir, "installations")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fault.Wrap(fault.Fatal, err, "create installations dir")
	}
	return &RunStore{dir: dir, now: time.Now}, nil
}

// SetRecorder attaches the audit recorder. Optional.
func (s *RunStore) SetRecorder(rec Recorder) {
	s.recorder = rec
}

func (s *RunStore) path(runID string) string {
	return filepath.Join(s.dir, runID+".json")
}

// Create registers a new run. An empty runID gets a generated ULID; a caller
// supplied id must be unused.
func (s *RunStore) Create(runID, host string, port int, credentialsRef string) (*Run, error) {
	if host == "" {
		return nil, fault.New(fault.BadRequest, "installation requires a host")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if runID == "" {
		runID = ulid.Make().String()
	} else {
		if strings.ContainsAny(runID, "/\\") {
			return nil, fault.New(fault.BadRequest, "invalid run id %q", runID)
		}
		if _, err := os.Stat(s.path(runID)); err == nil {
			return nil, fault.New(fault.Conflict, "installation run %s already exists", runID)
		}
	}

	r := &Run{
		ID:               runID,
		Host:             host,
		Port:             port,
		CredentialsRef:   credentialsRef,
		Status:           RunPending,
		StartedAt:        s.now(),
		StrategyAttempts: []StrategyAttempt{},
		Log:              []LogEntry{},
	}
	if err := s.saveLocked(r); err != nil {
		return nil, err
	}
	return r.clone(), nil
}

// Save persists the run document.
func (s *RunStore) Save(r *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(r)
}

func (s *RunStore) saveLocked(r *Run) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fault.Wrap(fault.Fatal, err, "marshal installation run %s", r.ID)
	}
	if err := atomic.WriteFile(s.path(r.ID), bytes.NewReader(b)); err != nil {
		return fault.Wrap(fault.Fatal, err, "write installation run %s", r.ID)
	}
	return nil
}

// Get loads one run.
func (s *RunStore) Get(runID string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(runID)
}

func (s *RunStore) getLocked(runID string) (*Run, error) {
	if strings.ContainsAny(runID, "/\\") {
		return nil, fault.New(fault.BadRequest, "invalid run id %q", runID)
	}
	b, err := os.ReadFile(s.path(runID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fault.New(fault.NotFound, "installation run %s not found", runID)
	}
	if err != nil {
		return nil, fault.Wrap(fault.Fatal, err, "read installation run %s", runID)
	}
	var r Run
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fault.Wrap(fault.Fatal, err, "decode installation run %s", runID)
	}
	return &r, nil
}

// List returns all runs, newest first by run id (ULIDs sort by time).
func (s *RunStore) List() ([]*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fault.Wrap(fault.Fatal, err, "list installation runs")
	}
	var out []*Run
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		r, err := s.getLocked(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// Append adds one log entry to a run and persists it. Used by the progress
// endpoint for externally driven runs.
func (s *RunStore) Append(runID string, entry LogEntry) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.getLocked(runID)
	if err != nil {
		return nil, err
	}
	if r.Finished() {
		return nil, fault.New(fault.InvalidStateTransition,
			"installation run %s is already %s", runID, r.Status)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	if r.Status == RunPending {
		r.Status = RunRunning
	}
	r.Log = append(r.Log, entry)
	if err := s.saveLocked(r); err != nil {
		return nil, err
	}
	return r.clone(), nil
}

// RecordAttempt appends one strategy attempt to a run in flight.
func (s *RunStore) RecordAttempt(runID string, a StrategyAttempt) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.getLocked(runID)
	if err != nil {
		return nil, err
	}
	if r.Finished() {
		return nil, fault.New(fault.InvalidStateTransition,
			"installation run %s is already %s", runID, r.Status)
	}
	if r.Status == RunPending {
		r.Status = RunRunning
	}
	r.StrategyAttempts = append(r.StrategyAttempts, a)
	if err := s.saveLocked(r); err != nil {
		return nil, err
	}
	return r.clone(), nil
}

// Escalate finalizes a run as escalated, keeping the failure classification
// that triggered the hand-off to a human.
func (s *RunStore) Escalate(runID string, failure RunStatus, message string) (*Run, error) {
	switch failure {
	case RunFailedPrereq, RunFailedClone, RunFailedAllStrategies:
	default:
		return nil, fault.New(fault.BadRequest, "failure %q does not escalate", failure)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.getLocked(runID)
	if err != nil {
		return nil, err
	}
	if r.Finished() {
		return nil, fault.New(fault.InvalidStateTransition,
			"installation run %s is already %s", runID, r.Status)
	}
	now := s.now()
	r.Status = RunEscalated
	r.Failure = failure
	r.Message = message
	r.FinishedAt = &now
	if err := s.saveLocked(r); err != nil {
		return nil, err
	}
	if s.recorder != nil {
		s.recorder.Record("installer.run_escalated", r.ID, r.Host)
	}
	return r.clone(), nil
}

// Complete finalizes a run with a terminal status.
func (s *RunStore) Complete(runID string, status RunStatus, slaveID, message string) (*Run, error) {
	switch status {
	case RunSucceeded, RunFailedConnectivity, RunFailedPrereq, RunFailedClone, RunFailedAllStrategies, RunEscalated:
	default:
		return nil, fault.New(fault.BadRequest, "status %q is not terminal", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.getLocked(runID)
	if err != nil {
		return nil, err
	}
	if r.Finished() {
		return nil, fault.New(fault.InvalidStateTransition,
			"installation run %s is already %s", runID, r.Status)
	}
	now := s.now()
	r.Status = status
	r.SlaveID = slaveID
	r.Message = message
	r.FinishedAt = &now
	if err := s.saveLocked(r); err != nil {
		return nil, err
	}
	if s.recorder != nil {
		s.recorder.Record("installer.run_"+string(status), r.ID, r.Host)
	}
	return r.clone(), nil
}
