package humanreq

import (
	"bytes"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	"github.com/bdobrica/Taicho/common/fault"
)

const defaultPriority = 5

// Recorder receives audit events for request creations and transitions.
type Recorder interface {
	Record(kind, subject, detail string)
}

// Store keeps the human-request queue in memory and snapshots it to
// human_requests/requests.json on every mutation.
type Store struct {
	mu       sync.Mutex
	path     string
	nextID   int64
	requests map[int64]*Request
	listener Listener
	recorder Recorder
	now      func() time.Time
}

type snapshot struct {
	Version  int        `json:"version"`
	NextID   int64      `json:"next_id"`
	Requests []*Request `json:"requests"`
}

// New loads the store from dataDir. A nil listener disables notifications.
func New(dataDir string, listener Listener) (*Store, error) {
	s := &Store{
		path:     filepath.Join(dataDir, "human_requests", "requests.json"),
		nextID:   1,
		requests: make(map[int64]*Request),
		listener: listener,
		now:      time.Now,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetRecorder attaches the audit recorder. Optional.
func (s *Store) SetRecorder(rec Recorder) {
	s.recorder = rec
}

func (s *Store) record(kind string, id int64, detail string) {
	if s.recorder != nil {
		s.recorder.Record(kind, strconv.FormatInt(id, 10), detail)
	}
}

// Create registers a new pending request and notifies the listener.
func (s *Store) Create(in CreateRequest) (*Request, error) {
	if in.Title == "" {
		return nil, fault.New(fault.BadRequest, "human request requires a title")
	}
	if in.Priority < 0 || in.Priority > 10 {
		return nil, fault.New(fault.BadRequest, "priority %d out of range 1..10", in.Priority)
	}
	if in.Priority == 0 {
		in.Priority = defaultPriority
	}
	if in.Type == "" {
		in.Type = TypeOther
	}
	if !knownTypes[in.Type] {
		return nil, fault.New(fault.BadRequest, "unknown request type %q", in.Type)
	}

	s.mu.Lock()
	now := s.now()
	r := &Request{
		ID:            s.nextID,
		Type:          in.Type,
		Title:         in.Title,
		Description:   in.Description,
		EstimatedCost: in.EstimatedCost,
		Priority:      in.Priority,
		Status:        StatusPending,
		CreatedAt:     now,
		CreatedBy:     in.CreatedBy,
		UpdatedAt:     now,
	}
	s.nextID++
	s.requests[r.ID] = r
	err := s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	slog.Info("human request created",
		"id", r.ID,
		"type", r.Type,
		"priority", r.Priority,
		"title", r.Title)
	if s.listener != nil {
		go s.listener.RequestCreated(r.clone())
	}
	s.record("human_request.created", r.ID, r.Title)
	return r.clone(), nil
}

// Transition moves a request to a new status, enforcing the lifecycle.
func (s *Store) Transition(id int64, to Status, res Resolution) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[id]
	if !ok {
		return nil, fault.New(fault.NotFound, "human request %d not found", id)
	}
	if !canTransition(r.Status, to) {
		return nil, fault.New(fault.InvalidStateTransition,
			"human request %d cannot move from %s to %s", id, r.Status, to)
	}
	now := s.now()
	r.Status = to
	r.UpdatedAt = now
	switch to {
	case StatusApproved:
		r.ApprovedAt = &now
	case StatusCompleted:
		r.CompletedAt = &now
	}
	if res.By != "" {
		r.ResolvedBy = res.By
	}
	if res.Notes != "" {
		r.Notes = res.Notes
	}
	if res.ActualCost != nil {
		r.ActualCost = res.ActualCost
	}
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	slog.Info("human request transitioned", "id", id, "state", to, "by", res.By)
	s.record("human_request."+string(to), id, r.Title)
	return r.clone(), nil
}

// Get returns one request.
func (s *Store) Get(id int64) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[id]
	if !ok {
		return nil, fault.New(fault.NotFound, "human request %d not found", id)
	}
	return r.clone(), nil
}

// List returns requests, optionally filtered by status, ordered by priority
// descending then creation time ascending, so the most urgent oldest work
// surfaces first.
func (s *Store) List(status Status) []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Request, 0, len(s.requests))
	for _, r := range s.requests {
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// PendingCount returns how many requests await a human.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, r := range s.requests {
		if r.Status == StatusPending {
			n++
		}
	}
	return n
}

func (s *Store) persistLocked() error {
	snap := snapshot{Version: 1, NextID: s.nextID}
	for _, r := range s.requests {
		snap.Requests = append(snap.Requests, r)
	}
	sort.Slice(snap.Requests, func(i, j int) bool { return snap.Requests[i].ID < snap.Requests[j].ID })

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fault.Wrap(fault.Fatal, err, "create human_requests dir")
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fault.Wrap(fault.Fatal, err, "marshal human requests")
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(b)); err != nil {
		return fault.Wrap(fault.Fatal, err, "write human requests snapshot")
	}
	return nil
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fault.Wrap(fault.Fatal, err, "read human requests snapshot")
	}
	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return fault.Wrap(fault.Fatal, err, "decode human requests snapshot")
	}
	if snap.NextID > 0 {
		s.nextID = snap.NextID
	}
	for _, r := range snap.Requests {
		s.requests[r.ID] = r
		if r.ID >= s.nextID {
			s.nextID = r.ID + 1
		}
	}
	return nil
}
