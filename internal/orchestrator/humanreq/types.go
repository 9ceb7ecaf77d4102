// Package humanreq tracks requests for human intervention: escalations the
// control plane cannot resolve on its own, such as a host that defeated every
// installation strategy. Requests move through a small approval lifecycle and
// survive restarts.
package humanreq

import "time"

// Status is a request's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Request types.
const (
	TypePayment           = "payment"
	TypeDesignDecision    = "design_decision"
	TypeAPIAccount        = "api_account"
	TypeContentApproval   = "content_approval"
	TypeStrategicDecision = "strategic_decision"
	TypeOther             = "other"
)

var knownTypes = map[string]bool{
	TypePayment:           true,
	TypeDesignDecision:    true,
	TypeAPIAccount:        true,
	TypeContentApproval:   true,
	TypeStrategicDecision: true,
	TypeOther:             true,
}

// transitions is the allowed state machine: a pending request is resolved by
// a human one way or the other; only an approved request can be completed.
var transitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved: {StatusCompleted, StatusCancelled},
}

func canTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Request is one human intervention request.
type Request struct {
	ID            int64      `json:"request_id"`
	Type          string     `json:"type"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	EstimatedCost *float64   `json:"estimated_cost,omitempty"`
	ActualCost    *float64   `json:"actual_cost,omitempty"`
	Priority      int        `json:"priority"`
	Status        Status     `json:"state"`
	CreatedAt     time.Time  `json:"created_at"`
	CreatedBy     string     `json:"created_by,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
	ApprovedAt    *time.Time `json:"approved_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	ResolvedBy    string     `json:"resolved_by,omitempty"`
	Notes         string     `json:"notes,omitempty"`
}

func (r *Request) clone() *Request {
	cp := *r
	if r.EstimatedCost != nil {
		v := *r.EstimatedCost
		cp.EstimatedCost = &v
	}
	if r.ActualCost != nil {
		v := *r.ActualCost
		cp.ActualCost = &v
	}
	if r.ApprovedAt != nil {
		t := *r.ApprovedAt
		cp.ApprovedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// CreateRequest is the input to Store.Create.
type CreateRequest struct {
	Type          string   `json:"type"`
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	EstimatedCost *float64 `json:"estimated_cost,omitempty"`
	Priority      int      `json:"priority,omitempty"`
	CreatedBy     string   `json:"created_by,omitempty"`
}

// Resolution carries the optional details of a lifecycle transition.
type Resolution struct {
	By         string   `json:"by,omitempty"`
	Notes      string   `json:"notes,omitempty"`
	ActualCost *float64 `json:"actual_cost,omitempty"`
}

// Listener is notified when a request is created. Notification is best
// effort: a failing listener never fails the creation.
type Listener interface {
	RequestCreated(r *Request)
}
