package store

import (
	"time"
)

// Action types
const (
	TypeAllocate   = "allocate"
	TypeUnallocate = "unallocate"
	TypeReallocate = "reallocate"
	TypeCollect    = "collect"
)

// Action statuses
const (
	StatusQueued   = "queued"
	StatusApproved = "approved"
	StatusPending  = "pending"
	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusCanceled = "canceled"
)

// Indexing rule decision bases. Only always/offchain are written by the
// lifecycle manager; rules/never belong to the external rule engine.
const (
	RuleAlways   = "always"
	RuleOffchain = "offchain"
	RuleRules    = "rules"
	RuleNever    = "never"
)

// ValidType reports whether t is a recognized action type.
func ValidType(t string) bool {
	switch t {
	case TypeAllocate, TypeUnallocate, TypeReallocate, TypeCollect:
		return true
	}
	return false
}

// ValidStatus reports whether s is a recognized action status.
func ValidStatus(s string) bool {
	switch s {
	case StatusQueued, StatusApproved, StatusPending, StatusSuccess, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Action is a requested change to an allocation. Target parameters are
// nullable and interpreted per type; exactly the fields relevant to Type
// are populated, all others stay nil.
type Action struct {
	ID              int64      `json:"id"`
	Type            string     `json:"type"`
	DeploymentID    *string    `json:"deployment_id,omitempty"`
	AllocationID    *string    `json:"allocation_id,omitempty"`
	Amount          *string    `json:"amount,omitempty"`
	POI             *string    `json:"poi,omitempty"`
	Force           *bool      `json:"force,omitempty"`
	Source          string     `json:"source"`
	Reason          string     `json:"reason"`
	Priority        int        `json:"priority"`
	Status          string     `json:"status"`
	TransactionHash *string    `json:"transaction_hash,omitempty"`
	FailureReason   *string    `json:"failure_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ActionFilter is an exact-match filter over actions. Nil fields are
// unconstrained.
type ActionFilter struct {
	Type   *string `json:"type,omitempty"`
	Status *string `json:"status,omitempty"`
	Source *string `json:"source,omitempty"`
	Reason *string `json:"reason,omitempty"`
}

// IndexingRule is the off-chain policy record for a deployment. The
// lifecycle manager flips DecisionBasis as a side effect of allocate
// (always) and unallocate (offchain) so the automated rule engine stays
// aligned with manually driven actions.
type IndexingRule struct {
	DeploymentID  string    `json:"deployment_id"`
	DecisionBasis string    `json:"decision_basis"`
	Amount        *string   `json:"amount,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Event is a lifecycle event recorded in the events database.
type Event struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	ActionID  *int64    `json:"action_id,omitempty"`
	Data      string    `json:"data,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
