// Package models provides data model definitions for the tillsync engine.
package models

import (
	"encoding/json"
	"time"
)

// Operation represents the kind of local mutation carried by a sync item.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Priority orders queue draining. Lower values drain first.
type Priority int

const (
	// PriorityCritical is reserved for legally mandated submissions
	// such as fiscal/tax invoices.
	PriorityCritical Priority = 0
	// PriorityHigh covers payment confirmations.
	PriorityHigh Priority = 1
	// PriorityNormal covers inventory and catalog changes.
	PriorityNormal Priority = 2
	// PriorityLow covers analytics and anything deferrable.
	PriorityLow Priority = 3
)

// String returns the human-readable name of the priority band.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

// Priorities lists all bands in drain order.
func Priorities() []Priority {
	return []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}
}

// ItemStatus represents the lifecycle state of a sync item.
type ItemStatus string

const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusInProgress ItemStatus = "in_progress"
	ItemStatusCompleted  ItemStatus = "completed"
	ItemStatusFailed     ItemStatus = "failed"
	ItemStatusCancelled  ItemStatus = "cancelled"
)

// IsTerminal reports whether no further automatic transition may occur.
// Failed is terminal only once the retry budget is exhausted; the queue
// store enforces that, so a persisted Failed status is always terminal.
func (s ItemStatus) IsTerminal() bool {
	return s == ItemStatusCompleted || s == ItemStatusCancelled || s == ItemStatusFailed
}

// SyncItem is one pending or historical synchronization unit.
//
// Payload is an immutable snapshot of the entity at enqueue time; a later
// local change produces a new item rather than mutating this one. Seq is
// assigned by the store and breaks created_at ties within a priority band.
type SyncItem struct {
	ID             UUID            `db:"id" json:"id"`
	Seq            int64           `db:"seq" json:"seq"`
	EntityType     string          `db:"entity_type" json:"entity_type"`
	EntityID       string          `db:"entity_id" json:"entity_id"`
	Operation      Operation       `db:"operation" json:"operation"`
	Payload        json.RawMessage `db:"payload" json:"payload"`
	Priority       Priority        `db:"priority" json:"priority"`
	Status         ItemStatus      `db:"status" json:"status"`
	AttemptCount   int             `db:"attempt_count" json:"attempt_count"`
	LastAttemptAt  int64           `db:"last_attempt_at" json:"last_attempt_at,omitempty"`
	NextEligibleAt int64           `db:"next_eligible_at" json:"next_eligible_at"`
	LastError      string          `db:"last_error" json:"last_error,omitempty"`
	CreatedAt      int64           `db:"created_at" json:"created_at"`
	UpdatedAt      int64           `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for SyncItem.
func (SyncItem) TableName() string {
	return "sync_items"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (i *SyncItem) CreatedAtTime() time.Time {
	return time.Unix(i.CreatedAt, 0)
}

// NextEligibleAtTime returns the NextEligibleAt as time.Time.
func (i *SyncItem) NextEligibleAtTime() time.Time {
	return time.Unix(i.NextEligibleAt, 0)
}
