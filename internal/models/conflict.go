// Package models provides data model definitions for the tillsync engine.
package models

import (
	"encoding/json"
	"time"
)

// ConflictStatus represents the lifecycle state of a conflict record.
type ConflictStatus string

const (
	ConflictStatusDetected      ConflictStatus = "detected"
	ConflictStatusAutoResolved  ConflictStatus = "auto_resolved"
	ConflictStatusPendingManual ConflictStatus = "pending_manual"
	ConflictStatusResolved      ConflictStatus = "resolved"
	ConflictStatusIgnored       ConflictStatus = "ignored"
)

// IsClosed reports whether the record is immutable except for audit
// annotation.
func (s ConflictStatus) IsClosed() bool {
	return s == ConflictStatusResolved || s == ConflictStatusIgnored ||
		s == ConflictStatusAutoResolved
}

// Resolution identifies how a conflict was, or should be, reconciled.
type Resolution string

const (
	ResolutionLocalWins     Resolution = "local_wins"
	ResolutionRemoteWins    Resolution = "remote_wins"
	ResolutionLastWriteWins Resolution = "last_write_wins"
	ResolutionMerged        Resolution = "merged"
	ResolutionManual        Resolution = "manual"
)

// ConflictRecord captures a detected divergence between the local and
// remote value of the same logical entity.
//
// ItemID references the triggering queue item and is empty for conflicts
// discovered during downloads.
type ConflictRecord struct {
	ID               UUID            `db:"id" json:"id"`
	ItemID           UUID            `db:"item_id" json:"item_id,omitempty"`
	EntityType       string          `db:"entity_type" json:"entity_type"`
	EntityID         string          `db:"entity_id" json:"entity_id"`
	LocalValue       json.RawMessage `db:"local_value" json:"local_value"`
	RemoteValue      json.RawMessage `db:"remote_value" json:"remote_value"`
	LocalModifiedAt  int64           `db:"local_modified_at" json:"local_modified_at"`
	RemoteModifiedAt int64           `db:"remote_modified_at" json:"remote_modified_at"`
	Status           ConflictStatus  `db:"status" json:"status"`
	Resolution       Resolution      `db:"resolution" json:"resolution,omitempty"`
	ResolvedBy       string          `db:"resolved_by" json:"resolved_by,omitempty"`
	Notes            string          `db:"notes" json:"notes,omitempty"`
	DetectedAt       int64           `db:"detected_at" json:"detected_at"`
	ResolvedAt       int64           `db:"resolved_at" json:"resolved_at,omitempty"`
}

// TableName returns the table name for ConflictRecord.
func (ConflictRecord) TableName() string {
	return "conflict_records"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictRecord) DetectedAtTime() time.Time {
	return time.Unix(c.DetectedAt, 0)
}

// AuditEntry is one immutable line of the conflict resolution audit
// trail. Entries are appended on every automatic or manual resolution and
// are never pruned by normal cleanup.
type AuditEntry struct {
	ID         UUID       `db:"id" json:"id"`
	ConflictID UUID       `db:"conflict_id" json:"conflict_id"`
	Rule       string     `db:"rule" json:"rule"`
	Outcome    Resolution `db:"outcome" json:"outcome"`
	Actor      string     `db:"actor" json:"actor"`
	Notes      string     `db:"notes" json:"notes,omitempty"`
	RecordedAt int64      `db:"recorded_at" json:"recorded_at"`
}

// TableName returns the table name for AuditEntry.
func (AuditEntry) TableName() string {
	return "conflict_audit"
}
