// Package conflict provides rule-driven reconciliation of divergent
// local/remote state.
package conflict

import (
	"database/sql"
	"encoding/json"
	"time"

	apperrors "github.com/matkassa/tillsync/internal/errors"
	"github.com/matkassa/tillsync/internal/models"
	"github.com/matkassa/tillsync/internal/uuid"
)

const conflictColumns = `id, item_id, entity_type, entity_id, local_value, remote_value,
	local_modified_at, remote_modified_at, status, resolution, resolved_by, notes,
	detected_at, resolved_at`

// Store owns the conflict_records and conflict_audit tables.
type Store struct {
	db *sql.DB
}

// NewStore creates a conflict store backed by db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create persists a freshly detected conflict record.
func (s *Store) Create(rec *models.ConflictRecord) error {
	if rec.ID == "" {
		rec.ID = models.UUID(uuid.New())
	}
	if rec.DetectedAt == 0 {
		rec.DetectedAt = time.Now().Unix()
	}
	query := `
	INSERT INTO conflict_records (id, item_id, entity_type, entity_id, local_value, remote_value,
		local_modified_at, remote_modified_at, status, resolution, resolved_by, notes,
		detected_at, resolved_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query, rec.ID, rec.ItemID, rec.EntityType, rec.EntityID,
		[]byte(rec.LocalValue), []byte(rec.RemoteValue), rec.LocalModifiedAt,
		rec.RemoteModifiedAt, rec.Status, rec.Resolution, rec.ResolvedBy, rec.Notes,
		rec.DetectedAt, rec.ResolvedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to create conflict record", err)
	}
	return nil
}

// Get retrieves a conflict record by id.
func (s *Store) Get(id models.UUID) (*models.ConflictRecord, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflict_records WHERE id = ?`
	rec, err := scanConflict(s.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrConflictNotFound, "conflict not found: "+id.String())
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to load conflict record", err)
	}
	return rec, nil
}

// List returns conflict records, optionally filtered by status, newest
// first.
func (s *Store) List(status models.ConflictStatus, limit int) ([]*models.ConflictRecord, error) {
	var rows *sql.Rows
	var err error
	if status != "" {
		rows, err = s.db.Query(`SELECT `+conflictColumns+` FROM conflict_records
			WHERE status = ? ORDER BY detected_at DESC LIMIT ?`, status, limit)
	} else {
		rows, err = s.db.Query(`SELECT `+conflictColumns+` FROM conflict_records
			ORDER BY detected_at DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to query conflict records", err)
	}
	defer rows.Close()

	var recs []*models.ConflictRecord
	for rows.Next() {
		rec, err := scanConflict(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to scan conflict record", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to iterate conflict records", err)
	}
	return recs, nil
}

// close finalizes a conflict record. The update is guarded so a record
// already in a closed status is never rewritten.
func (s *Store) close(rec *models.ConflictRecord) error {
	res, err := s.db.Exec(`
	UPDATE conflict_records
	SET status = ?, resolution = ?, resolved_by = ?, notes = ?, resolved_at = ?
	WHERE id = ? AND status IN (?, ?)`,
		rec.Status, rec.Resolution, rec.ResolvedBy, rec.Notes, rec.ResolvedAt,
		rec.ID, models.ConflictStatusDetected, models.ConflictStatusPendingManual)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to update conflict record", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrConflictClosed, "conflict already resolved: "+rec.ID.String())
	}
	return nil
}

// markPendingManual parks a detected conflict for operator review.
func (s *Store) markPendingManual(id models.UUID) error {
	res, err := s.db.Exec(`
	UPDATE conflict_records SET status = ?, resolution = ?
	WHERE id = ? AND status = ?`,
		models.ConflictStatusPendingManual, models.ResolutionManual,
		id, models.ConflictStatusDetected)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to park conflict", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrConflictClosed, "conflict is not open: "+id.String())
	}
	return nil
}

// AppendAudit appends one immutable audit trail entry. The trail is never
// pruned by normal cleanup.
func (s *Store) AppendAudit(entry *models.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = models.UUID(uuid.New())
	}
	if entry.RecordedAt == 0 {
		entry.RecordedAt = time.Now().Unix()
	}
	_, err := s.db.Exec(`
	INSERT INTO conflict_audit (id, conflict_id, rule, outcome, actor, notes, recorded_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ConflictID, entry.Rule, entry.Outcome, entry.Actor,
		entry.Notes, entry.RecordedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to append audit entry", err)
	}
	return nil
}

// AuditTrail returns the audit entries for a conflict, oldest first.
func (s *Store) AuditTrail(conflictID models.UUID) ([]*models.AuditEntry, error) {
	rows, err := s.db.Query(`
	SELECT id, conflict_id, rule, outcome, actor, notes, recorded_at
	FROM conflict_audit WHERE conflict_id = ? ORDER BY recorded_at ASC, id ASC`, conflictID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to query audit trail", err)
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.ConflictID, &e.Rule, &e.Outcome, &e.Actor,
			&e.Notes, &e.RecordedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to scan audit entry", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to iterate audit trail", err)
	}
	return entries, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanConflict(row scanner) (*models.ConflictRecord, error) {
	var rec models.ConflictRecord
	var local, remote []byte
	err := row.Scan(&rec.ID, &rec.ItemID, &rec.EntityType, &rec.EntityID, &local, &remote,
		&rec.LocalModifiedAt, &rec.RemoteModifiedAt, &rec.Status, &rec.Resolution,
		&rec.ResolvedBy, &rec.Notes, &rec.DetectedAt, &rec.ResolvedAt)
	if err != nil {
		return nil, err
	}
	rec.LocalValue = json.RawMessage(local)
	rec.RemoteValue = json.RawMessage(remote)
	return &rec, nil
}
