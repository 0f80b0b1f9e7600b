// Package queue provides the durable, priority-ordered outbound sync queue.
//
// The store owns the sync_items table exclusively. All status transitions
// go through its methods, which are single-statement (or single
// transaction) updates guarded by the current status, so a manual
// sync-now trigger racing the on-reconnect trigger can never double-claim
// an item.
package queue

import (
	"database/sql"
	"encoding/json"
	"time"

	apperrors "github.com/matkassa/tillsync/internal/errors"
	"github.com/matkassa/tillsync/internal/logging"
	"github.com/matkassa/tillsync/internal/models"
	"github.com/matkassa/tillsync/internal/uuid"
)

const itemColumns = `seq, id, entity_type, entity_id, operation, payload, priority, status,
	attempt_count, last_attempt_at, next_eligible_at, last_error, created_at, updated_at`

// Store persists and transitions sync queue items.
type Store struct {
	db     *sql.DB
	policy RetryPolicy
}

// NewStore creates a queue store backed by db, using policy for failure
// scheduling.
func NewStore(db *sql.DB, policy RetryPolicy) *Store {
	return &Store{db: db, policy: policy}
}

// Policy returns the retry policy the store schedules failures with.
func (s *Store) Policy() RetryPolicy {
	return s.policy
}

// Enqueue appends a new pending item. The payload is stored as an
// immutable snapshot; callers enqueue a fresh item for each later change.
func (s *Store) Enqueue(entityType, entityID string, op models.Operation, payload json.RawMessage, priority models.Priority) (*models.SyncItem, error) {
	now := time.Now().Unix()
	item := &models.SyncItem{
		ID:             models.UUID(uuid.New()),
		EntityType:     entityType,
		EntityID:       entityID,
		Operation:      op,
		Payload:        payload,
		Priority:       priority,
		Status:         models.ItemStatusPending,
		NextEligibleAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	query := `
	INSERT INTO sync_items (id, entity_type, entity_id, operation, payload, priority, status,
		attempt_count, last_attempt_at, next_eligible_at, last_error, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?, '', ?, ?)
	`
	res, err := s.db.Exec(query, item.ID, item.EntityType, item.EntityID, item.Operation,
		[]byte(item.Payload), int(item.Priority), item.Status, item.NextEligibleAt,
		item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to enqueue sync item", err)
	}
	item.Seq, _ = res.LastInsertId()

	logging.Debug("Enqueued sync item", map[string]interface{}{
		"item_id":     item.ID.String(),
		"entity_type": entityType,
		"entity_id":   entityID,
		"operation":   string(op),
		"priority":    priority.String(),
	})

	return item, nil
}

// GetPending returns up to limit eligible pending items, highest priority
// band first and FIFO by creation within a band. Critical items are never
// starved by Normal/Low volume because ordering is always priority-first.
func (s *Store) GetPending(limit int) ([]*models.SyncItem, error) {
	query := `
	SELECT ` + itemColumns + `
	FROM sync_items
	WHERE status = ? AND next_eligible_at <= ?
	ORDER BY priority ASC, created_at ASC, seq ASC
	LIMIT ?
	`
	rows, err := s.db.Query(query, models.ItemStatusPending, time.Now().Unix(), limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to query pending items", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// Get retrieves a single item by id.
func (s *Store) Get(id models.UUID) (*models.SyncItem, error) {
	query := `SELECT ` + itemColumns + ` FROM sync_items WHERE id = ?`
	item, err := scanItem(s.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrQueueItemNotFound, "sync item not found: "+id.String())
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to load sync item", err)
	}
	return item, nil
}

// MarkInProgress claims a pending item for submission. The update is
// guarded by the Pending status, so a concurrent cycle that already
// claimed the item loses the race and gets ErrItemClaimed.
func (s *Store) MarkInProgress(id models.UUID) error {
	now := time.Now().Unix()
	res, err := s.db.Exec(`
	UPDATE sync_items
	SET status = ?, last_attempt_at = ?, updated_at = ?
	WHERE id = ? AND status = ?`,
		models.ItemStatusInProgress, now, now, id, models.ItemStatusPending)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to mark item in progress", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrItemClaimed, "item is not pending: "+id.String())
	}
	return nil
}

// MarkCompleted finishes a claimed item. Completed is terminal.
func (s *Store) MarkCompleted(id models.UUID) error {
	res, err := s.db.Exec(`
	UPDATE sync_items SET status = ?, last_error = '', updated_at = ?
	WHERE id = ? AND status = ?`,
		models.ItemStatusCompleted, time.Now().Unix(), id, models.ItemStatusInProgress)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to mark item completed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrQueueItemNotFound, "item is not in progress: "+id.String())
	}
	return nil
}

// MarkFailed records a failed attempt. The item is rescheduled with
// exponential backoff, or parked as terminally Failed once the retry
// budget is exhausted. permanent uses the reduced budget for payloads the
// remote rejected outright.
func (s *Store) MarkFailed(id models.UUID, submitErr error, permanent bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	var attempts int
	var status string
	err = tx.QueryRow(`SELECT attempt_count, status FROM sync_items WHERE id = ?`, id).
		Scan(&attempts, &status)
	if err == sql.ErrNoRows {
		return apperrors.New(apperrors.ErrQueueItemNotFound, "sync item not found: "+id.String())
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to load sync item", err)
	}
	if models.ItemStatus(status) != models.ItemStatusInProgress {
		return apperrors.New(apperrors.ErrItemClaimed, "item is not in progress: "+id.String())
	}

	attempts++
	budget := s.policy.MaxRetries
	if permanent {
		budget = s.policy.RejectionRetries()
	}

	now := time.Now()
	errText := ""
	if submitErr != nil {
		errText = submitErr.Error()
	}

	if attempts >= budget {
		// Terminal failure; surfaced through the failed-items list,
		// never silently dropped.
		_, err = tx.Exec(`
		UPDATE sync_items
		SET status = ?, attempt_count = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
			models.ItemStatusFailed, attempts, errText, now.Unix(), id)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrStorage, "failed to mark item failed", err)
		}
		if err := tx.Commit(); err != nil {
			return apperrors.Wrap(apperrors.ErrStorage, "failed to commit", err)
		}
		logging.Warn("Sync item failed permanently", map[string]interface{}{
			"item_id":  id.String(),
			"attempts": attempts,
			"error":    errText,
		})
		return nil
	}

	delay := s.policy.Delay(attempts)
	_, err = tx.Exec(`
	UPDATE sync_items
	SET status = ?, attempt_count = ?, next_eligible_at = ?, last_error = ?, updated_at = ?
	WHERE id = ?`,
		models.ItemStatusPending, attempts, now.Add(delay).Unix(), errText, now.Unix(), id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to reschedule item", err)
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to commit", err)
	}

	logging.Info("Sync item rescheduled", map[string]interface{}{
		"item_id":       id.String(),
		"attempt":       attempts,
		"retry_in_secs": delay.Seconds(),
	})
	return nil
}

// MarkCancelled cancels a pending item. Cancelled is terminal.
func (s *Store) MarkCancelled(id models.UUID) error {
	res, err := s.db.Exec(`
	UPDATE sync_items SET status = ?, updated_at = ?
	WHERE id = ? AND status = ?`,
		models.ItemStatusCancelled, time.Now().Unix(), id, models.ItemStatusPending)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to cancel item", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrItemTerminal, "item is not pending: "+id.String())
	}
	return nil
}

// ResetStuckItems reverts items left InProgress beyond maxAge back to
// Pending with their attempt count unchanged. A crash mid-submission is
// an ordinary failure, not data loss.
func (s *Store) ResetStuckItems(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	res, err := s.db.Exec(`
	UPDATE sync_items SET status = ?, updated_at = ?
	WHERE status = ? AND last_attempt_at <= ?`,
		models.ItemStatusPending, time.Now().Unix(), models.ItemStatusInProgress, cutoff)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "failed to reset stuck items", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Warn("Reverted stuck in-progress items to pending", map[string]interface{}{
			"count": n,
		})
	}
	return int(n), nil
}

// RetryFailed resets terminally failed items to pending with a fresh
// attempt budget. Operator action.
func (s *Store) RetryFailed() (int, error) {
	now := time.Now().Unix()
	res, err := s.db.Exec(`
	UPDATE sync_items
	SET status = ?, attempt_count = 0, next_eligible_at = ?, last_error = '', updated_at = ?
	WHERE status = ?`,
		models.ItemStatusPending, now, now, models.ItemStatusFailed)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "failed to reset failed items", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Info("Reset failed items for retry", map[string]interface{}{"count": n})
	}
	return int(n), nil
}

// Stats is a read-only snapshot of queue composition for the inspection
// API and metrics.
type Stats struct {
	PendingByPriority map[string]int `json:"pending_by_priority"`
	PendingByType     map[string]int `json:"pending_by_type"`
	InProgress        int            `json:"in_progress"`
	Failed            int            `json:"failed"`
	Completed         int            `json:"completed"`
	Cancelled         int            `json:"cancelled"`
	OldestPendingAt   int64          `json:"oldest_pending_at,omitempty"`
}

// GetStats returns queue statistics.
func (s *Store) GetStats() (*Stats, error) {
	stats := &Stats{
		PendingByPriority: make(map[string]int),
		PendingByType:     make(map[string]int),
	}

	rows, err := s.db.Query(`
	SELECT status, priority, entity_type, COUNT(*)
	FROM sync_items GROUP BY status, priority, entity_type`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to query queue stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var priority int
		var entityType string
		var count int
		if err := rows.Scan(&status, &priority, &entityType, &count); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to scan queue stats", err)
		}
		switch models.ItemStatus(status) {
		case models.ItemStatusPending:
			stats.PendingByPriority[models.Priority(priority).String()] += count
			stats.PendingByType[entityType] += count
		case models.ItemStatusInProgress:
			stats.InProgress += count
		case models.ItemStatusFailed:
			stats.Failed += count
		case models.ItemStatusCompleted:
			stats.Completed += count
		case models.ItemStatusCancelled:
			stats.Cancelled += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to iterate queue stats", err)
	}

	var oldest sql.NullInt64
	err = s.db.QueryRow(`SELECT MIN(created_at) FROM sync_items WHERE status = ?`,
		models.ItemStatusPending).Scan(&oldest)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to query oldest pending", err)
	}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Int64
	}

	return stats, nil
}

// FailedItems returns terminally failed items with their error text for
// operator attention, newest first.
func (s *Store) FailedItems(limit int) ([]*models.SyncItem, error) {
	query := `
	SELECT ` + itemColumns + `
	FROM sync_items WHERE status = ?
	ORDER BY updated_at DESC LIMIT ?
	`
	rows, err := s.db.Query(query, models.ItemStatusFailed, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to query failed items", err)
	}
	defer rows.Close()
	return scanItems(rows)
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row scanner) (*models.SyncItem, error) {
	var item models.SyncItem
	var payload []byte
	var priority int
	err := row.Scan(&item.Seq, &item.ID, &item.EntityType, &item.EntityID, &item.Operation,
		&payload, &priority, &item.Status, &item.AttemptCount, &item.LastAttemptAt,
		&item.NextEligibleAt, &item.LastError, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}
	item.Payload = json.RawMessage(payload)
	item.Priority = models.Priority(priority)
	return &item, nil
}

func scanItems(rows *sql.Rows) ([]*models.SyncItem, error) {
	var items []*models.SyncItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to scan sync item", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to iterate sync items", err)
	}
	return items, nil
}
