// Package conflict provides rule-driven reconciliation of divergent
// local/remote state.
//
// Detection is a field-level diff of the two serialized snapshots,
// ignoring volatile fields. Resolution looks up the most specific
// matching rule (entity.field beats entity, then rule priority) and
// applies its strategy. Anything the rules route to Manual is parked
// until an authorized operator resolves it; nothing is mutated silently.
package conflict

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sort"
	"sync"
	"time"

	apperrors "github.com/matkassa/tillsync/internal/errors"
	"github.com/matkassa/tillsync/internal/logging"
	"github.com/matkassa/tillsync/internal/models"
)

// volatileFields are bookkeeping fields whose divergence alone does not
// constitute a conflict.
var volatileFields = map[string]struct{}{
	"updated_at": {},
	"version":    {},
	"synced_at":  {},
	"etag":       {},
}

// Outcome is the decision produced for one conflict.
type Outcome struct {
	Conflict   *models.ConflictRecord
	Rule       string
	Resolution models.Resolution
	// ChosenValue is the winning snapshot; nil while PendingManual.
	ChosenValue json.RawMessage
	// Resubmit signals that the local value must be re-submitted to the
	// remote as an overriding update (LocalWins, or LastWriteWins where
	// local is newer).
	Resubmit bool
	// ApplyRemote signals that the local record must take the remote
	// value. The superseded local change stays visible in the conflict
	// record and audit trail.
	ApplyRemote bool
	// PendingManual signals that no automatic mutation occurred.
	PendingManual bool
}

// Resolver decides conflicts against a configurable rule table.
type Resolver struct {
	store *Store

	mu    sync.RWMutex
	rules []models.ResolutionRule
}

// NewResolver creates a Resolver over store with the given rule table.
// A nil table gets the defaults.
func NewResolver(store *Store, rules []models.ResolutionRule) *Resolver {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Resolver{store: store, rules: rules}
}

// DefaultRules builds the default rule table. It can be rebuilt and
// swapped in at runtime via SetRules.
func DefaultRules() []models.ResolutionRule {
	return []models.ResolutionRule{
		// Settled financial transactions: local is authoritative.
		{Key: models.RuleKey{EntityType: "Receipt"}, Resolution: models.ResolutionLocalWins, Priority: 10},
		{Key: models.RuleKey{EntityType: "TaxInvoice"}, Resolution: models.ResolutionLocalWins, Priority: 10},
		// Centrally controlled master data.
		{Key: models.RuleKey{EntityType: "Product"}, Resolution: models.ResolutionRemoteWins, Priority: 10},
		{Key: models.RuleKey{EntityType: "Product", PropertyName: "Price"}, Resolution: models.ResolutionRemoteWins, Priority: 20},
		{Key: models.RuleKey{EntityType: "PriceUpdate"}, Resolution: models.ResolutionRemoteWins, Priority: 10},
		// Operational counters: staleness decides, not authority.
		{Key: models.RuleKey{EntityType: "StockLevel"}, Resolution: models.ResolutionLastWriteWins, Priority: 10},
		// Customer monetary balances must never move silently.
		{Key: models.RuleKey{EntityType: "Customer", PropertyName: "PointsBalance"}, Resolution: models.ResolutionManual, RequiresManualReview: true, Priority: 20},
		{Key: models.RuleKey{EntityType: "Customer", PropertyName: "CreditBalance"}, Resolution: models.ResolutionManual, RequiresManualReview: true, Priority: 20},
	}
}

// Rules returns a copy of the active rule table.
func (r *Resolver) Rules() []models.ResolutionRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ResolutionRule, len(r.rules))
	copy(out, r.rules)
	return out
}

// SetRules replaces the active rule table.
func (r *Resolver) SetRules(rules []models.ResolutionRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = rules
	logging.Info("Resolution rule table replaced", map[string]interface{}{
		"rules": len(rules),
	})
}

// Detect diffs the local and remote snapshots field by field. When they
// are field-equivalent (ignoring volatile fields) it returns nil and no
// record is persisted. Otherwise it persists and returns a Detected
// conflict record. itemID is empty for conflicts found during downloads.
func (r *Resolver) Detect(itemID models.UUID, entityType, entityID string,
	local, remote json.RawMessage, localModifiedAt, remoteModifiedAt time.Time) (*models.ConflictRecord, error) {

	changed := diffFields(local, remote)
	if len(changed) == 0 {
		return nil, nil
	}

	rec := &models.ConflictRecord{
		ItemID:           itemID,
		EntityType:       entityType,
		EntityID:         entityID,
		LocalValue:       local,
		RemoteValue:      remote,
		LocalModifiedAt:  localModifiedAt.Unix(),
		RemoteModifiedAt: remoteModifiedAt.Unix(),
		Status:           models.ConflictStatusDetected,
		DetectedAt:       time.Now().Unix(),
	}
	if err := r.store.Create(rec); err != nil {
		return nil, err
	}

	logging.Warn("Conflict detected", map[string]interface{}{
		"conflict_id":    rec.ID.String(),
		"entity_type":    entityType,
		"entity_id":      entityID,
		"changed_fields": changed,
	})
	return rec, nil
}

// Resolve applies the most specific matching rule to an open conflict.
// Given the same local/remote pair and rule table the outcome is always
// the same.
func (r *Resolver) Resolve(rec *models.ConflictRecord) (*Outcome, error) {
	if rec.Status.IsClosed() {
		return nil, apperrors.New(apperrors.ErrConflictClosed, "conflict already resolved: "+rec.ID.String())
	}

	changed := diffFields(rec.LocalValue, rec.RemoteValue)
	rule, ok := r.matchRule(rec.EntityType, changed)
	if !ok {
		// No rule configured: escalate rather than guess.
		rule = models.ResolutionRule{
			Key:                  models.RuleKey{EntityType: rec.EntityType},
			Resolution:           models.ResolutionManual,
			RequiresManualReview: true,
		}
	}

	if rule.Resolution == models.ResolutionManual || rule.RequiresManualReview {
		if err := r.store.markPendingManual(rec.ID); err != nil {
			return nil, err
		}
		rec.Status = models.ConflictStatusPendingManual
		rec.Resolution = models.ResolutionManual
		logging.Warn("Conflict parked for manual review", map[string]interface{}{
			"conflict_id": rec.ID.String(),
			"entity_type": rec.EntityType,
			"rule":        rule.Key.String(),
		})
		return &Outcome{
			Conflict:      rec,
			Rule:          rule.Key.String(),
			Resolution:    models.ResolutionManual,
			PendingManual: true,
		}, nil
	}

	outcome := &Outcome{
		Conflict:   rec,
		Rule:       rule.Key.String(),
		Resolution: rule.Resolution,
	}

	switch rule.Resolution {
	case models.ResolutionLocalWins:
		outcome.ChosenValue = rec.LocalValue
		outcome.Resubmit = true
	case models.ResolutionRemoteWins:
		outcome.ChosenValue = rec.RemoteValue
		outcome.ApplyRemote = true
	case models.ResolutionLastWriteWins:
		if rec.LocalModifiedAt >= rec.RemoteModifiedAt {
			outcome.ChosenValue = rec.LocalValue
			outcome.Resubmit = true
		} else {
			outcome.ChosenValue = rec.RemoteValue
			outcome.ApplyRemote = true
		}
	default:
		return nil, apperrors.New(apperrors.ErrNoMatchingRule,
			"unsupported resolution: "+string(rule.Resolution))
	}

	rec.Status = models.ConflictStatusAutoResolved
	rec.Resolution = rule.Resolution
	rec.ResolvedBy = "auto"
	rec.ResolvedAt = time.Now().Unix()
	if err := r.store.close(rec); err != nil {
		return nil, err
	}
	if err := r.store.AppendAudit(&models.AuditEntry{
		ConflictID: rec.ID,
		Rule:       rule.Key.String(),
		Outcome:    rule.Resolution,
		Actor:      "auto",
	}); err != nil {
		return nil, err
	}

	logging.Info("Conflict auto-resolved", map[string]interface{}{
		"conflict_id":  rec.ID.String(),
		"entity_type":  rec.EntityType,
		"rule":         rule.Key.String(),
		"resolution":   string(rule.Resolution),
		"apply_remote": outcome.ApplyRemote,
		"resubmit":     outcome.Resubmit,
	})
	return outcome, nil
}

// ManualResolve closes a parked conflict with the value an authorized
// operator chose. The chosen value, notes, and operator identity all land
// in the record and the audit trail.
func (r *Resolver) ManualResolve(conflictID models.UUID, chosenValue json.RawMessage, notes, resolvedBy string) (*Outcome, error) {
	if resolvedBy == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "resolving identity is required")
	}

	rec, err := r.store.Get(conflictID)
	if err != nil {
		return nil, err
	}
	if rec.Status.IsClosed() {
		return nil, apperrors.New(apperrors.ErrConflictClosed, "conflict already resolved: "+conflictID.String())
	}

	rec.Status = models.ConflictStatusResolved
	rec.Resolution = models.ResolutionManual
	rec.ResolvedBy = resolvedBy
	rec.Notes = notes
	rec.ResolvedAt = time.Now().Unix()
	if err := r.store.close(rec); err != nil {
		return nil, err
	}
	if err := r.store.AppendAudit(&models.AuditEntry{
		ConflictID: rec.ID,
		Rule:       "manual",
		Outcome:    models.ResolutionManual,
		Actor:      resolvedBy,
		Notes:      notes,
	}); err != nil {
		return nil, err
	}

	// The operator's choice drives the same follow-up as an automatic
	// decision: submitting local means resubmission, anything else means
	// the local record takes the chosen value.
	resubmit := bytes.Equal(compact(chosenValue), compact(rec.LocalValue))

	logging.Info("Conflict manually resolved", map[string]interface{}{
		"conflict_id": rec.ID.String(),
		"resolved_by": resolvedBy,
		"resubmit":    resubmit,
	})
	return &Outcome{
		Conflict:    rec,
		Rule:        "manual",
		Resolution:  models.ResolutionManual,
		ChosenValue: chosenValue,
		Resubmit:    resubmit,
		ApplyRemote: !resubmit,
	}, nil
}

// matchRule finds the most specific rule for the entity and its changed
// fields: field-level rules beat entity-level rules, then higher Priority
// wins.
func (r *Resolver) matchRule(entityType string, changedFields []string) (models.ResolutionRule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	changed := make(map[string]struct{}, len(changedFields))
	for _, f := range changedFields {
		changed[f] = struct{}{}
	}

	var candidates []models.ResolutionRule
	for _, rule := range r.rules {
		if rule.Key.EntityType != entityType {
			continue
		}
		if rule.Key.IsFieldLevel() {
			if _, ok := changed[rule.Key.PropertyName]; !ok {
				continue
			}
		}
		candidates = append(candidates, rule)
	}
	if len(candidates) == 0 {
		return models.ResolutionRule{}, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].MoreSpecificThan(candidates[j])
	})
	return candidates[0], true
}

// diffFields returns the names of fields that differ meaningfully between
// the two snapshots. Non-object payloads degrade to a whole-value
// comparison reported as the pseudo-field "_raw".
func diffFields(local, remote json.RawMessage) []string {
	var lm, rm map[string]interface{}
	if json.Unmarshal(local, &lm) != nil || json.Unmarshal(remote, &rm) != nil {
		if !bytes.Equal(compact(local), compact(remote)) {
			return []string{"_raw"}
		}
		return nil
	}

	seen := make(map[string]struct{}, len(lm)+len(rm))
	var changed []string
	check := func(field string) {
		if _, done := seen[field]; done {
			return
		}
		seen[field] = struct{}{}
		if _, volatile := volatileFields[field]; volatile {
			return
		}
		lv, lok := lm[field]
		rv, rok := rm[field]
		if lok != rok || !reflect.DeepEqual(lv, rv) {
			changed = append(changed, field)
		}
	}
	for field := range lm {
		check(field)
	}
	for field := range rm {
		check(field)
	}
	sort.Strings(changed)
	return changed
}

// compact normalizes JSON whitespace for byte comparison.
func compact(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
