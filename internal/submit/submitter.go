// Package submit defines the pluggable per-entity submission contract.
//
// One Submitter exists per synced entity type (tax-authority client,
// mobile-money client, central-office client, ...). The sync processor
// never branches on concrete entity types beyond registry dispatch.
package submit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/matkassa/tillsync/internal/models"
)

// Kind classifies the outcome of one submission attempt.
type Kind int

const (
	// KindSuccess: the remote accepted the payload.
	KindSuccess Kind = iota
	// KindTransient: timeout, 5xx, connection refused; retried with
	// backoff.
	KindTransient
	// KindRateLimited: the remote is throttling; the current drain
	// cycle aborts instead of burning retries.
	KindRateLimited
	// KindRejected: the remote rejected the payload as structurally
	// invalid; retried on a reduced budget, then surfaced to operators.
	KindRejected
	// KindConflict: the remote state diverged from the last known
	// common version; routed to the conflict resolver.
	KindConflict
)

// Result is the outcome of a Submit call.
type Result struct {
	Kind   Kind
	Reason string
	// RemoteValue and RemoteModifiedAt are set for KindConflict.
	RemoteValue      json.RawMessage
	RemoteModifiedAt time.Time
}

// Success reports an accepted submission.
func Success() Result {
	return Result{Kind: KindSuccess}
}

// Transient reports a retryable failure.
func Transient(reason string) Result {
	return Result{Kind: KindTransient, Reason: reason}
}

// RateLimited reports remote throttling.
func RateLimited(reason string) Result {
	return Result{Kind: KindRateLimited, Reason: reason}
}

// Rejected reports a structurally invalid payload.
func Rejected(reason string) Result {
	return Result{Kind: KindRejected, Reason: reason}
}

// Conflict reports divergent remote state.
func Conflict(remoteValue json.RawMessage, remoteModifiedAt time.Time) Result {
	return Result{Kind: KindConflict, RemoteValue: remoteValue, RemoteModifiedAt: remoteModifiedAt}
}

// Submitter delivers one sync item to its remote collaborator.
//
// Implementations must be idempotent with respect to the item id, which
// doubles as the correlation id: a retried submission after a crash must
// not double-apply remotely. Submit must respect ctx cancellation and
// bound its own network timeouts.
type Submitter interface {
	Submit(ctx context.Context, item *models.SyncItem) Result
}

// Registry dispatches items to the Submitter registered for their entity
// type.
type Registry struct {
	mu         sync.RWMutex
	submitters map[string]Submitter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{submitters: make(map[string]Submitter)}
}

// Register binds a submitter to an entity type, replacing any previous
// binding.
func (r *Registry) Register(entityType string, s Submitter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submitters[entityType] = s
}

// Lookup returns the submitter for an entity type.
func (r *Registry) Lookup(entityType string) (Submitter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.submitters[entityType]
	return s, ok
}
