// Package processor drives the background drain cycle over the sync
// queue.
//
// A single worker drains eligible items priority-first whenever the
// terminal is online. Only one cycle runs at a time: the automatic
// on-reconnect trigger and a manual sync-now request both try to take
// the same single-slot guard and become no-ops if a cycle is already
// draining. Preemption is at batch-fetch granularity; an item already in
// flight is never interrupted by a higher-priority arrival.
package processor

import (
	"context"
	"sync"
	"time"

	"github.com/matkassa/tillsync/internal/conflict"
	"github.com/matkassa/tillsync/internal/connectivity"
	apperrors "github.com/matkassa/tillsync/internal/errors"
	"github.com/matkassa/tillsync/internal/logging"
	"github.com/matkassa/tillsync/internal/metrics"
	"github.com/matkassa/tillsync/internal/models"
	"github.com/matkassa/tillsync/internal/queue"
	"github.com/matkassa/tillsync/internal/submit"
)

// Config holds processor tuning knobs.
type Config struct {
	// BatchSize caps how many eligible items one cycle fetches.
	BatchSize int
	// Interval is how often an automatic drain is attempted while
	// online.
	Interval time.Duration
	// SubmitTimeout bounds each submitter call so a hung remote does
	// not starve the rest of the queue.
	SubmitTimeout time.Duration
	// StuckThreshold is the age past which an InProgress item is
	// treated as crash residue and reverted to Pending.
	StuckThreshold time.Duration
}

// DefaultConfig returns the default processor configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:      50,
		Interval:       time.Minute,
		SubmitTimeout:  30 * time.Second,
		StuckThreshold: 10 * time.Minute,
	}
}

// CycleResult summarizes one drain cycle.
type CycleResult struct {
	Fetched     int    `json:"fetched"`
	Completed   int    `json:"completed"`
	Rescheduled int    `json:"rescheduled"`
	Conflicts   int    `json:"conflicts"`
	Aborted     bool   `json:"aborted"`
	AbortReason string `json:"abort_reason,omitempty"`
}

// Processor coordinates the queue store, connectivity monitor, retry
// policy, conflict resolver, and the registered entity submitters.
type Processor struct {
	store    *queue.Store
	resolver *conflict.Resolver
	registry *submit.Registry
	monitor  *connectivity.Monitor
	metrics  *metrics.Metrics
	cfg      Config

	mu            sync.Mutex
	draining      bool
	running       bool
	lastCycleAt   time.Time
	lastSuccessAt time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Processor.
func New(store *queue.Store, resolver *conflict.Resolver, registry *submit.Registry,
	monitor *connectivity.Monitor, m *metrics.Metrics, cfg Config) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	return &Processor{
		store:    store,
		resolver: resolver,
		registry: registry,
		monitor:  monitor,
		metrics:  m,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the background worker and hooks connectivity-regained
// events to an immediate drain attempt.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	p.monitor.Subscribe(func(old, new connectivity.Status) {
		if new == connectivity.StatusOnline {
			go p.TriggerSync(ctx)
		}
	})

	p.wg.Add(1)
	go p.loop(ctx)
	logging.Info("Sync processor started", map[string]interface{}{
		"batch_size":       p.cfg.BatchSize,
		"interval_seconds": p.cfg.Interval.Seconds(),
	})
}

// Stop halts the background worker and waits for it to finish. A cycle
// in flight finishes its current item and then observes the stop signal.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
	logging.Info("Sync processor stopped", nil)
}

func (p *Processor) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if n, err := p.store.ResetStuckItems(p.cfg.StuckThreshold); err != nil {
				logging.Error("Failed to reset stuck items", err, nil)
			} else if n > 0 {
				logging.Info("Recovered stuck items", map[string]interface{}{"count": n})
			}
			p.refreshGauges()
			if p.monitor.Status() == connectivity.StatusOnline {
				p.TriggerSync(ctx)
			}
		}
	}
}

// TriggerSync attempts to start a drain cycle. It is a no-op returning
// false if a cycle is already running.
func (p *Processor) TriggerSync(ctx context.Context) bool {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		logging.Debug("Drain cycle already running, skipping trigger", nil)
		return false
	}
	p.draining = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.draining = false
		p.mu.Unlock()
	}()

	result := p.runCycle(ctx)

	p.mu.Lock()
	p.lastCycleAt = time.Now()
	if !result.Aborted {
		p.lastSuccessAt = p.lastCycleAt
	}
	p.mu.Unlock()

	if p.metrics != nil {
		if result.Aborted {
			p.metrics.CyclesTotal.WithLabelValues("aborted").Inc()
		} else {
			p.metrics.CyclesTotal.WithLabelValues("completed").Inc()
			p.metrics.LastCycleSuccess.SetToCurrentTime()
		}
	}
	p.refreshGauges()
	return true
}

// runCycle fetches one batch and submits each item in order. Submitter
// errors are item-local; storage errors abort the cycle because they
// threaten the durability invariant itself.
func (p *Processor) runCycle(ctx context.Context) *CycleResult {
	result := &CycleResult{}

	if p.monitor.Status() != connectivity.StatusOnline {
		result.Aborted = true
		result.AbortReason = "offline"
		return result
	}

	items, err := p.store.GetPending(p.cfg.BatchSize)
	if err != nil {
		logging.ErrorWithCode("Drain cycle aborted: cannot read queue",
			string(apperrors.ErrStorage), err, nil)
		result.Aborted = true
		result.AbortReason = "storage"
		return result
	}
	result.Fetched = len(items)
	if len(items) == 0 {
		return result
	}

	logging.Info("Drain cycle started", map[string]interface{}{
		"batch": len(items),
	})

	for _, item := range items {
		// Connectivity is re-checked between items, not just at cycle
		// start, so a mid-cycle dropout aborts cleanly.
		if p.monitor.Status() == connectivity.StatusOffline {
			result.Aborted = true
			result.AbortReason = "connectivity lost"
			break
		}
		select {
		case <-ctx.Done():
			result.Aborted = true
			result.AbortReason = "cancelled"
			return result
		case <-p.stopCh:
			result.Aborted = true
			result.AbortReason = "stopped"
			return result
		default:
		}

		abort := p.processItem(ctx, item, result)
		if abort {
			break
		}
	}

	logging.Info("Drain cycle finished", map[string]interface{}{
		"fetched":     result.Fetched,
		"completed":   result.Completed,
		"rescheduled": result.Rescheduled,
		"conflicts":   result.Conflicts,
		"aborted":     result.Aborted,
	})
	return result
}

// processItem submits one item. The returned bool requests a cycle
// abort (rate limiting or a storage failure).
func (p *Processor) processItem(ctx context.Context, item *models.SyncItem, result *CycleResult) bool {
	if err := p.store.MarkInProgress(item.ID); err != nil {
		if apperrors.Is(err, apperrors.ErrItemClaimed) {
			// Another cycle won the race for this item.
			return false
		}
		logging.ErrorWithCode("Drain cycle aborted: cannot claim item",
			string(apperrors.ErrStorage), err, map[string]interface{}{"item_id": item.ID.String()})
		result.Aborted = true
		result.AbortReason = "storage"
		return true
	}

	submitter, ok := p.registry.Lookup(item.EntityType)
	if !ok {
		err := apperrors.New(apperrors.ErrNoSubmitter, "no submitter registered for "+item.EntityType)
		logging.Error("Cannot submit item", err, map[string]interface{}{
			"item_id":     item.ID.String(),
			"entity_type": item.EntityType,
		})
		return p.fail(item, err, true, result)
	}

	submitCtx, cancel := context.WithTimeout(ctx, p.cfg.SubmitTimeout)
	res := submitter.Submit(submitCtx, item)
	cancel()

	switch res.Kind {
	case submit.KindSuccess:
		if err := p.store.MarkCompleted(item.ID); err != nil {
			return p.storageAbort(err, result)
		}
		result.Completed++
		p.countItem("completed")
		return false

	case submit.KindTransient:
		return p.fail(item, apperrors.New(apperrors.ErrSubmitTransient, res.Reason), false, result)

	case submit.KindRateLimited:
		// Stop hammering a throttling remote; the rest of the batch
		// stays Pending and the next cycle resumes.
		if err := p.store.MarkFailed(item.ID, apperrors.New(apperrors.ErrRateLimited, res.Reason), false); err != nil {
			return p.storageAbort(err, result)
		}
		result.Rescheduled++
		p.countItem("rate_limited")
		logging.Warn("Drain cycle aborted by rate limit", map[string]interface{}{
			"item_id": item.ID.String(),
		})
		result.Aborted = true
		result.AbortReason = "rate limited"
		return true

	case submit.KindRejected:
		return p.fail(item, apperrors.New(apperrors.ErrSubmitRejected, res.Reason), true, result)

	case submit.KindConflict:
		return p.handleConflict(item, res, result)
	}
	return false
}

// handleConflict routes a version conflict to the resolver. The queue
// item is marked Completed — delivery happened; the conflict record, not
// the item, carries the unresolved state — unless the resolver asks for
// the local value to be re-submitted, which is an ordinary retry.
func (p *Processor) handleConflict(item *models.SyncItem, res submit.Result, result *CycleResult) bool {
	rec, err := p.resolver.Detect(item.ID, item.EntityType, item.EntityID,
		item.Payload, res.RemoteValue, time.Unix(item.CreatedAt, 0), res.RemoteModifiedAt)
	if err != nil {
		return p.storageAbort(err, result)
	}
	if rec == nil {
		// Field-equivalent snapshots; nothing actually diverged.
		if err := p.store.MarkCompleted(item.ID); err != nil {
			return p.storageAbort(err, result)
		}
		result.Completed++
		p.countItem("completed")
		return false
	}

	result.Conflicts++
	outcome, err := p.resolver.Resolve(rec)
	if err != nil {
		return p.storageAbort(err, result)
	}
	if p.metrics != nil {
		p.metrics.ConflictsTotal.WithLabelValues(string(outcome.Resolution)).Inc()
	}

	if outcome.Resubmit {
		p.countItem("conflict")
		return p.fail(item,
			apperrors.New(apperrors.ErrSubmitTransient, "re-submitting local value after conflict"),
			false, result)
	}

	if err := p.store.MarkCompleted(item.ID); err != nil {
		return p.storageAbort(err, result)
	}
	p.countItem("conflict")
	return false
}

// fail records a failed attempt; storage errors still abort the cycle.
func (p *Processor) fail(item *models.SyncItem, cause error, permanent bool, result *CycleResult) bool {
	err := p.store.MarkFailed(item.ID, cause, permanent)
	if err != nil {
		return p.storageAbort(err, result)
	}
	result.Rescheduled++
	p.countItem("rescheduled")
	return false
}

func (p *Processor) storageAbort(err error, result *CycleResult) bool {
	logging.ErrorWithCode("Drain cycle aborted: storage failure",
		string(apperrors.ErrStorage), err, nil)
	result.Aborted = true
	result.AbortReason = "storage"
	return true
}

func (p *Processor) countItem(outcome string) {
	if p.metrics != nil {
		p.metrics.ItemsTotal.WithLabelValues(outcome).Inc()
	}
}

func (p *Processor) refreshGauges() {
	if p.metrics == nil {
		return
	}
	stats, err := p.store.GetStats()
	if err != nil {
		logging.Error("Failed to refresh queue gauges", err, nil)
		return
	}
	p.metrics.ObserveQueue(stats)
}

// Status is a read-only snapshot for the inspection API.
type Status struct {
	Running       bool               `json:"running"`
	Draining      bool               `json:"draining"`
	LastCycleAt   *time.Time         `json:"last_cycle_at,omitempty"`
	LastSuccessAt *time.Time         `json:"last_success_at,omitempty"`
	Connectivity  connectivity.State `json:"connectivity"`
	Queue         *queue.Stats       `json:"queue"`
}

// GetStatus assembles the current processor status.
func (p *Processor) GetStatus() (*Status, error) {
	stats, err := p.store.GetStats()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	status := &Status{
		Running:      p.running,
		Draining:     p.draining,
		Connectivity: p.monitor.State(),
		Queue:        stats,
	}
	if !p.lastCycleAt.IsZero() {
		t := p.lastCycleAt
		status.LastCycleAt = &t
	}
	if !p.lastSuccessAt.IsZero() {
		t := p.lastSuccessAt
		status.LastSuccessAt = &t
	}
	p.mu.Unlock()
	return status, nil
}
