// Package connectivity tracks reachability of the critical remote
// endpoint and publishes transitions to subscribers.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/matkassa/tillsync/internal/logging"
)

// Status is the tri-state connectivity classification, plus Unknown
// before the first probe completes.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusOnline   Status = "online"
	StatusDegraded Status = "degraded"
	StatusOffline  Status = "offline"
)

// State is the process-wide connectivity snapshot. It is owned by the
// Monitor (single writer) and read by the processor and the HTTP surface.
type State struct {
	Status        Status    `json:"status"`
	ChangedAt     time.Time `json:"changed_at"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
}

// Callback receives status transitions. Callbacks run on the monitor
// goroutine and must not block.
type Callback func(old, new Status)

// Monitor probes a designated endpoint on a fixed interval. The probe is
// a single bounded-timeout request with no internal retries; failure is
// immediate and cheap. Events fire only on transition, not on every poll.
type Monitor struct {
	probeURL string
	interval time.Duration
	client   *http.Client

	mu    sync.RWMutex
	state State
	subs  []Callback

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewMonitor creates a monitor probing probeURL every interval with the
// given per-probe timeout.
func NewMonitor(probeURL string, interval, timeout time.Duration) *Monitor {
	return &Monitor{
		probeURL: probeURL,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
		state:    State{Status: StatusUnknown, ChangedAt: time.Now()},
		stopCh:   make(chan struct{}),
	}
}

// Subscribe registers a transition callback. Subscribe before Start.
func (m *Monitor) Subscribe(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, cb)
}

// State returns the current connectivity snapshot.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Status returns the current status.
func (m *Monitor) Status() Status {
	return m.State().Status
}

// CheckNow probes immediately and returns the resulting status.
func (m *Monitor) CheckNow() Status {
	status := m.probe()
	m.transition(status)
	return status
}

// Start launches the periodic probe loop.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(ctx)
	logging.Info("Connectivity monitor started", map[string]interface{}{
		"probe_url":        m.probeURL,
		"interval_seconds": m.interval.Seconds(),
	})
}

// Stop halts the probe loop and waits for it to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
	logging.Info("Connectivity monitor stopped", nil)
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	// Probe once at startup so the processor doesn't wait a full
	// interval to leave Unknown.
	m.CheckNow()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.CheckNow()
		}
	}
}

// probe classifies a single reachability attempt: transport success with
// a healthy response is Online, a reachable endpoint answering with a
// server error is Degraded, and timeout or connection failure is Offline.
func (m *Monitor) probe() Status {
	req, err := http.NewRequest(http.MethodGet, m.probeURL, nil)
	if err != nil {
		return StatusOffline
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return StatusOffline
	}
	defer resp.Body.Close()

	if resp.StatusCode < 400 {
		return StatusOnline
	}
	return StatusDegraded
}

// transition updates the state and notifies subscribers only when the
// status actually changed.
func (m *Monitor) transition(status Status) {
	m.mu.Lock()
	old := m.state.Status
	now := time.Now()
	if status == StatusOnline {
		m.state.LastSuccessAt = now
	}
	if old == status {
		m.mu.Unlock()
		return
	}
	m.state.Status = status
	m.state.ChangedAt = now
	subs := make([]Callback, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	logging.Info("Connectivity status changed", map[string]interface{}{
		"from": string(old),
		"to":   string(status),
	})
	for _, cb := range subs {
		cb(old, status)
	}
}
