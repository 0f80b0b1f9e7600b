// Package submit defines the pluggable per-entity submission contract.
package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/matkassa/tillsync/internal/models"
)

// HTTPSubmitter delivers sync items to a remote collaborator as JSON
// over HTTP. The item id travels as an idempotency key header so a
// retried submission after a crash is not double-applied.
type HTTPSubmitter struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSubmitter creates a submitter posting to endpoint. The timeout
// bounds each attempt; per-item cancellation comes from the Submit
// context.
func NewHTTPSubmitter(endpoint string, timeout time.Duration) *HTTPSubmitter {
	return &HTTPSubmitter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// conflictResponse is the body a remote returns with 409 when its copy
// of the entity diverged.
type conflictResponse struct {
	RemoteValue      json.RawMessage `json:"remote_value"`
	RemoteModifiedAt int64           `json:"remote_modified_at"`
}

// Submit implements Submitter.
func (s *HTTPSubmitter) Submit(ctx context.Context, item *models.SyncItem) Result {
	body, err := json.Marshal(map[string]interface{}{
		"entity_type": item.EntityType,
		"entity_id":   item.EntityID,
		"operation":   item.Operation,
		"payload":     item.Payload,
	})
	if err != nil {
		return Rejected(fmt.Sprintf("cannot encode item: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return Rejected(fmt.Sprintf("cannot build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", item.ID.String())

	resp, err := s.client.Do(req)
	if err != nil {
		return Transient(fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Success()
	case resp.StatusCode == http.StatusConflict:
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return Transient(fmt.Sprintf("cannot read conflict body: %v", err))
		}
		var cr conflictResponse
		if err := json.Unmarshal(raw, &cr); err != nil || len(cr.RemoteValue) == 0 {
			// Remote flagged a conflict without a usable snapshot;
			// retry and let it settle.
			return Transient("conflict response without remote value")
		}
		return Conflict(cr.RemoteValue, time.Unix(cr.RemoteModifiedAt, 0))
	case resp.StatusCode == http.StatusTooManyRequests:
		return RateLimited("remote returned 429")
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Rejected(fmt.Sprintf("remote rejected payload with %d", resp.StatusCode))
	default:
		return Transient(fmt.Sprintf("remote returned %d", resp.StatusCode))
	}
}
