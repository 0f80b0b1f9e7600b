package submit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/matkassa/tillsync/internal/models"
	"github.com/matkassa/tillsync/internal/uuid"
)

func testItem() *models.SyncItem {
	return &models.SyncItem{
		ID:         models.UUID(uuid.New()),
		EntityType: "Receipt",
		EntityID:   "r-1",
		Operation:  models.OperationCreate,
		Payload:    json.RawMessage(`{"total":500}`),
		Priority:   models.PriorityHigh,
		Status:     models.ItemStatusInProgress,
	}
}

func TestHTTPSubmitterStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   Kind
	}{
		{name: "created", status: http.StatusCreated, want: KindSuccess},
		{name: "ok", status: http.StatusOK, want: KindSuccess},
		{name: "server error", status: http.StatusInternalServerError, want: KindTransient},
		{name: "bad gateway", status: http.StatusBadGateway, want: KindTransient},
		{name: "throttled", status: http.StatusTooManyRequests, want: KindRateLimited},
		{name: "bad payload", status: http.StatusBadRequest, want: KindRejected},
		{name: "unprocessable", status: http.StatusUnprocessableEntity, want: KindRejected},
		{
			name:   "conflict with snapshot",
			status: http.StatusConflict,
			body:   `{"remote_value":{"total":450},"remote_modified_at":1700000000}`,
			want:   KindConflict,
		},
		{
			// A 409 without a usable snapshot cannot be resolved; retry
			// and let the remote settle.
			name:   "conflict without snapshot",
			status: http.StatusConflict,
			body:   `not json`,
			want:   KindTransient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				if tt.body != "" {
					w.Write([]byte(tt.body))
				}
			}))
			defer srv.Close()

			s := NewHTTPSubmitter(srv.URL, time.Second)
			res := s.Submit(context.Background(), testItem())
			if res.Kind != tt.want {
				t.Errorf("kind = %d, want %d (reason: %s)", res.Kind, tt.want, res.Reason)
			}
		})
	}
}

func TestHTTPSubmitterConflictCarriesRemoteState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"remote_value":{"total":450},"remote_modified_at":1700000000}`))
	}))
	defer srv.Close()

	s := NewHTTPSubmitter(srv.URL, time.Second)
	res := s.Submit(context.Background(), testItem())
	if res.Kind != KindConflict {
		t.Fatalf("kind = %d, want conflict", res.Kind)
	}
	if string(res.RemoteValue) != `{"total":450}` {
		t.Errorf("remote value = %s", res.RemoteValue)
	}
	if res.RemoteModifiedAt.Unix() != 1700000000 {
		t.Errorf("remote modified at = %d, want 1700000000", res.RemoteModifiedAt.Unix())
	}
}

func TestHTTPSubmitterRequestShape(t *testing.T) {
	item := testItem()

	var gotKey, gotType string
	var gotBody map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotType = r.Header.Get("Content-Type")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewHTTPSubmitter(srv.URL, time.Second)
	if res := s.Submit(context.Background(), item); res.Kind != KindSuccess {
		t.Fatalf("kind = %d, want success", res.Kind)
	}

	// The item id doubles as the idempotency key so a crash-retried
	// submission is not double-applied remotely.
	if gotKey != item.ID.String() {
		t.Errorf("Idempotency-Key = %s, want %s", gotKey, item.ID)
	}
	if gotType != "application/json" {
		t.Errorf("Content-Type = %s", gotType)
	}
	if string(gotBody["entity_type"]) != `"Receipt"` {
		t.Errorf("entity_type = %s", gotBody["entity_type"])
	}
	if string(gotBody["payload"]) != `{"total":500}` {
		t.Errorf("payload = %s", gotBody["payload"])
	}
}

func TestHTTPSubmitterUnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	s := NewHTTPSubmitter(url, 500*time.Millisecond)
	res := s.Submit(context.Background(), testItem())
	if res.Kind != KindTransient {
		t.Errorf("kind = %d, want transient for unreachable remote", res.Kind)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Lookup("Receipt"); ok {
		t.Error("empty registry returned a submitter")
	}

	a := NewHTTPSubmitter("http://a.example.com", time.Second)
	b := NewHTTPSubmitter("http://b.example.com", time.Second)
	r.Register("Receipt", a)

	got, ok := r.Lookup("Receipt")
	if !ok || got != Submitter(a) {
		t.Error("lookup did not return the registered submitter")
	}

	// Re-registration replaces.
	r.Register("Receipt", b)
	got, _ = r.Lookup("Receipt")
	if got != Submitter(b) {
		t.Error("re-registration did not replace the submitter")
	}
}
