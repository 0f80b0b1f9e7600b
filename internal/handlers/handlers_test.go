package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matkassa/tillsync/internal/conflict"
	"github.com/matkassa/tillsync/internal/connectivity"
	"github.com/matkassa/tillsync/internal/db"
	"github.com/matkassa/tillsync/internal/models"
	"github.com/matkassa/tillsync/internal/processor"
	"github.com/matkassa/tillsync/internal/queue"
	"github.com/matkassa/tillsync/internal/submit"
	"github.com/matkassa/tillsync/internal/uuid"
)

type testAPI struct {
	store    *queue.Store
	conflict *conflict.Store
	resolver *conflict.Resolver
	router   *mux.Router
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	database, err := db.OpenAt(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.NewMigrator(database.DB).Up())

	store := queue.NewStore(database.DB, queue.DefaultRetryPolicy())
	conflictStore := conflict.NewStore(database.DB)
	resolver := conflict.NewResolver(conflictStore, conflict.DefaultRules())
	monitor := connectivity.NewMonitor("http://127.0.0.1:1", time.Hour, 100*time.Millisecond)
	proc := processor.New(store, resolver, submit.NewRegistry(), monitor, nil, processor.DefaultConfig())

	router := mux.NewRouter()
	New(store, conflictStore, resolver, proc, monitor).RegisterRoutes(router)

	return &testAPI{store: store, conflict: conflictStore, resolver: resolver, router: router}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

// parkConflict detects and escalates a customer balance conflict so the
// manual-resolution endpoints have something to work on.
func (a *testAPI) parkConflict(t *testing.T) *models.ConflictRecord {
	t.Helper()
	rec, err := a.resolver.Detect(models.UUID(uuid.New()), "Customer", "c-1",
		json.RawMessage(`{"PointsBalance":120}`), json.RawMessage(`{"PointsBalance":80}`),
		time.Now(), time.Now())
	require.NoError(t, err)
	require.NotNil(t, rec)
	outcome, err := a.resolver.Resolve(rec)
	require.NoError(t, err)
	require.True(t, outcome.PendingManual)
	return rec
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestQueueStatus(t *testing.T) {
	a := newTestAPI(t)
	_, err := a.store.Enqueue("Receipt", "r-1", models.OperationCreate,
		json.RawMessage(`{"total":500}`), models.PriorityHigh)
	require.NoError(t, err)

	rec := a.do(t, http.MethodGet, "/api/v1/queue/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status struct {
		Running bool `json:"running"`
		Queue   struct {
			PendingByPriority map[string]int `json:"pending_by_priority"`
		} `json:"queue"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.Running)
	assert.Equal(t, 1, status.Queue.PendingByPriority["high"])
}

func TestFailedItemsEmpty(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodGet, "/api/v1/queue/failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"items":[]}`, rec.Body.String())
}

func TestRetryFailed(t *testing.T) {
	a := newTestAPI(t)

	item, err := a.store.Enqueue("Receipt", "r-1", models.OperationCreate,
		json.RawMessage(`{}`), models.PriorityHigh)
	require.NoError(t, err)
	require.NoError(t, a.store.MarkInProgress(item.ID))
	// Burn the reduced rejection budget to park the item as failed.
	require.NoError(t, a.store.MarkFailed(item.ID, nil, true))
	require.NoError(t, a.store.MarkInProgress(item.ID))
	require.NoError(t, a.store.MarkFailed(item.ID, nil, true))

	listed := a.do(t, http.MethodGet, "/api/v1/queue/failed", nil)
	require.Equal(t, http.StatusOK, listed.Code)
	var failed struct {
		Items []json.RawMessage `json:"items"`
	}
	require.NoError(t, json.Unmarshal(listed.Body.Bytes(), &failed))
	assert.Len(t, failed.Items, 1)

	rec := a.do(t, http.MethodPost, "/api/v1/queue/retry-failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"reset":1}`, rec.Body.String())
}

func TestTriggerSyncAccepted(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodPost, "/api/v1/sync/trigger", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestConnectivity(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodGet, "/api/v1/connectivity", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var state connectivity.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, connectivity.StatusUnknown, state.Status)
}

func TestListConflicts(t *testing.T) {
	a := newTestAPI(t)
	parked := a.parkConflict(t)

	rec := a.do(t, http.MethodGet, "/api/v1/conflicts?status=pending_manual", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Conflicts []models.ConflictRecord `json:"conflicts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Conflicts, 1)
	assert.Equal(t, parked.ID, body.Conflicts[0].ID)

	// A filter that matches nothing still returns a well-formed list.
	rec = a.do(t, http.MethodGet, "/api/v1/conflicts?status=resolved", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"conflicts":[]}`, rec.Body.String())
}

func TestResolveConflict(t *testing.T) {
	a := newTestAPI(t)
	parked := a.parkConflict(t)

	// Validation: resolved_by is mandatory.
	rec := a.do(t, http.MethodPost, "/api/v1/conflicts/"+parked.ID.String()+"/resolve",
		map[string]interface{}{"chosen_value": map[string]int{"PointsBalance": 100}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/v1/conflicts/"+parked.ID.String()+"/resolve",
		map[string]interface{}{
			"chosen_value": map[string]int{"PointsBalance": 100},
			"notes":        "verified against paper slip",
			"resolved_by":  "manager-7",
		})
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Resolution  models.Resolution `json:"resolution"`
		Resubmit    bool              `json:"resubmit"`
		ApplyRemote bool              `json:"apply_remote"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, models.ResolutionManual, body.Resolution)
	assert.True(t, body.ApplyRemote)
	assert.False(t, body.Resubmit)

	// The record is closed now; a second decision conflicts.
	rec = a.do(t, http.MethodPost, "/api/v1/conflicts/"+parked.ID.String()+"/resolve",
		map[string]interface{}{
			"chosen_value": map[string]int{"PointsBalance": 90},
			"resolved_by":  "manager-7",
		})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestResolveConflictMalformedBody(t *testing.T) {
	a := newTestAPI(t)
	parked := a.parkConflict(t)

	req := httptest.NewRequest(http.MethodPost,
		"/api/v1/conflicts/"+parked.ID.String()+"/resolve", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConflictAudit(t *testing.T) {
	a := newTestAPI(t)
	parked := a.parkConflict(t)

	_, err := a.resolver.ManualResolve(parked.ID,
		json.RawMessage(`{"PointsBalance":100}`), "checked", "manager-7")
	require.NoError(t, err)

	rec := a.do(t, http.MethodGet, "/api/v1/conflicts/"+parked.ID.String()+"/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Audit []models.AuditEntry `json:"audit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Audit, 1)
	assert.Equal(t, "manager-7", body.Audit[0].Actor)
}

func TestConflictAuditUnknownID(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodGet, "/api/v1/conflicts/"+uuid.New()+"/audit", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueryLimit(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{raw: "", want: 100},
		{raw: "25", want: 25},
		{raw: "0", want: 100},
		{raw: "-5", want: 100},
		{raw: "5000", want: 100},
		{raw: "abc", want: 100},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/x?limit="+tt.raw, nil)
		assert.Equal(t, tt.want, queryLimit(req, 100), "limit=%q", tt.raw)
	}
}
