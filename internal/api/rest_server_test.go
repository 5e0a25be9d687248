package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/field-sync/internal/field"
	"github.com/annel0/field-sync/internal/resolve"
	"github.com/annel0/field-sync/internal/storage"
)

func newTestServer(t *testing.T) (*RestServer, *storage.MemorySectionRepo) {
	t.Helper()

	manager := resolve.NewResolutionManager(resolve.DefaultConfig(), resolve.ConflictMetadata{
		WorkOrderID:    "wo-1",
		OrganizationID: "org-1",
	})
	require.NoError(t, manager.Initialize())
	require.NoError(t, manager.SeedState(field.FiberSectionState{
		ID:     "section-1",
		Status: field.StatusInProgress,
		Progress: field.ProgressUpdate{
			Percentage: 20,
			Timestamp:  time.Now(),
			UserID:     "user-1",
		},
		Location: field.GeoPoint{
			Latitude:  40.7128,
			Longitude: -74.0060,
			Timestamp: time.Now(),
			Source:    "device-1",
		},
		LastModified: time.Now(),
		ModifiedBy:   "user-1",
	}))

	repo := storage.NewMemorySectionRepo()
	return NewRestServer(manager, repo, 0), repo
}

func doRequest(t *testing.T, rs *RestServer, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	rs.Router().ServeHTTP(rec, req)
	return rec
}

func TestRestServer_Health(t *testing.T) {
	rs, _ := newTestServer(t)

	rec := doRequest(t, rs, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
}

func TestRestServer_LocalState(t *testing.T) {
	rs, _ := newTestServer(t)

	rec := doRequest(t, rs, http.MethodGet, "/api/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success bool        `json:"success"`
		Data    sectionView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "section-1", resp.Data.ID)
	assert.Equal(t, "in_progress", resp.Data.Status)
	assert.InDelta(t, 20, resp.Data.Percentage, 1e-9)
}

func TestRestServer_GetSection(t *testing.T) {
	rs, repo := newTestServer(t)

	rec := doRequest(t, rs, http.MethodGet, "/api/sections/section-9", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, repo.Save(context.Background(), field.FiberSectionState{
		ID:     "section-9",
		Status: field.StatusStarted,
		Location: field.GeoPoint{
			Latitude:  55.7558,
			Longitude: 37.6173,
		},
		LastModified: time.Now(),
	}))

	rec = doRequest(t, rs, http.MethodGet, "/api/sections/section-9", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data sectionView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "started", resp.Data.Status)
	assert.InDelta(t, 55.7558, resp.Data.Latitude, 1e-9)
}

func TestRestServer_PendingAndRollback(t *testing.T) {
	rs, _ := newTestServer(t)

	require.NoError(t, rs.manager.ApplyOptimisticUpdate(&resolve.OptimisticUpdate{
		ID:   "upd-1",
		Kind: field.EventProgressUpdate,
		LocalValue: field.ProgressUpdate{
			Percentage: 35,
			Timestamp:  time.Now(),
			UserID:     "user-1",
		},
		AppliedAt: time.Now(),
		UserID:    "user-1",
	}))

	rec := doRequest(t, rs, http.MethodGet, "/api/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data []pendingView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "upd-1", resp.Data[0].ID)
	assert.Equal(t, "progress_update", resp.Data[0].Kind)

	rec = doRequest(t, rs, http.MethodPost, "/api/rollback", RollbackRequest{IDs: []string{"upd-1"}})
	require.Equal(t, http.StatusOK, rec.Code)

	pending, err := rs.manager.GetPendingUpdates()
	require.NoError(t, err)
	assert.Empty(t, pending)

	state, err := rs.manager.LocalState()
	require.NoError(t, err)
	assert.InDelta(t, 20, state.Progress.Percentage, 1e-9)
}

func TestRestServer_ConfigRoundTrip(t *testing.T) {
	rs, _ := newTestServer(t)

	rec := doRequest(t, rs, http.MethodGet, "/api/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var getResp struct {
		Data configView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &getResp))
	assert.InDelta(t, 100, getResp.Data.MaxDistanceThresholdM, 1e-9)
	assert.InDelta(t, 25, getResp.Data.MaxProgressJump, 1e-9)

	jump := 40.0
	rec = doRequest(t, rs, http.MethodPut, "/api/config", ConfigUpdateRequest{
		MaxProgressJump: &jump,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	cfg := rs.manager.Config()
	assert.InDelta(t, 40, cfg.MaxProgressJump, 1e-9)
	assert.InDelta(t, 100, cfg.MaxDistanceThreshold, 1e-9)
}

func TestRestServer_ConfigRejectsInvalid(t *testing.T) {
	rs, _ := newTestServer(t)

	bad := int64(0)
	rec := doRequest(t, rs, http.MethodPut, "/api/config", ConfigUpdateRequest{
		ResolutionTimeoutMs: &bad,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	cfg := rs.manager.Config()
	assert.Equal(t, 100*time.Millisecond, cfg.ResolutionTimeout)
}

func TestRestServer_Stats(t *testing.T) {
	rs, _ := newTestServer(t)

	rec := doRequest(t, rs, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp, "uptime")
	assert.Contains(t, resp, "pending_updates")
}
