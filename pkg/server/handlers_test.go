package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/modwatch/scanmetrics/pkg/event"
	"github.com/modwatch/scanmetrics/pkg/rollup"
	"github.com/modwatch/scanmetrics/pkg/store/memory"
	"github.com/modwatch/scanmetrics/pkg/stream"
)

func newTestRouter(t *testing.T) *mux.Router {
	t.Helper()
	st := memory.New()
	t.Cleanup(func() { st.Close() })

	engine := rollup.New(st, rollup.Options{KeyPrefix: "test"})
	hub := stream.NewHub()
	router := mux.NewRouter()
	SetupRoutes(router, NewHandler(engine, hub), hub)
	return router
}

func postScan(t *testing.T, router *mux.Router, ev event.ScanEvent) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(ev)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/scans", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func testScan() event.ScanEvent {
	accel := true
	return event.ScanEvent{
		OccurredAt:  time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		ScopeID:     42,
		ContentType: "image",
		Status:      "scan_complete",
		Flagged:     true,
		FlagsCount:  2,
		DurationMS:  150,
		BytesSize:   2048,
		Accelerated: &accel,
	}
}

func TestHandleRecordScan(t *testing.T) {
	router := newTestRouter(t)

	rr := postScan(t, router, testScan())
	require.Equal(t, http.StatusAccepted, rr.Code)

	var resp RecordResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "accepted", resp.Status)
}

func TestHandleRecordScan_Malformed(t *testing.T) {
	router := newTestRouter(t)

	ev := testScan()
	ev.ContentType = ""
	rr := postScan(t, router, ev)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Contains(t, resp["message"], "content_type")
}

func TestHandleRecordScan_InvalidJSON(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/scans", bytes.NewReader([]byte("{")))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleRollups(t *testing.T) {
	router := newTestRouter(t)
	postScan(t, router, testScan())

	req := httptest.NewRequest(http.MethodGet, "/v1/rollups?scope=42", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var rollups []rollup.Rollup
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rollups))
	require.Len(t, rollups, 1)
	require.Equal(t, int64(1), rollups[0].ScansCount)
	require.InDelta(t, 150.0, rollups[0].AverageLatencyMS, 1e-9)
}

func TestHandleRollups_InvalidParams(t *testing.T) {
	router := newTestRouter(t)

	for _, target := range []string{
		"/v1/rollups?scope=abc",
		"/v1/rollups?limit=0",
		"/v1/rollups?since=notadate",
	} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		require.Equal(t, http.StatusBadRequest, rr.Code, "target %s", target)
	}
}

func TestHandleGlobalRollups(t *testing.T) {
	router := newTestRouter(t)
	postScan(t, router, testScan())

	ev := testScan()
	ev.ScopeID = 7
	postScan(t, router, ev)

	req := httptest.NewRequest(http.MethodGet, "/v1/rollups/global", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var rollups []rollup.Rollup
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rollups))
	require.Len(t, rollups, 1)
	require.Equal(t, int64(2), rollups[0].ScansCount)
}

func TestHandleSummary(t *testing.T) {
	router := newTestRouter(t)
	postScan(t, router, testScan())
	postScan(t, router, testScan())

	req := httptest.NewRequest(http.MethodGet, "/v1/summary?scope=42", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var summary []rollup.SummaryBucket
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &summary))
	require.Len(t, summary, 1)
	require.Equal(t, int64(2), summary[0].ScansCount)
}

func TestHandleTotals(t *testing.T) {
	router := newTestRouter(t)
	postScan(t, router, testScan())

	req := httptest.NewRequest(http.MethodGet, "/v1/totals", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var totals rollup.Totals
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &totals))
	require.Equal(t, int64(1), totals.ScansCount)
	require.InDelta(t, 1.0, totals.FlaggedRate, 1e-9)
}

func TestHandleImportRollup(t *testing.T) {
	router := newTestRouter(t)

	body, err := json.Marshal(ImportRequest{
		MetricDate:  "2024-02-01",
		ScopeID:     42,
		ContentType: "image",
		Counters: rollup.Counters{
			ScansCount:      10,
			TotalDurationMS: 1500,
		},
		StatusCounts: map[string]int64{"scan_complete": 10},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/rollups/import", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/rollups?scope=42", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	var rollups []rollup.Rollup
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rollups))
	require.Len(t, rollups, 1)
	require.Equal(t, int64(10), rollups[0].ScansCount)
	require.InDelta(t, 150.0, rollups[0].AverageLatencyMS, 1e-9)
}

func TestHandleImportRollup_BadDate(t *testing.T) {
	router := newTestRouter(t)

	body, err := json.Marshal(ImportRequest{MetricDate: "02/01/2024", ContentType: "image"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/rollups/import", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleHealth(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "healthy", resp.Status)
}
