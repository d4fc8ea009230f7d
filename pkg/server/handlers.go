package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/modwatch/scanmetrics/pkg/config"
	"github.com/modwatch/scanmetrics/pkg/event"
	"github.com/modwatch/scanmetrics/pkg/httpx"
	"github.com/modwatch/scanmetrics/pkg/rollup"
	"github.com/modwatch/scanmetrics/pkg/stream"
)

var startTime = time.Now()

// Handler serves the scan-metrics HTTP API.
type Handler struct {
	engine *rollup.Engine
	hub    *stream.Hub
}

// NewHandler creates a request handler over the engine and live-feed hub.
func NewHandler(engine *rollup.Engine, hub *stream.Hub) *Handler {
	return &Handler{engine: engine, hub: hub}
}

// RecordResponse acknowledges an accepted scan event.
type RecordResponse struct {
	Status string `json:"status"`
}

// HandleRecordScan ingests one scan event.
func (h *Handler) HandleRecordScan(w http.ResponseWriter, r *http.Request) {
	var ev event.ScanEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.RecordTimeout)
	defer cancel()

	if err := h.engine.Record(ctx, ev); err != nil {
		var malformed *event.MalformedEventError
		if errors.As(err, &malformed) {
			httpx.RespondError(w, http.StatusBadRequest, err)
			return
		}
		// Part of the multi-target write may have landed; the caller decides
		// whether to retry the whole event (at-least-once).
		httpx.RespondError(w, http.StatusBadGateway, err)
		return
	}

	if h.hub != nil && h.hub.HasClients() {
		if err := h.hub.Broadcast(ev); err != nil {
			log.Printf("Failed to broadcast scan event: %v", err)
		}
	}

	httpx.RespondJSON(w, http.StatusAccepted, RecordResponse{Status: "accepted"})
}

// HandleRollups returns daily rollups for one scope (scope 0 when omitted).
func (h *Handler) HandleRollups(w http.ResponseWriter, r *http.Request) {
	scopeID, err := parseScope(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	opts, err := parseQueryOptions(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	rollups, err := h.engine.Rollups(ctx, scopeID, opts)
	if err != nil {
		httpx.RespondError(w, http.StatusBadGateway, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, rollups)
}

// HandleGlobalRollups returns cross-scope daily rollups.
func (h *Handler) HandleGlobalRollups(w http.ResponseWriter, r *http.Request) {
	opts, err := parseQueryOptions(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	rollups, err := h.engine.GlobalRollups(ctx, opts)
	if err != nil {
		httpx.RespondError(w, http.StatusBadGateway, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, rollups)
}

// HandleSummary folds matching rollups into one bucket per content type.
func (h *Handler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	scopeID, err := parseScope(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	since, err := parseSince(r)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	summary, err := h.engine.Summary(ctx, scopeID, since)
	if err != nil {
		httpx.RespondError(w, http.StatusBadGateway, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, summary)
}

// HandleTotals returns the all-time aggregate.
func (h *Handler) HandleTotals(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	totals, err := h.engine.Totals(ctx)
	if err != nil {
		httpx.RespondError(w, http.StatusBadGateway, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, totals)
}

// ImportRequest is the administrative backfill payload.
type ImportRequest struct {
	MetricDate   string           `json:"metric_date"`
	ScopeID      int64            `json:"scope_id"`
	ContentType  string           `json:"content_type"`
	Counters     rollup.Counters  `json:"counters"`
	StatusCounts map[string]int64 `json:"status_counts,omitempty"`
}

// HandleImportRollup rebuilds one bucket from an external snapshot.
func (h *Handler) HandleImportRollup(w http.ResponseWriter, r *http.Request) {
	var req ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	date, err := time.ParseInLocation("2006-01-02", req.MetricDate, time.UTC)
	if err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid metric_date: %v", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.RecordTimeout)
	defer cancel()

	err = h.engine.ImportRollup(ctx, rollup.RollupImport{
		Date:         date,
		ScopeID:      req.ScopeID,
		ContentType:  req.ContentType,
		Counters:     req.Counters,
		StatusCounts: req.StatusCounts,
	})
	if err != nil {
		httpx.RespondError(w, http.StatusBadGateway, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, RecordResponse{Status: "imported"})
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: "1.0.0",
		Uptime:  time.Since(startTime).String(),
	})
}

// SetupRoutes configures all HTTP routes for the server.
func SetupRoutes(router *mux.Router, handler *Handler, hub *stream.Hub) {
	router.Use(corsMiddleware())

	api := router.PathPrefix("/v1").Subrouter()

	api.HandleFunc("/scans", handler.HandleRecordScan).Methods("POST")
	api.HandleFunc("/rollups", handler.HandleRollups).Methods("GET")
	api.HandleFunc("/rollups/global", handler.HandleGlobalRollups).Methods("GET")
	api.HandleFunc("/rollups/import", handler.HandleImportRollup).Methods("POST")
	api.HandleFunc("/summary", handler.HandleSummary).Methods("GET")
	api.HandleFunc("/totals", handler.HandleTotals).Methods("GET")
	api.HandleFunc("/health", handleHealth).Methods("GET")
	api.HandleFunc("/ws", hub.ServeWS).Methods("GET")
}

// corsMiddleware allows dashboard access from any origin; the API carries no
// credentials.
func corsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func parseScope(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("scope")
	if raw == "" {
		return rollup.GlobalScope, nil
	}
	scopeID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || scopeID < 0 {
		return 0, fmt.Errorf("invalid scope %q", raw)
	}
	return scopeID, nil
}

func parseSince(r *http.Request) (time.Time, error) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", raw, time.UTC); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid since %q", raw)
	}
	return t, nil
}

func parseQueryOptions(r *http.Request) (rollup.QueryOptions, error) {
	since, err := parseSince(r)
	if err != nil {
		return rollup.QueryOptions{}, err
	}

	limit := config.DefaultRollupLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return rollup.QueryOptions{}, fmt.Errorf("invalid limit %q", raw)
		}
		if limit > config.MaxRollupLimit {
			limit = config.MaxRollupLimit
		}
	}

	return rollup.QueryOptions{
		ContentType: r.URL.Query().Get("content_type"),
		Since:       since,
		Limit:       limit,
	}, nil
}
