package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ruletrace/ruletrace/internal/backup"
	"github.com/ruletrace/ruletrace/internal/metrics"
	"github.com/ruletrace/ruletrace/internal/patterns"
	"github.com/ruletrace/ruletrace/internal/storage"
	"github.com/ruletrace/ruletrace/internal/tracker"
)

const maxRequestBodySize = 1 << 20 // 1MB

// AppDeps holds the services the HTTP API fronts.
type AppDeps struct {
	Store      *storage.Store
	Tracker    *tracker.Tracker
	Aggregator *metrics.Aggregator
	Detector   *patterns.Detector
	Backups    *backup.Manager // optional; nil disables backup endpoints
	Token      string
}

// NewHandler returns the management API handler.
func NewHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(BearerAuth(deps.Token))

	r.Get("/health", handleHealth)

	r.Post("/track/rule", handleTrackRule(deps))
	r.Post("/track/component", handleTrackComponent(deps))

	r.Post("/sessions", handleStartSession(deps))
	r.Post("/sessions/{id}/end", handleEndSession(deps))
	r.Patch("/sessions/{id}", handleUpdateSession(deps))

	r.Get("/metrics/context-window", handleWindowMetrics(deps))
	r.Get("/metrics/rules", handleRuleMetrics(deps))
	r.Get("/metrics/components", handleComponentMetrics(deps))
	r.Get("/metrics/sessions", handleSessionMetrics(deps))
	r.Post("/metrics/export", handleExport(deps))

	r.Post("/patterns/detect", handleDetect(deps))
	r.Get("/notifications", handleListNotifications(deps))
	r.Post("/notifications/{id}/read", handleMarkRead(deps))

	r.Get("/file-events", handleFileEvents(deps))

	if deps.Backups != nil {
		r.Post("/backups", handleCreateBackup(deps))
		r.Get("/backups", handleListBackups(deps))
	}

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type trackRuleRequest struct {
	SessionID    string `json:"session_id"`
	Rule         string `json:"rule"`
	TaskDocument string `json:"task_document"`
	Note         string `json:"note"`
}

func handleTrackRule(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req trackRuleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Rule == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "rule is required")
			return
		}

		id, err := deps.Tracker.TrackRule(req.SessionID, req.Rule, req.TaskDocument, req.Note)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to track rule: %v", err)
			return
		}
		writeJSON(w, map[string]string{"execution_id": id})
	}
}

type trackComponentRequest struct {
	SessionID string `json:"session_id"`
	Rule      string `json:"rule"`
	Component string `json:"component"`
	Note      string `json:"note"`
}

func handleTrackComponent(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req trackComponentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Rule == "" || req.Component == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "rule and component are required")
			return
		}

		id, err := deps.Tracker.TrackComponent(req.SessionID, req.Rule, req.Component, req.Note)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to track component: %v", err)
			return
		}
		writeJSON(w, map[string]string{"execution_id": id})
	}
}

type sessionResponse struct {
	ContextWindowID string     `json:"context_window_id"`
	SessionID       string     `json:"session_id"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at"`
	Status          string     `json:"status"`
	TokenCount      int        `json:"token_count"`
}

func sessionJSON(w storage.ContextWindow) sessionResponse {
	return sessionResponse{
		ContextWindowID: w.ID,
		SessionID:       w.SessionID,
		StartedAt:       w.StartedAt,
		EndedAt:         w.EndedAt,
		Status:          w.Status,
		TokenCount:      w.TokenCount,
	}
}

func handleStartSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req struct {
			SessionID string `json:"session_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.SessionID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "session_id is required")
			return
		}

		window, err := deps.Tracker.StartSession(req.SessionID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to start session: %v", err)
			return
		}
		writeJSON(w, sessionJSON(window))
	}
}

func handleEndSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		err := deps.Tracker.EndSession(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to end session: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "completed"})
	}
}

func handleUpdateSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req struct {
			TokenCount *int `json:"token_count"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.TokenCount == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "token_count is required")
			return
		}

		err := deps.Tracker.UpdateTokens(id, *req.TokenCount)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "session not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update session: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "updated"})
	}
}

func handleWindowMetrics(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		windowID := r.URL.Query().Get("id")
		sessionID := r.URL.Query().Get("session")

		report, err := deps.Aggregator.ContextWindowMetrics(windowID, sessionID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to compute window metrics: %v", err)
			return
		}
		if report == nil {
			httpError(w, http.StatusNotFound, "not_found", "context window not found")
			return
		}
		writeJSON(w, report)
	}
}

func handleRuleMetrics(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rule := r.URL.Query().Get("rule")
		days := parseIntParam(r, "days", 7, 365)

		report, err := deps.Aggregator.RuleUsageMetrics(rule, days)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to compute rule metrics: %v", err)
			return
		}
		writeJSON(w, report)
	}
}

func handleComponentMetrics(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		component := r.URL.Query().Get("component")
		rule := r.URL.Query().Get("rule")
		days := parseIntParam(r, "days", 7, 365)

		report, err := deps.Aggregator.ComponentUsageMetrics(component, rule, days)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to compute component metrics: %v", err)
			return
		}
		writeJSON(w, report)
	}
}

func handleSessionMetrics(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days := parseIntParam(r, "days", 7, 365)
		limit := parseIntParam(r, "limit", 10, 100)

		report, err := deps.Aggregator.SessionMetrics(days, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to compute session metrics: %v", err)
			return
		}
		writeJSON(w, report)
	}
}

type exportResponse struct {
	Report     *metrics.ExportReport `json:"report"`
	WrittenTo  string                `json:"written_to,omitempty"`
	WriteError string                `json:"write_error,omitempty"`
}

func handleExport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req struct {
			Days       int    `json:"days"`
			OutputPath string `json:"output_path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		report, err := deps.Aggregator.Export(req.Days, req.OutputPath)
		if report == nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to export metrics: %v", err)
			return
		}

		resp := exportResponse{Report: report}
		if err != nil {
			// Computation succeeded but the file write did not; the report is
			// still usable.
			resp.WriteError = err.Error()
		} else if req.OutputPath != "" {
			resp.WrittenTo = req.OutputPath
		}
		writeJSON(w, resp)
	}
}

type detectResponse struct {
	Detections   *patterns.Detections `json:"detections"`
	PersistError string               `json:"persist_error,omitempty"`
}

func handleDetect(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req struct {
			Threshold   int  `json:"threshold"`
			WindowHours int  `json:"window_hours"`
			Create      bool `json:"create"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		bundle, err := deps.Detector.DetectAll(patterns.Options{
			Threshold:   req.Threshold,
			WindowHours: req.WindowHours,
			Create:      req.Create,
		})
		if bundle == nil {
			httpError(w, http.StatusInternalServerError, "api_error", "detection failed: %v", err)
			return
		}

		resp := detectResponse{Detections: bundle}
		if err != nil {
			resp.PersistError = err.Error()
		}
		writeJSON(w, resp)
	}
}

func handleListNotifications(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Default view is unread only; all=true returns history (read
		// included, newest first) within the requested window.
		if r.URL.Query().Get("all") == "true" {
			hours := parseIntParam(r, "hours", 24*7, 24*90)
			limit := parseIntParam(r, "limit", 100, 1000)
			since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
			notifications, err := deps.Store.ListNotificationsSince(since, limit)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to list notifications: %v", err)
				return
			}
			writeJSON(w, notifications)
			return
		}

		notifications, err := deps.Detector.ListUnread()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list notifications: %v", err)
			return
		}
		writeJSON(w, notifications)
	}
}

func handleMarkRead(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		err := deps.Detector.MarkRead(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "notification not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to mark notification read: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "read"})
	}
}

func handleFileEvents(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hours := parseIntParam(r, "hours", 24, 24*30)
		limit := parseIntParam(r, "limit", 100, 1000)

		since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
		events, err := deps.Store.ListFileEventsSince(since, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list file events: %v", err)
			return
		}

		type fileEventJSON struct {
			Path       string    `json:"path"`
			EventType  string    `json:"event_type"`
			OccurredAt time.Time `json:"occurred_at"`
		}
		out := make([]fileEventJSON, len(events))
		for i, ev := range events {
			out[i] = fileEventJSON{Path: ev.Path, EventType: ev.EventType, OccurredAt: ev.OccurredAt}
		}
		writeJSON(w, out)
	}
}

func handleCreateBackup(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := deps.Backups.Create()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create backup: %v", err)
			return
		}
		if _, err := deps.Backups.Prune(); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "backup created but pruning failed: %v", err)
			return
		}
		writeJSON(w, info)
	}
}

func handleListBackups(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		backups, err := deps.Backups.List()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list backups: %v", err)
			return
		}
		writeJSON(w, backups)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
