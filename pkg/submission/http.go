package submission

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/randomcorp/platform/pkg/common/database"
	"github.com/randomcorp/platform/pkg/common/logger"
)

const (
	defaultPageLimit = 10
	maxPageLimit     = 100
)

type HTTPHandler struct {
	service *Service
	maxBody int64
}

func NewHTTPHandler(service *Service, maxBody int64) *HTTPHandler {
	return &HTTPHandler{service: service, maxBody: maxBody}
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/", h.handleRoot).Methods(http.MethodGet)
	router.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ready", h.handleReady).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/", h.handleDirectory).Methods(http.MethodGet)
	api.HandleFunc("/submit", h.handleSubmit).Methods(http.MethodPost)
	api.HandleFunc("/submit/batch", h.handleBatch).Methods(http.MethodPost)
	api.HandleFunc("/stats", h.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/stats/rollups", h.handleRollups).Methods(http.MethodGet)
	api.HandleFunc("/submissions", h.handleSubmissions).Methods(http.MethodGet)
}

func (h *HTTPHandler) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Random Corp API is running",
		"version": APIVersion,
	})
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"database":  h.service.Health(),
		"mode":      h.service.Mode(),
		"timestamp": time.Now().UTC(),
	})
}

// handleReady fails only when durability is mandatory and the store is down.
func (h *HTTPHandler) handleReady(w http.ResponseWriter, _ *http.Request) {
	mode := h.service.Mode()
	status := http.StatusOK
	state := "ready"
	if mode == ModeDegraded && !h.service.FallbackEnabled() {
		status = http.StatusServiceUnavailable
		state = "unavailable"
	}
	writeJSON(w, status, map[string]interface{}{
		"status":   state,
		"database": h.service.Health(),
		"mode":     mode,
	})
}

func (h *HTTPHandler) handleDirectory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Random Corp API",
		"version": APIVersion,
		"endpoints": map[string]string{
			"submit":      "/api/submit",
			"batch":       "/api/submit/batch",
			"stats":       "/api/stats",
			"submissions": "/api/submissions",
			"health":      "/health",
		},
	})
}

func (h *HTTPHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)

	var req Input
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Log.WithError(err).Warn("invalid submission payload")
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}

	resp, err := h.service.AcceptOne(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) handleBatch(w http.ResponseWriter, r *http.Request) {
	h.limitBody(w, r)

	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Log.WithError(err).Warn("invalid batch payload")
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}

	resp, err := h.service.AcceptBatch(r.Context(), req.Submissions)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Statistics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *HTTPHandler) handleRollups(w http.ResponseWriter, r *http.Request) {
	rollups, err := h.service.Rollups(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rollups)
}

func (h *HTTPHandler) handleSubmissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"), defaultPageLimit)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("limit must be an integer"))
		return
	}
	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("offset must be a non-negative integer"))
		return
	}
	if limit < 1 {
		limit = 1
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	list, err := h.service.Submissions(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *HTTPHandler) limitBody(w http.ResponseWriter, r *http.Request) {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}
}

func queryInt(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func writeError(w http.ResponseWriter, err error) {
	var writeErr *WriteError
	switch {
	case IsValidationError(err):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	case errors.Is(err, database.ErrPoolExhausted):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, errorBody("store busy, retry shortly"))
	case errors.Is(err, database.ErrStoreUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorBody("store unavailable"))
	case errors.As(err, &writeErr):
		logger.Log.WithError(err).Error("submission write failed")
		writeJSON(w, http.StatusInternalServerError, errorBody("failed to store submission"))
	default:
		logger.Log.WithError(err).Error("request failed")
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Log.WithError(err).Warn("failed to write response")
	}
}
