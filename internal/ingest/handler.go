// Package ingest serves the detection-correlation HTTP API.
package ingest

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"teth/internal/detection"
	tetherrors "teth/internal/errors"
	"teth/internal/schema"
)

// ServiceName is reported by GET /health.
const ServiceName = "teth-detector"

// Handler handles the HTTP routes of the detection service.
type Handler struct {
	service    *detection.Service
	validator  *schema.Validator
	metrics    http.Handler
	logger     *slog.Logger
	maxPayload int64
	version    string
	sanitizer  *tetherrors.Sanitizer
}

// NewHandler creates a new ingest Handler.
func NewHandler(service *detection.Service, validator *schema.Validator) *Handler {
	return &Handler{
		service:    service,
		validator:  validator,
		logger:     slog.Default(),
		maxPayload: 1024 * 1024, // 1MB default
		version:    "dev",
		sanitizer:  tetherrors.NewSanitizer(false),
	}
}

// WithSanitizer sets how error detail is reported to clients.
func (h *Handler) WithSanitizer(s *tetherrors.Sanitizer) *Handler {
	h.sanitizer = s
	return h
}

// WithMaxPayload sets the maximum request body size.
func (h *Handler) WithMaxPayload(size int64) *Handler {
	if size > 0 {
		h.maxPayload = size
	}
	return h
}

// WithMetrics serves m on GET /metrics.
func (h *Handler) WithMetrics(m http.Handler) *Handler {
	h.metrics = m
	return h
}

// WithLogger sets the logger.
func (h *Handler) WithLogger(l *slog.Logger) *Handler {
	h.logger = l
	return h
}

// WithVersion sets the version reported by GET /health.
func (h *Handler) WithVersion(v string) *Handler {
	h.version = v
	return h
}

// Routes returns a mux with every route registered. Unknown routes get a
// JSON 404.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.HandleFunc("GET /stats", h.Stats)
	mux.HandleFunc("POST /api/v1/ingest/tool", h.IngestTool)
	mux.HandleFunc("POST /api/v1/ingest/chain", h.IngestChain)
	mux.HandleFunc("GET /api/v1/chains/{id}", h.GetChain)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
	mux.HandleFunc("/", h.NotFound)
	return mux
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, schema.HealthResponse{
		Status:  "healthy",
		Service: ServiceName,
		Version: h.version,
	})
}

// Stats handles GET /stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.service.Stats())
}

// IngestTool handles POST /api/v1/ingest/tool. The chain context is optional.
func (h *Handler) IngestTool(w http.ResponseWriter, r *http.Request) {
	h.ingest(w, r, false)
}

// IngestChain handles POST /api/v1/ingest/chain. The chain context is required.
func (h *Handler) IngestChain(w http.ResponseWriter, r *http.Request) {
	h.ingest(w, r, true)
}

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request, requireChain bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxPayload)

	var req schema.IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "request body too large", "PAYLOAD_TOO_LARGE")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid JSON", "INVALID_JSON")
		return
	}

	if err := h.validator.ValidateIngest(&req, requireChain); err != nil {
		h.logger.Debug("ingest request rejected", "path", r.URL.Path, "error", err)
		respondError(w, http.StatusBadRequest, h.sanitizer.Message(err), "VALIDATION_FAILED")
		return
	}

	resp, err := h.service.Ingest(r.Context(), &req)
	if err != nil {
		if tetherrors.IsValidation(err) {
			respondError(w, http.StatusBadRequest, h.sanitizer.Message(err), "VALIDATION_FAILED")
			return
		}
		h.logger.Error("ingest failed", "path", r.URL.Path, "error", err)
		respondError(w, http.StatusInternalServerError, h.sanitizer.Message(err), "INTERNAL")
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

// GetChain handles GET /api/v1/chains/{id}.
func (h *Handler) GetChain(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	state, ok := h.service.Chain(r.Context(), id)
	if !ok {
		respondError(w, http.StatusNotFound, "chain not found", "NOT_FOUND")
		return
	}
	respondJSON(w, http.StatusOK, state)
}

// NotFound answers unknown routes.
func (h *Handler) NotFound(w http.ResponseWriter, r *http.Request) {
	respondError(w, http.StatusNotFound, "not found", "NOT_FOUND")
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, message, code string) {
	respondJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}
