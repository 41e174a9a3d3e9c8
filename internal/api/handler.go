package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/eugenenazirov/medcat-service/internal/nlp"
)

type contextKey string

const requestIDContextKey contextKey = "requestID"

const (
	defaultMaxBodyBytes     = 10 << 20
	defaultMaxBulkDocuments = 500
)

// Handler serves the annotation API on top of an injected nlp.Service.
type Handler struct {
	service nlp.Service
	metrics *Metrics
	ready   atomic.Bool

	clock            func() time.Time
	maxBodyBytes     int64
	maxBulkDocuments int
}

// HandlerOption configures Handler behaviour.
type HandlerOption func(*Handler)

// WithClock overrides the time source, primarily for tests.
func WithClock(clock func() time.Time) HandlerOption {
	return func(h *Handler) {
		h.clock = clock
	}
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

// WithMaxBulkDocuments caps the number of documents per bulk request.
func WithMaxBulkDocuments(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxBulkDocuments = n
		}
	}
}

// WithHandlerMetrics records processed documents and annotations in m.
func WithHandlerMetrics(m *Metrics) HandlerOption {
	return func(h *Handler) {
		h.metrics = m
	}
}

// NewHandler constructs a Handler with the provided service.
func NewHandler(service nlp.Service, opts ...HandlerOption) *Handler {
	h := &Handler{
		service: service,
		clock: func() time.Time {
			return time.Now().UTC()
		},
		maxBodyBytes:     defaultMaxBodyBytes,
		maxBulkDocuments: defaultMaxBulkDocuments,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetReady controls what /api/health/ready reports. A new Handler is not ready.
func (h *Handler) SetReady(ready bool) {
	h.ready.Store(ready)
}

// Ready reports whether /api/health/ready answers 200.
func (h *Handler) Ready() bool {
	return h.ready.Load()
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = r
	resp := healthResponse{
		Status:    "ok",
		Timestamp: h.clock(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	_ = r
	if !h.ready.Load() {
		writeError(w, http.StatusServiceUnavailable, "Not ready", "service is starting or shutting down")
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ready", Timestamp: h.clock()})
}

func (h *Handler) handleInfo(w http.ResponseWriter, r *http.Request) {
	_ = r
	writeJSON(w, http.StatusOK, h.service.Processor().Info())
}

func (h *Handler) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Content == nil {
		writeError(w, http.StatusBadRequest, "Invalid request", "content must be an object with a text field")
		return
	}

	processor := h.service.Processor()
	result, err := processor.Process(r.Context(), *req.Content)
	if err != nil {
		writeProcessError(w, err)
		return
	}
	h.observe(result)

	writeJSON(w, http.StatusOK, processResponse{
		Result:     result,
		MedcatInfo: processor.Info(),
	})
}

func (h *Handler) handleProcessBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Content) == 0 {
		writeError(w, http.StatusBadRequest, "Invalid request", "content must contain at least one document")
		return
	}
	if len(req.Content) > h.maxBulkDocuments {
		writeError(w, http.StatusRequestEntityTooLarge, "Too many documents",
			fmt.Sprintf("bulk requests are limited to %d documents", h.maxBulkDocuments))
		return
	}

	processor := h.service.Processor()
	results, err := processor.ProcessBulk(r.Context(), req.Content)
	if err != nil {
		writeProcessError(w, err)
		return
	}
	for _, res := range results {
		h.observe(res)
	}

	writeJSON(w, http.StatusOK, bulkResponse{
		Result:     results,
		MedcatInfo: processor.Info(),
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request too large",
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request", "unable to parse JSON payload")
		return false
	}
	return true
}

func (h *Handler) observe(res nlp.Result) {
	if h.metrics != nil {
		h.metrics.observeDocument(len(res.Annotations))
	}
}

func requestIDFromContext(ctx context.Context) string {
	if v := ctx.Value(requestIDContextKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

type processRequest struct {
	Content *nlp.Document `json:"content"`
}

type bulkRequest struct {
	Content []nlp.Document `json:"content"`
}

type processResponse struct {
	Result     nlp.Result    `json:"result"`
	MedcatInfo nlp.ModelInfo `json:"medcat_info"`
}

type bulkResponse struct {
	Result     []nlp.Result  `json:"result"`
	MedcatInfo nlp.ModelInfo `json:"medcat_info"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type errorResponse struct {
	Error      string `json:"error"`
	Details    string `json:"details,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

func writeProcessError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, nlp.ErrEmptyText):
		writeError(w, http.StatusBadRequest, "Invalid document", err.Error(), "Provide non-empty text in content.text")
	case errors.Is(err, nlp.ErrNoDocuments):
		writeError(w, http.StatusBadRequest, "Invalid request", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "Request cancelled", err.Error())
	default:
		writeInternalError(w, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message, details string, suggestion ...string) {
	resp := errorResponse{
		Error:   message,
		Details: details,
	}
	if len(suggestion) > 0 {
		resp.Suggestion = suggestion[0]
	}
	writeJSON(w, status, resp)
}

func writeInternalError(w http.ResponseWriter, err error) {
	writeError(w, http.StatusInternalServerError, "Internal error", err.Error())
}
