// Package api exposes bucket state and metrics over HTTP as JSON.
package api

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/KanavDutta/costgate/pkg/costgate"
)

// BucketProvider is the part of costgate.Executor the handler reads.
type BucketProvider interface {
	Snapshot() []costgate.IdentitySnapshot
	Sweep() int
}

// Handler serves bucket snapshots
type Handler struct {
	provider BucketProvider
	now      func() time.Time
}

// NewHandler creates a new API handler
func NewHandler(provider BucketProvider) *Handler {
	return &Handler{provider: provider, now: time.Now}
}

// BucketsResponse lists every live bucket
type BucketsResponse struct {
	Buckets     []costgate.IdentitySnapshot `json:"buckets"`
	Count       int                         `json:"count"`
	Pending     int                         `json:"pending"` // Waiters across all buckets
	GeneratedAt time.Time                   `json:"generated_at"`
}

// SweepResponse reports an on-demand sweep
type SweepResponse struct {
	Removed int `json:"removed"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Routes registers the handler's endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/buckets", h.ListBuckets)
	mux.HandleFunc("/buckets/sweep", h.Sweep)
}

// ListBuckets handles GET /buckets requests
func (h *Handler) ListBuckets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.sendError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET requests are allowed")
		return
	}

	buckets := h.provider.Snapshot()
	pending := 0
	for _, b := range buckets {
		pending += b.Pending
	}

	h.sendJSON(w, http.StatusOK, BucketsResponse{
		Buckets:     buckets,
		Count:       len(buckets),
		Pending:     pending,
		GeneratedAt: h.now(),
	})
}

// Sweep handles POST /buckets/sweep requests
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.sendError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST requests are allowed")
		return
	}
	h.sendJSON(w, http.StatusOK, SweepResponse{Removed: h.provider.Sweep()})
}

func (h *Handler) sendJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) sendError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	h.sendJSON(w, statusCode, ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}
