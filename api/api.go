// Package api exposes the inventory service over HTTP.
//
// Routes:
//
//	POST /api/products                        create a product
//	POST /api/products/{id}/add-inventory     add stock
//	POST /api/products/{id}/remove-inventory  remove stock
//	GET  /api/products                        list the read model
//	GET  /api/products/{id}                   one product
//	GET  /healthz                             store health
//	GET  /metrics                             Prometheus exposition, when configured
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/matsushun1/inventory"
)

// maxBodySize caps command request bodies.
const maxBodySize = 1 << 20

const (
	// HeaderIdempotencyKey carries the client's idempotency key.
	HeaderIdempotencyKey = "Idempotency-Key"

	// HeaderCorrelationID carries the request correlation id in and out.
	HeaderCorrelationID = "X-Correlation-ID"
)

// Inventory is the part of the service the HTTP layer drives.
type Inventory interface {
	Submit(ctx context.Context, cmd inventory.Command) (inventory.CommandResult, error)
	GetProduct(ctx context.Context, productID string) (*inventory.ProductView, error)
	ListProducts(ctx context.Context) ([]*inventory.ProductView, error)
}

// Handler serves the inventory HTTP API.
type Handler struct {
	inventory Inventory
	logger    *slog.Logger
	health    func(ctx context.Context) error
	metrics   http.Handler
	newID     func() string
	prefix    string
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithHealthCheck sets the probe behind /healthz.
func WithHealthCheck(check func(ctx context.Context) error) Option {
	return func(h *Handler) {
		h.health = check
	}
}

// WithMetricsHandler mounts handler on /metrics.
func WithMetricsHandler(handler http.Handler) Option {
	return func(h *Handler) {
		h.metrics = handler
	}
}

// WithIDGenerator sets how ids are minted for created products.
func WithIDGenerator(gen func() string) Option {
	return func(h *Handler) {
		h.newID = gen
	}
}

// WithPrefix changes the product route prefix. Default "/api/products".
func WithPrefix(prefix string) Option {
	return func(h *Handler) {
		h.prefix = strings.TrimSuffix(prefix, "/")
	}
}

// NewHandler creates a Handler.
func NewHandler(inv Inventory, opts ...Option) *Handler {
	h := &Handler{
		inventory: inv,
		logger:    slog.Default(),
		newID:     uuid.NewString,
		prefix:    "/api/products",
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterHTTPHandlers registers every route on mux.
func (h *Handler) RegisterHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc("POST "+h.prefix, h.handleCreate)
	mux.HandleFunc("POST "+h.prefix+"/{id}/add-inventory", h.handleAdd)
	mux.HandleFunc("POST "+h.prefix+"/{id}/remove-inventory", h.handleRemove)
	mux.HandleFunc("GET "+h.prefix, h.handleList)
	mux.HandleFunc("GET "+h.prefix+"/{id}", h.handleGet)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
}

// ServeMux returns a new mux with every route registered and request
// logging applied.
func (h *Handler) ServeMux() http.Handler {
	mux := http.NewServeMux()
	h.RegisterHTTPHandlers(mux)
	return h.logRequests(mux)
}

// CreateProductRequest is the body of POST /api/products.
type CreateProductRequest struct {
	ProductID       string `json:"productId,omitempty"`
	Name            string `json:"name"`
	InitialQuantity int64  `json:"initialQuantity"`
}

// QuantityRequest is the body of the add and remove routes.
type QuantityRequest struct {
	Quantity int64 `json:"quantity"`
}

// CommandResponse is returned by every command route.
type CommandResponse struct {
	ProductID string `json:"productId"`
	Version   int64  `json:"version"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateProductRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ProductID == "" {
		req.ProductID = h.newID()
	}

	h.submit(w, r, http.StatusCreated, inventory.CreateProduct{
		CommandBase:     commandBase(r),
		ProductID:       req.ProductID,
		Name:            req.Name,
		InitialQuantity: req.InitialQuantity,
	})
}

func (h *Handler) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req QuantityRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.submit(w, r, http.StatusOK, inventory.AddInventory{
		CommandBase: commandBase(r),
		ProductID:   r.PathValue("id"),
		Quantity:    req.Quantity,
	})
}

func (h *Handler) handleRemove(w http.ResponseWriter, r *http.Request) {
	var req QuantityRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.submit(w, r, http.StatusOK, inventory.RemoveInventory{
		CommandBase: commandBase(r),
		ProductID:   r.PathValue("id"),
		Quantity:    req.Quantity,
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	products, err := h.inventory.ListProducts(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, products)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	product, err := h.inventory.GetProduct(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, product)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := h.health(ctx); err != nil {
			h.logger.Warn("health check failed", "error", err)
			h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, status int, cmd inventory.Command) {
	result, err := h.inventory.Submit(r.Context(), cmd)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, status, CommandResponse{ProductID: result.AggregateID, Version: result.Version})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error(), Code: "bad_request"})
		return false
	}
	return true
}

func commandBase(r *http.Request) inventory.CommandBase {
	return inventory.CommandBase{
		CommandID:     uuid.NewString(),
		CorrelationID: r.Header.Get(HeaderCorrelationID),
		Key:           r.Header.Get(HeaderIdempotencyKey),
	}
}

// StatusCode maps a service error to its HTTP status and error code.
func StatusCode(err error) (int, string) {
	switch {
	case errors.Is(err, inventory.ErrValidationFailed):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, inventory.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, inventory.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, inventory.ErrInsufficientStock):
		return http.StatusUnprocessableEntity, "insufficient_stock"
	case errors.Is(err, inventory.ErrConcurrencyConflict):
		return http.StatusConflict, "concurrency_conflict"
	case errors.Is(err, inventory.ErrCommandAlreadyProcessed):
		return http.StatusConflict, "already_processed"
	case errors.Is(err, inventory.ErrCommandInProgress):
		return http.StatusConflict, "in_progress"
	case errors.Is(err, inventory.ErrStoreUnavailable), errors.Is(err, inventory.ErrLockTimeout):
		return http.StatusServiceUnavailable, "store_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := StatusCode(err)
	if status >= 500 {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	if status == http.StatusServiceUnavailable || code == "in_progress" {
		w.Header().Set("Retry-After", "1")
	}
	h.writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if id := r.Header.Get(HeaderCorrelationID); id != "" {
			w.Header().Set(HeaderCorrelationID, id)
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}
