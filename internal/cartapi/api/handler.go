// Package api exposes the cart service over REST.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/fjod/cartsync/internal/cartapi/catalog"
	"github.com/fjod/cartsync/internal/cartapi/repository"
	"github.com/fjod/cartsync/internal/cartapi/service"
	"github.com/fjod/cartsync/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

type CartService interface {
	Snapshot(ctx context.Context, userID string) (*domain.CartSnapshot, error)
	AddItem(ctx context.Context, userID string, productID int64, quantity int) error
	RemoveItem(ctx context.Context, userID string, productID int64) error
	UpdateQuantity(ctx context.Context, userID string, productID int64, quantity int) error
	UpdateSize(ctx context.Context, userID string, productID int64, size string) error
	ClearCart(ctx context.Context, userID string) error
}

type CartHandler struct {
	carts    CartService
	validate *validator.Validate
	timeout  time.Duration
	log      logrus.FieldLogger
}

func NewCartHandler(carts CartService, timeout time.Duration, log logrus.FieldLogger) *CartHandler {
	return &CartHandler{
		carts:    carts,
		validate: validator.New(),
		timeout:  timeout,
		log:      log.WithField("component", "cart_api"),
	}
}

type AddItemRequestDTO struct {
	ProductID int64 `json:"productId" validate:"gt=0"`
	Quantity  int   `json:"quantity" validate:"gte=1,lte=99"`
}

type UpdateQuantityRequestDTO struct {
	ProductID int64 `json:"productId" validate:"gt=0"`
	Quantity  int   `json:"quantity" validate:"gte=1,lte=99"`
}

type UpdateSizeRequestDTO struct {
	ProductID int64  `json:"productId" validate:"gt=0"`
	Size      string `json:"size" validate:"required,max=16"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// GetCart answers 204 when the user has no cart.
func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	snap, err := h.carts.Snapshot(ctx, UserIDFromContext(r.Context()))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	if snap == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	var req AddItemRequestDTO
	if !h.decode(w, r, &req) {
		return
	}
	h.mutate(w, r, func(ctx context.Context, userID string) error {
		return h.carts.AddItem(ctx, userID, req.ProductID, req.Quantity)
	})
}

func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "product_id"), 10, 64)
	if err != nil || productID <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_product_id", "product_id must be a positive integer")
		return
	}
	h.mutate(w, r, func(ctx context.Context, userID string) error {
		return h.carts.RemoveItem(ctx, userID, productID)
	})
}

func (h *CartHandler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	var req UpdateQuantityRequestDTO
	if !h.decode(w, r, &req) {
		return
	}
	h.mutate(w, r, func(ctx context.Context, userID string) error {
		return h.carts.UpdateQuantity(ctx, userID, req.ProductID, req.Quantity)
	})
}

func (h *CartHandler) UpdateSize(w http.ResponseWriter, r *http.Request) {
	var req UpdateSizeRequestDTO
	if !h.decode(w, r, &req) {
		return
	}
	h.mutate(w, r, func(ctx context.Context, userID string) error {
		return h.carts.UpdateSize(ctx, userID, req.ProductID, req.Size)
	})
}

func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.carts.ClearCart(ctx, UserIDFromContext(r.Context())); err != nil {
		h.handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// mutate runs op and answers with the resulting cart.
func (h *CartHandler) mutate(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, userID string) error) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	userID := UserIDFromContext(r.Context())
	if err := op(ctx, userID); err != nil {
		h.handleServiceError(w, err)
		return
	}

	snap, err := h.carts.Snapshot(ctx, userID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	if snap == nil {
		snap = &domain.CartSnapshot{Items: []domain.SnapshotItem{}}
	}
	respondJSON(w, http.StatusOK, snap)
}

func (h *CartHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		respondError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return false
	}
	return true
}

// handleServiceError converts service errors to HTTP status codes
func (h *CartHandler) handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, catalog.ErrProductNotFound):
		respondError(w, http.StatusNotFound, "product_not_found", err.Error())
	case errors.Is(err, repository.ErrItemNotFound), errors.Is(err, repository.ErrCartNotFound):
		respondError(w, http.StatusNotFound, "item_not_found", err.Error())
	case errors.Is(err, service.ErrInsufficientStock):
		respondError(w, http.StatusConflict, "insufficient_stock", err.Error())
	case errors.Is(err, service.ErrProductUnavailable):
		respondError(w, http.StatusConflict, "product_unavailable", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "timeout", "request timed out")
	default:
		h.log.WithError(err).Error("cart operation failed")
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logrus.WithError(err).Error("failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{Error: message, Code: code})
}
