package storefront

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fjod/cartsync/internal/cartstore"
	"github.com/fjod/cartsync/internal/domain"
	"github.com/fjod/cartsync/internal/notify"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

type Handler struct {
	hub      *Hub
	validate *validator.Validate
	timeout  time.Duration
	log      logrus.FieldLogger
}

func NewHandler(hub *Hub, timeout time.Duration, log logrus.FieldLogger) *Handler {
	return &Handler{
		hub:      hub,
		validate: validator.New(),
		timeout:  timeout,
		log:      log.WithField("component", "storefront"),
	}
}

type AddItemRequestDTO struct {
	Product  domain.Product `json:"product"`
	Quantity int            `json:"quantity" validate:"lte=99"`
	Size     string         `json:"size" validate:"max=16"`
	Color    string         `json:"color" validate:"max=32"`
}

type UpdateQuantityRequestDTO struct {
	Quantity *int `json:"quantity" validate:"required,lte=99"`
}

type UpdateSizeRequestDTO struct {
	Size string `json:"size" validate:"required,max=16"`
}

type LoginRequestDTO struct {
	Token string `json:"token" validate:"required"`
}

// CartResponse is the cart state plus the toasts still on screen.
type CartResponse struct {
	cartstore.State
	Notifications []notify.Toast `json:"notifications"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	h.respondCart(w, h.client(r))
}

func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req AddItemRequestDTO
	if !h.decode(w, r, &req) {
		return
	}

	c := h.client(r)
	c.Store.AddItem(ctx, req.Product, req.Quantity, req.Size, req.Color)
	h.respondCart(w, c)
}

func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	productID, ok := productIDParam(w, r)
	if !ok {
		return
	}

	c := h.client(r)
	c.Store.RemoveItem(ctx, productID)
	h.respondCart(w, c)
}

func (h *Handler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	productID, ok := productIDParam(w, r)
	if !ok {
		return
	}
	var req UpdateQuantityRequestDTO
	if !h.decode(w, r, &req) {
		return
	}

	c := h.client(r)
	c.Store.UpdateQuantity(ctx, productID, *req.Quantity)
	h.respondCart(w, c)
}

func (h *Handler) UpdateSize(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	productID, ok := productIDParam(w, r)
	if !ok {
		return
	}
	var req UpdateSizeRequestDTO
	if !h.decode(w, r, &req) {
		return
	}

	c := h.client(r)
	c.Store.UpdateSize(ctx, productID, req.Size)
	h.respondCart(w, c)
}

func (h *Handler) ClearCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	c := h.client(r)
	c.Store.ClearCart(ctx)
	h.respondCart(w, c)
}

func (h *Handler) SyncCart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	c := h.client(r)
	c.Store.SyncCart(ctx)
	h.respondCart(w, c)
}

func (h *Handler) OpenCart(w http.ResponseWriter, r *http.Request) {
	c := h.client(r)
	c.Store.OpenCart()
	h.respondCart(w, c)
}

func (h *Handler) CloseCart(w http.ResponseWriter, r *http.Request) {
	c := h.client(r)
	c.Store.CloseCart()
	h.respondCart(w, c)
}

func (h *Handler) ToggleCart(w http.ResponseWriter, r *http.Request) {
	c := h.client(r)
	c.Store.ToggleCart()
	h.respondCart(w, c)
}

// Login adopts a token issued by the identity provider. The cart resyncs
// before the response is written.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var req LoginRequestDTO
	if !h.decode(w, r, &req) {
		return
	}

	c := h.client(r)
	if _, err := c.Session.Login(ctx, req.Token); err != nil {
		h.log.WithError(err).WithField("client_id", c.ID).Info("login rejected")
		respondError(w, http.StatusUnauthorized, "invalid_token", "token is invalid or expired", "")
		return
	}
	h.respondCart(w, c)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	c := h.client(r)
	c.Session.Logout(ctx)
	h.respondCart(w, c)
}

func (h *Handler) DismissNotification(w http.ResponseWriter, r *http.Request) {
	c := h.client(r)
	if !c.Toasts.Dismiss(chi.URLParam(r, "id")) {
		respondError(w, http.StatusNotFound, "not_found", "notification not found", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) client(r *http.Request) *Client {
	return h.hub.Get(r.Context(), ClientIDFromContext(r.Context()))
}

func (h *Handler) respondCart(w http.ResponseWriter, c *Client) {
	respondJSON(w, http.StatusOK, CartResponse{
		State:         c.Store.Snapshot(),
		Notifications: c.Toasts.Active(),
	})
}

// decode parses and validates the JSON body into dst. It writes the 400
// response itself and reports whether the handler should go on.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body", "")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		respondError(w, http.StatusBadRequest, "validation_failed", "request validation failed", validationDetails(err))
		return false
	}
	return true
}

func validationDetails(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Namespace()+" failed "+fe.Tag())
	}
	return strings.Join(fields, "; ")
}

func productIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "product_id"), 10, 64)
	if err != nil || productID <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_product_id", "product_id must be a positive integer", "")
		return 0, false
	}
	return productID, true
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logrus.WithError(err).Error("failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, code, message, details string) {
	respondJSON(w, status, ErrorResponse{
		Error:   message,
		Code:    code,
		Details: details,
	})
}
