package storefront

import (
	"context"
	"net/http"
	"time"

	"github.com/fjod/cartsync/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	ClientCookie    = "cart_client"
	clientCookieAge = 30 * 24 * time.Hour
)

type ctxKey struct{}

func ClientIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// ClientIDMiddleware identifies the browser by the cart_client cookie and
// issues a new id when the cookie is missing or malformed.
func ClientIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id string
		if cookie, err := r.Cookie(ClientCookie); err == nil {
			if _, err := uuid.Parse(cookie.Value); err == nil {
				id = cookie.Value
			}
		}
		if id == "" {
			id = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     ClientCookie,
				Value:    id,
				Path:     "/",
				MaxAge:   int(clientCookieAge.Seconds()),
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}

		ctx := context.WithValue(r.Context(), ctxKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// NewRouter wires the storefront routes.
func NewRouter(h *Handler, requestTimeout time.Duration, log logrus.FieldLogger) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(logger.RequestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(middleware.Compress(5))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(ClientIDMiddleware)

		r.Route("/cart", func(r chi.Router) {
			r.Get("/", h.GetCart)
			r.Delete("/", h.ClearCart)
			r.Post("/sync", h.SyncCart)
			r.Post("/open", h.OpenCart)
			r.Post("/close", h.CloseCart)
			r.Post("/toggle", h.ToggleCart)

			r.Post("/items", h.AddItem)
			r.Delete("/items/{product_id}", h.RemoveItem)
			r.Put("/items/{product_id}/quantity", h.UpdateQuantity)
			r.Put("/items/{product_id}/size", h.UpdateSize)
		})

		r.Route("/session", func(r chi.Router) {
			r.Post("/login", h.Login)
			r.Post("/logout", h.Logout)
		})

		r.Delete("/notifications/{id}", h.DismissNotification)
	})

	return otelhttp.NewHandler(r, "storefront")
}
