package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/fjod/cartsync/internal/session"
	"github.com/fjod/cartsync/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type ctxKey struct{}

func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// AuthMiddleware accepts HS256 bearer tokens signed with secret and puts
// the user id into the request context.
func AuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				respondError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}

			s, err := session.ParseToken(token, secret)
			if err != nil {
				respondError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), ctxKey{}, s.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func NewRouter(h *CartHandler, jwtSecret string, requestTimeout time.Duration, log logrus.FieldLogger) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(logger.RequestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/cart", func(r chi.Router) {
		r.Use(AuthMiddleware(jwtSecret))

		r.Get("/", h.GetCart)
		r.Post("/add", h.AddItem)
		r.Delete("/remove/{product_id}", h.RemoveItem)
		r.Put("/quantity", h.UpdateQuantity)
		r.Put("/size", h.UpdateSize)
		r.Delete("/clear", h.ClearCart)
	})

	return otelhttp.NewHandler(r, "cartapi")
}
