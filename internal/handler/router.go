package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/referral-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware реферального сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/user/register", h.Register)
		r.Post("/user/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.webhookAuth)

			r.Post("/payments/webhook", h.PaymentWebhook)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/user/referrals", h.GetReferralStats)

			r.Get("/user/credits", h.GetCredits)
			r.Post("/user/credits/check", h.CheckCredit)
			r.Post("/user/credits/{creditID}/use", h.UseCredit)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}

// webhookAuth проверяет общий секрет платёжной системы в заголовке X-Webhook-Token.
func (h *Handler) webhookAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.webhookToken != "" && r.Header.Get("X-Webhook-Token") != h.webhookToken {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
