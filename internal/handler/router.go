package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/credits-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware кредитного сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/v1/credit", func(r chi.Router) {
		// Уведомления провайдера приходят без авторизации и проверяются подписью.
		r.Get("/callback", h.Callback)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/balance", h.GetBalance)
			r.Post("/balance", h.SetBalance)
			r.Post("/balance/add", h.AddBalance)

			r.Get("/logs", h.GetCreditLog)

			r.Post("/trade", h.CreateTrade)
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
