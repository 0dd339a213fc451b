package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/carsa-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса карса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/purchase", h.Purchase)

		r.Route("/merchant", func(r chi.Router) {
			r.Post("/register", h.RegisterMerchant)
			r.Post("/update", h.UpdateMerchant)
			r.Get("/{id}", h.GetMerchant)
			r.Get("/{id}/transactions", h.GetMerchantTransactions)
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
