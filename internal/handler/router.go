package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/orderflow/internal/middleware"
	"github.com/mmeshcher/orderflow/internal/model"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса заказов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Compress(5, "application/json"))
	r.Use(custommiddleware.DecompressRequest)

	r.Route("/api", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Route("/orders", func(r chi.Router) {
			r.Get("/draft", h.GetDraft)
			r.Post("/draft/items", h.AddDraftItems)
			r.Post("/submit", h.Submit)
			r.Get("/unfinished", h.GetUnfinished)
			r.Post("/drafts/purge", h.PurgeDrafts)
			r.Delete("/drafts/{id}", h.DeleteDraft)
			r.Post("/{id}/restore", h.Restore)
			r.Post("/{id}/cancel", h.Cancel)
		})

		r.Route("/admin/orders", func(r chi.Router) {
			r.Use(h.RequireAdmin)

			r.Post("/expire", h.ExpireOrders)
			r.Post("/{number}/approve", h.transitionByNumber(model.OrderStatusConfirmed))
			r.Post("/{number}/ready", h.transitionByNumber(model.OrderStatusReady))
			r.Post("/{number}/deliver", h.transitionByNumber(model.OrderStatusDelivered))
			r.Post("/{number}/cancel", h.transitionByNumber(model.OrderStatusCancelled))
			r.Delete("/drafts/{id}", h.ForceDeleteDraft)
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
