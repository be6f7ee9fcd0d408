package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/mmeshcher/smmpanel/internal/middleware"
)

// Router собирает маршруты API.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(custommiddleware.GzipMiddleware)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeMessage(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeMessage(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.With(h.rateLimiter.Middleware).Post("/payments/webhooks/{processor}", h.PaymentWebhook)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)
			r.Use(h.rateLimiter.Middleware)

			r.Get("/services", h.ListServices)
			r.Get("/services/{id}", h.GetService)

			r.Post("/orders", h.CreateOrder)
			r.Post("/orders/credit", h.CreateCreditOrder)
			r.Get("/orders", h.ListOrders)
			r.Get("/orders/{id}", h.GetOrder)
			r.Post("/orders/{id}/fund", h.FundOrder)
			r.Post("/orders/{id}/sync", h.SyncOrder)

			r.Get("/credits", h.GetCredits)

			r.Get("/payments/methods", h.ListPaymentMethods)
			r.Post("/payments", h.CreatePayment)
			r.Post("/payments/{id}/capture", h.CapturePayment)

			r.Route("/admin", func(r chi.Router) {
				r.Use(h.authMiddleware.RequireAdmin)

				r.Post("/services/sync", h.SyncServices)
				r.Put("/services/markup", h.SetMarkup)
				r.Put("/services/{id}/description", h.SetServiceDescription)

				r.Post("/orders/sync", h.SyncOrders)
				r.Post("/orders/{id}/submit", h.SubmitOrder)
				r.Get("/orders", h.ListAllOrders)

				r.Get("/payments", h.ListPayments)
				r.Post("/payments/{id}/complete", h.CompletePayment)
				r.Post("/payments/{id}/fail", h.FailPayment)

				r.Post("/users/{id}/credits", h.AdjustCredits)
				r.Get("/provider/balance", h.ProviderBalance)
			})
		})
	})

	return r
}
