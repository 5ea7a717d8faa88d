package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter mounts the operator routes.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/dead-letters", func(r chi.Router) {
		r.Get("/", h.ListDeadLetters)
		r.Get("/{id}", h.GetDeadLetter)
		r.Post("/{id}/retry", h.RetryDeadLetter)
		r.Post("/{id}/discard", h.DiscardDeadLetter)
	})
	r.Route("/sagas", func(r chi.Router) {
		r.Get("/stuck", h.ListStuckSagas)
		r.Get("/{id}", h.GetSaga)
		r.Post("/{id}/abort", h.AbortSaga)
		r.Post("/{id}/force-fail", h.ForceFailCompensation)
		r.Post("/{id}/resume-compensation", h.ResumeCompensation)
	})
	r.Get("/batches/{id}", h.GetBatch)
	r.Route("/subscriptions", func(r chi.Router) {
		r.Get("/", h.ListSubscriptions)
		r.Post("/{id}/active", h.SetSubscriptionActive)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}
