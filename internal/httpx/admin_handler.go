package httpx

import (
	"context"
	"github.com/ariefcatur/go-realtime-auctions/internal/scheduler"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"net/http"
)

// Lifecycle is the scheduler surface the operators can trigger by hand.
type Lifecycle interface {
	Sweep(ctx context.Context) scheduler.SweepResult
	Recover(ctx context.Context) (scheduler.SweepResult, error)
}

type AdminHandler struct {
	Lifecycle Lifecycle
}

func (h *AdminHandler) Register(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))
		r.Post("/sweep", h.sweep)
		r.Post("/recover", h.recoverTimers)
	})
}

func (h *AdminHandler) sweep(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Lifecycle.Sweep(r.Context()))
}

func (h *AdminHandler) recoverTimers(w http.ResponseWriter, r *http.Request) {
	res, err := h.Lifecycle.Recover(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
