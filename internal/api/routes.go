// routes.go -- Route table for the /v1 surface.
package api

import (
	"net/http"

	"github.com/MGallo-Code/aegis/internal/ratelimit"
	"github.com/go-chi/chi/v5"
)

// Routes returns the /v1 router. limiter may be nil, which disables the
// per-IP pre-authentication limit.
func (h *Handler) Routes(limiter *ratelimit.Limiter) http.Handler {
	r := chi.NewRouter()

	if limiter != nil {
		r.Use(limiter.Middleware("general", ratelimit.ByIP))
	}
	r.Use(h.RequireAPIKey)

	r.Route("/mfa", func(r chi.Router) {
		r.Get("/status", h.MFAStatus)
		r.Post("/setup", h.SetupMFA)
		r.Post("/enable", h.EnableMFA)
		r.Post("/verify", h.VerifyMFA)
		r.Post("/recovery", h.UseRecoveryCode)
		r.Post("/recovery-codes", h.RegenerateRecoveryCodes)
		r.Post("/disable", h.DisableMFA)
	})

	r.Route("/keys", func(r chi.Router) {
		r.Post("/", h.CreateKey)
		r.Get("/", h.ListKeys)
		r.Post("/{id}/rotate", h.RotateKey)
		r.Delete("/{id}", h.RevokeKey)
	})

	r.With(RequireScope("audit:read")).Get("/audit", h.SearchAudit)
	r.With(RequireScope("admin")).Post("/audit/verify", h.VerifyAudit)
	r.With(RequireScope("admin")).Get("/locks/{key}", h.LockHolder)

	return r
}
