// keys_handler.go -- HTTP handlers for /v1/keys.
package api

import (
	"context"
	"net/http"

	"github.com/MGallo-Code/aegis/internal/apikey"
	"github.com/MGallo-Code/aegis/internal/audit"
	"github.com/MGallo-Code/aegis/internal/guard"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gofrs/uuid/v5"
)

// CreateKey handles POST /v1/keys -- returns the plaintext key and secret exactly once.
// The new key belongs to the caller's user and cannot carry a scope the calling key lacks.
func (h *Handler) CreateKey(w http.ResponseWriter, r *http.Request) {
	k, ok := caller(w, r)
	if !ok {
		return
	}
	var in apikey.CreateParams
	if !h.decodeJSON(w, r, &in) {
		return
	}
	created, err := h.Keys.CreateFor(r.Context(), k, in)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	logInfo(r, "api key created", "user_id", k.UserID, "key_id", created.Info.ID)
	WriteJSON(w, http.StatusCreated, created)
}

// ListKeys handles GET /v1/keys -- the caller's keys without hashes or secrets.
func (h *Handler) ListKeys(w http.ResponseWriter, r *http.Request) {
	k, ok := caller(w, r)
	if !ok {
		return
	}
	keys, err := h.Keys.List(r.Context(), k.UserID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, struct {
		Keys []apikey.Info `json:"keys"`
	}{keys})
}

// RotateKey handles POST /v1/keys/{id}/rotate.
// Runs under the key's lock; users with MFA enabled must send X-MFA-Token.
func (h *Handler) RotateKey(w http.ResponseWriter, r *http.Request) {
	var secret string
	h.keyOperation(w, r, "api_key.rotate", func(ctx context.Context, keyID, userID uuid.UUID) error {
		s, err := h.Keys.Rotate(ctx, keyID, userID)
		secret = s
		return err
	}, func(w http.ResponseWriter, keyID uuid.UUID) {
		WriteJSON(w, http.StatusOK, struct {
			ID     uuid.UUID `json:"id"`
			Secret string    `json:"secret"`
		}{keyID, secret})
	})
}

// RevokeKey handles DELETE /v1/keys/{id}. ?purge=true removes the row instead of deactivating it.
func (h *Handler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	purge := r.URL.Query().Get("purge") == "true"
	name := "api_key.revoke"
	if purge {
		name = "api_key.delete"
	}
	h.keyOperation(w, r, name, func(ctx context.Context, keyID, userID uuid.UUID) error {
		if purge {
			return h.Keys.Delete(ctx, keyID, userID)
		}
		return h.Keys.Revoke(ctx, keyID, userID)
	}, func(w http.ResponseWriter, _ uuid.UUID) {
		w.WriteHeader(http.StatusNoContent)
	})
}

// keyOperation parses {id}, decides on MFA step-up and runs fn through the guard.
func (h *Handler) keyOperation(
	w http.ResponseWriter, r *http.Request, name string,
	fn func(ctx context.Context, keyID, userID uuid.UUID) error,
	respond func(w http.ResponseWriter, keyID uuid.UUID),
) {
	k, ok := caller(w, r)
	if !ok {
		return
	}
	keyID, err := uuid.FromString(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, r, "invalid key id")
		return
	}
	needMFA, err := h.stepUp(r.Context(), k.UserID)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	op := guard.Operation{
		Name:       name,
		Category:   audit.CategoryAPIKey,
		Actor:      audit.ActorUser,
		UserID:     k.UserID,
		Profile:    "general",
		LockKey:    "apikey:" + keyID.String(),
		RequestID:  middleware.GetReqID(r.Context()),
		IP:         clientIP(r),
		Resource:   keyID.String(),
		RequireMFA: needMFA,
		MFAToken:   r.Header.Get(HeaderMFAToken),
		APIKey:     k,
	}
	if err := h.Guard.Execute(r.Context(), op, func(ctx context.Context) error {
		return fn(ctx, keyID, k.UserID)
	}); err != nil {
		WriteError(w, r, err)
		return
	}
	respond(w, keyID)
}
