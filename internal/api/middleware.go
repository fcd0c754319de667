// middleware.go

// API key authentication and scope middleware.
package api

import (
	"context"
	"net"
	"net/http"
	"net/netip"

	"github.com/MGallo-Code/aegis/internal/apikey"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gofrs/uuid/v5"
)

// contextKey is unexported to prevent collisions with other packages using the same context.
type contextKey string

const apiKeyInfoKey contextKey = "api_key"

// Header names carrying API key credentials.
const (
	HeaderAPIKey    = "X-API-Key"
	HeaderAPISecret = "X-API-Secret"
	HeaderMFAToken  = "X-MFA-Token"
)

// APIKeyFromContext retrieves the authenticated key from context.
// Returns nil and false if RequireAPIKey hasn't run.
func APIKeyFromContext(ctx context.Context) (*apikey.Info, bool) {
	k, ok := ctx.Value(apiKeyInfoKey).(*apikey.Info)
	return k, ok
}

// UserIDFromContext retrieves the authenticated key owner's ID from context.
func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	k, ok := APIKeyFromContext(ctx)
	if !ok {
		return uuid.Nil, false
	}
	return k.UserID, true
}

// RequireAPIKey validates the X-API-Key / X-API-Secret pair and injects the key into context.
// Every rejection is a 401 with the same body; rate limited keys get 429.
func (h *Handler) RequireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderAPIKey)
		secret := r.Header.Get(HeaderAPISecret)
		if key == "" || secret == "" {
			logWarn(r, "require api key failed", "reason", "missing_credentials")
			Unauthorized(w, r, "unauthorized")
			return
		}

		info, err := h.Keys.Validate(r.Context(), key, secret, clientIP(r))
		if err != nil {
			WriteError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), apiKeyInfoKey, info)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScope returns 403 unless the authenticated key grants scope.
// Must run after RequireAPIKey.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k, ok := APIKeyFromContext(r.Context())
			if !ok {
				Unauthorized(w, r, "unauthorized")
				return
			}
			if !apikey.HasPermission(k, scope) {
				logWarn(r, "scope check failed", "key_id", k.ID, "scope", scope)
				Forbidden(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TrustedRealIP applies chi's RealIP only to requests whose peer address is in
// trusted. Forwarding headers from any other peer are left unread, so a client
// cannot choose the IP seen by key whitelists and per-IP rate limits.
func TrustedRealIP(trusted []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(trusted) == 0 {
			return next
		}
		forwarded := middleware.RealIP(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if fromTrustedPeer(r.RemoteAddr, trusted) {
				forwarded.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func fromTrustedPeer(remoteAddr string, trusted []netip.Prefix) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// clientIP strips the port from RemoteAddr. TrustedRealIP has already
// rewritten RemoteAddr when the request came through a trusted proxy.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
