// middleware.go -- HTTP middleware applying a named profile per request.
package ratelimit

import (
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"

	"github.com/MGallo-Code/aegis/internal/apperr"
)

// KeyFunc extracts the rate limit subject from a request.
type KeyFunc func(r *http.Request) string

// ByIP keys on the client IP. Run chi's RealIP middleware first when behind a proxy.
func ByIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware counts every request against profile. Rejected requests get 429
// with Retry-After; every response carries X-RateLimit-Limit/Remaining/Reset.
func (l *Limiter) Middleware(profile string, key KeyFunc) func(http.Handler) http.Handler {
	if key == nil {
		key = ByIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := key(r)
			if subject == "" {
				subject = ByIP(r)
			}

			res, err := l.Check(r.Context(), profile, subject)
			var rle *apperr.RateLimitError
			switch {
			case errors.As(err, &rle):
				writeHeaders(w, res)
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rle.RetryAfter.Seconds()))))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"message":"too many requests"}`))
				return
			case err != nil:
				// Misconfigured profile; log and let the request through.
				slog.Error("rate limit check failed", "profile", profile, "path", r.URL.Path, "error", err)
			default:
				writeHeaders(w, res)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeHeaders(w http.ResponseWriter, res Result) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
}
