package ratelimit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
)

// KeyFunc derives the bucket key for a request.
type KeyFunc func(r *http.Request) string

// Middleware returns an HTTP middleware that enforces rate limits using the
// provided Backend. Backend errors let the request through.
//
// Rate-limit headers are set on every limited response:
//
//	X-RateLimit-Limit    : maximum requests allowed in the window
//	X-RateLimit-Remaining: tokens remaining in the current window
//	X-RateLimit-Reset    : Unix timestamp when the bucket is fully replenished
//
// When the limit is exceeded the middleware responds with HTTP 429, a
// Retry-After header and a JSON error body.
func Middleware(backend Backend, keyFn KeyFunc, onReject ...func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			res, err := backend.Take(r.Context(), key)
			if err != nil {
				slog.WarnContext(r.Context(), "rate limit backend failed", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", res.Limit))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", res.Remaining))
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", res.ResetAt.Unix()))

			if !res.Allowed {
				for _, fn := range onReject {
					fn()
				}
				secs := int(math.Ceil(res.RetryAfter.Seconds()))
				w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]interface{}{
					"error": map[string]string{
						"code":    "rate_limited",
						"message": "Rate limit exceeded. Try again later.",
					},
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
