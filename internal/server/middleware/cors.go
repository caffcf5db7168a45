package middleware

import (
	"net/http"
	"strings"
)

const (
	publicHeaders   = "Content-Type"
	bettorHeaders   = "Content-Type, Authorization"
	operatorHeaders = "Content-Type, Authorization, X-API-Key"
)

// allowedHeaders returns the request headers a route family accepts. Bettor
// routes carry a bearer token; operator routes also take the static API key.
func allowedHeaders(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/admin/"), path == "/api/round/heartbeat":
		return operatorHeaders
	case strings.HasPrefix(path, "/api/entries/"), path == "/api/balance":
		return bettorHeaders
	default:
		return publicHeaders
	}
}

// CORS returns middleware that sets CORS headers for the allowed origins.
// If allowedOrigins is empty, all origins are allowed. Preflight requests are
// answered here and advertise only the headers the target route reads.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && originAllowed(allowedOrigins, origin) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
				// Rate-limited and retryable conflicts carry Retry-After.
				h.Set("Access-Control-Expose-Headers", "Retry-After")
				if r.Method == http.MethodOptions {
					h.Set("Access-Control-Allow-Methods", "GET, POST")
					h.Set("Access-Control-Allow-Headers", allowedHeaders(r.URL.Path))
					h.Set("Access-Control-Max-Age", "86400")
				}
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func originAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}
