// Package middleware provides HTTP handler wrappers shared by the OpenAI and
// Ollama protocol adapters.
package middleware

import "net/http"

// CorsMiddleware wraps a handler with permissive CORS headers so that
// browser-based clients (e.g. local web UIs) can talk to the router directly.
// OPTIONS preflight requests are answered without reaching the wrapped
// handler.
func CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, HEAD, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
