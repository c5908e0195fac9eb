package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"mdt-realtime/pkg/shared"
)

// BearerAuth rejects requests that do not carry token as a bearer token.
func BearerAuth(token string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			// Browsers cannot set headers on websocket upgrades.
			if q := r.URL.Query().Get("access_token"); q != "" && isUpgrade(r) {
				authHeader = "Bearer " + q
			}
		}
		if authHeader == "" {
			sendUnauthorized(w, "Missing authorization header")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			sendUnauthorized(w, "Invalid authorization format")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
			sendUnauthorized(w, "Invalid token")
			return
		}

		next(w, r)
	}
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func sendUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)

	response := shared.Response{
		Success: false,
		Error: &shared.Error{
			Code:    "UNAUTHORIZED",
			Message: message,
		},
	}

	json.NewEncoder(w).Encode(response)
}

// CORS middleware for handling cross-origin requests
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
