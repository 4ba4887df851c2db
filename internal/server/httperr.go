package server

import (
	"encoding/json"
	"net/http"
)

// apiError is the structured body every gateway-originated error carries.
// Status is echoed in the body only where clients expect it (rate limit
// rejections); Message adds human-readable detail where useful.
type apiError struct {
	Error   string `json:"error"`
	Status  int    `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Encoding a flat struct to a ResponseWriter cannot fail in a way
	// we can still report to the client.
	_ = json.NewEncoder(w).Encode(v)
}

func writeNotFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, apiError{Error: "Not Found", Message: "Endpoint does not exist"})
}

func writeRateLimited(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusTooManyRequests, apiError{Error: message, Status: http.StatusTooManyRequests})
}

func writeNoToken(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, apiError{Error: "No token provided"})
}

func writeInvalidToken(w http.ResponseWriter) {
	writeJSON(w, http.StatusForbidden, apiError{Error: "Invalid token"})
}

func writeAuthUnavailable(w http.ResponseWriter) {
	writeJSON(w, http.StatusServiceUnavailable, apiError{Error: "Auth service unavailable"})
}

func writeUpstreamUnavailable(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusServiceUnavailable, apiError{Error: message})
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusInternalServerError, apiError{Error: "Internal Server Error", Message: message})
}
