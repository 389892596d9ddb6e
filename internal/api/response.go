// Package api implements the authenticated HTTPS control API of the
// basestation: echo, status, resend-from-backup, raw manager passthrough,
// and snapshot retrieval. Every endpoint requires the shared token in the
// X-REALMS-Token header. The counter registry is also exported in
// Prometheus format on /metrics.
package api

import (
	"encoding/json"
	"net/http"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// errorBody is the error shape shared by all endpoints.
type errorBody struct {
	Error string `json:"error"`
}

// errJSON writes an error response.
func errJSON(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

// decodeJSON decodes the request body into dst. Returns false and writes a
// 400 if decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		errJSON(w, http.StatusBadRequest, "Malformed JSON body")
		return false
	}
	return true
}
