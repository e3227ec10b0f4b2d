package httpapi

import (
	"encoding/json"
	"net/http"
)

// errorBody is the uniform error envelope; every non-2xx JSON response on
// this surface carries exactly one "error" string.
type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
