// Package httputil holds the small JSON helpers shared by every API
// handler in internal/web.
package httputil

import (
	"encoding/json"
	"io"
	"net/http"
)

// MaxJSONBodyBytes caps a decoded request body. The API's JSON bodies
// are small: credentials, a csrf token, or a signals update whose
// element count is bounded by max_signal_changes. 256 KiB leaves ample
// headroom while keeping a misbehaving client from buffering megabytes.
const MaxJSONBodyBytes = 256 << 10

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

// DecodeJSON decodes the request body into v, rejecting unknown fields
// and bodies over MaxJSONBodyBytes.
func DecodeJSON(r *http.Request, v interface{}) error {
	limitedReader := io.LimitReader(r.Body, MaxJSONBodyBytes)
	defer r.Body.Close()

	decoder := json.NewDecoder(limitedReader)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}
