// Package responders writes JSON bodies for the ticketing HTTP surface.
package responders

import (
	"encoding/json"
	"net/http"
)

// JSON writes payload with the given status. Tokens and URLs appear in
// bodies, so HTML escaping is off to keep them byte-exact.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

// NoContent writes a bare 204.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
