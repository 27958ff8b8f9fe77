package middleware

import (
	"encoding/json"
	"net/http"
)

// errorBody matches the error shape of the handler package's MessageEnvelope,
// redeclared here because handler imports this package for ClaimsFromContext.
type errorBody struct {
	Error string `json:"error"`
}

// writeJSONError writes a JSON error response in the same envelope shape the
// handlers use, so clients see one error format regardless of which layer
// rejected the request.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: msg})
}
