package apperr

import (
	"encoding/json"
	"net/http"
)

type body struct {
	Error payload `json:"error"`
}

type payload struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// WriteHTTP writes err as {"error": {code, message, details}} with the
// status mapped from its code. Causes are never exposed.
func WriteHTTP(w http.ResponseWriter, err error) {
	e := As(err)
	msg := e.Message
	if e.Code == CodeInternal {
		msg = "internal error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(e.Code))
	_ = json.NewEncoder(w).Encode(body{Error: payload{Code: e.Code, Message: msg, Details: e.Details}})
}
