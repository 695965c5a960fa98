package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

func NewRequestID() string { return "req_" + uuid.NewString() }

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// WriteSuccess emits the {success,message,data} envelope clients key on.
func WriteSuccess(w http.ResponseWriter, status int, message string, data any) {
	resp := map[string]any{
		"success":    true,
		"request_id": NewRequestID(),
	}
	if message != "" {
		resp["message"] = message
	}
	if data != nil {
		resp["data"] = data
	}
	WriteJSON(w, status, resp)
}

func WriteError(w http.ResponseWriter, status int, message string, details any) {
	resp := map[string]any{
		"success":    false,
		"request_id": NewRequestID(),
		"error":      message,
	}
	if details != nil {
		resp["details"] = details
	}
	WriteJSON(w, status, resp)
}
