package hackhttp

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// ErrorBody is the wire shape of every error response.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WriteJSON pretty-prints v with a trailing newline and an exact
// content-length. Pretty bodies make socket-level debugging with curl
// bearable.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
		return
	}
	data = append(data, '\n')
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// WriteError emits {"error":code} with an optional human message.
func WriteError(w http.ResponseWriter, status int, code string, message ...string) {
	body := ErrorBody{Error: code}
	if len(message) > 0 {
		body.Message = message[0]
	}
	WriteJSON(w, status, body)
}
