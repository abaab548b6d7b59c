package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/zm-bad/dagchat/internal/chat"
	"github.com/zm-bad/dagchat/internal/providers"
	"github.com/zm-bad/dagchat/internal/store"
)

// Business error codes carried inside the envelope. The HTTP status stays
// 200 for these; non-200 statuses are reserved for transport failures.
const (
	codeOK             = 0
	codeInvalidRequest = 400
	codeNotFound       = 404
	codeUnknownModel   = 422
	codeInternal       = 500
	codeAdapter        = 502
)

// envelope is the uniform response shape of every non-streaming endpoint.
type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Debug("write response", "error", err)
	}
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Code: codeOK, Message: "ok", Data: data})
}

func writeErr(w http.ResponseWriter, code int, message string) {
	writeJSON(w, http.StatusOK, envelope{Code: code, Message: message})
}

// writeError maps an error to its envelope code.
func writeError(w http.ResponseWriter, err error) {
	writeErr(w, codeFor(err), err.Error())
}

func codeFor(err error) int {
	var httpErr *providers.HTTPError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, chat.ErrParentNotFound):
		return codeNotFound
	case errors.Is(err, providers.ErrUnknownModel):
		return codeUnknownModel
	case errors.As(err, &httpErr):
		return codeAdapter
	default:
		return codeInternal
	}
}
