// Package respond writes JSON bodies and maps engine errors to HTTP statuses.
package respond

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/MrJamesThe3rd/cobranca/internal/fault"
)

// ErrorBody is the payload of every non-2xx response.
type ErrorBody struct {
	Error  string            `json:"error"`
	Kind   fault.Kind        `json:"kind"`
	Fields map[string]string `json:"fields,omitempty"`
}

var statuses = map[fault.Kind]int{
	fault.KindValidation:   http.StatusUnprocessableEntity,
	fault.KindConflict:     http.StatusConflict,
	fault.KindCollaborator: http.StatusBadGateway,
	fault.KindAnomaly:      http.StatusUnprocessableEntity,
	fault.KindFatal:        http.StatusUnprocessableEntity,
	fault.KindNotFound:     http.StatusNotFound,
	fault.KindInternal:     http.StatusInternalServerError,
}

// Status returns the HTTP status for err's kind.
func Status(err error) int {
	if status, ok := statuses[fault.KindOf(err)]; ok {
		return status
	}

	return http.StatusInternalServerError
}

func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// Error writes err with the status of its kind. Internal errors are logged and
// their text is not exposed.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	kind := fault.KindOf(err)
	body := ErrorBody{Error: err.Error(), Kind: kind, Fields: fault.FieldsOf(err)}

	if kind == fault.KindInternal {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)

		body.Error = "internal error"
	}

	JSON(w, Status(err), body)
}

// BadRequest reports a request that could not be decoded at all.
func BadRequest(w http.ResponseWriter, msg string) {
	JSON(w, http.StatusBadRequest, ErrorBody{Error: msg, Kind: fault.KindValidation})
}

// Decode reads a JSON body into v, rejecting unknown fields.
func Decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}

	return nil
}
