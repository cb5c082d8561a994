// Package response provides JSON and NDJSON response helpers for API handlers.
package response

import (
	"encoding/json"
	"net/http"

	apierrors "github.com/ndwlabs/ndw-gateway/internal/pkg/errors"
)

// JSON writes a JSON response with the given status code. Unlike a
// generic data envelope, generation responses are written as-is: the
// document IS the body.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"error":"Failed to encode response","code":"internal_error"}`, http.StatusInternalServerError)
	}
}

// OK writes a 200 OK response.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

// Error writes an error response in the flat envelope shape:
// {"error": "...", "code": "...", ...details}.
func Error(w http.ResponseWriter, err error) {
	apiErr := apierrors.AsAPIError(err)

	body := map[string]any{
		"error": apiErr.Message,
		"code":  apiErr.Code,
	}
	for k, v := range apiErr.Details {
		body[k] = v
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.StatusCode)
	json.NewEncoder(w).Encode(body)
}

// BadRequest writes a 400 Bad Request error response.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, apierrors.ErrBadRequest.WithMessage(message))
}

// Unauthorized writes a 401 Unauthorized error response.
func Unauthorized(w http.ResponseWriter) {
	Error(w, apierrors.ErrUnauthorized)
}

// NotFound writes a 404 Not Found error response.
func NotFound(w http.ResponseWriter, resource string) {
	Error(w, apierrors.NewNotFoundError(resource))
}

// InternalError writes a 500 Internal Server Error response.
func InternalError(w http.ResponseWriter) {
	Error(w, apierrors.ErrInternal)
}

// NDJSONWriter streams newline-delimited JSON events, flushing after
// each line so the client sees events as they happen.
type NDJSONWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	enc     *json.Encoder
}

// NewNDJSON prepares w for an NDJSON stream and returns a writer for it.
func NewNDJSON(w http.ResponseWriter) *NDJSONWriter {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	return &NDJSONWriter{w: w, flusher: flusher, enc: json.NewEncoder(w)}
}

// Event writes one {"event": name, ...} line.
func (n *NDJSONWriter) Event(name string, fields map[string]any) error {
	line := map[string]any{"event": name}
	for k, v := range fields {
		line[k] = v
	}
	if err := n.enc.Encode(line); err != nil {
		return err
	}
	if n.flusher != nil {
		n.flusher.Flush()
	}
	return nil
}
