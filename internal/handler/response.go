package handler

// RESPONSE HELPERS:
// Every relaynet endpoint answers JSON through these helpers, so the three services
// share one response shape and one error mapping.
//
//   writeJSON(w, http.StatusOK, data)
//   writeError(w, err)       ← Hub and Gateway (REST style)
//   writeXRPCError(w, err)   ← PDS (XRPC style)
//
// CONSISTENT ERROR FORMAT:
//   {"error": "validation_error", "message": "...", "reason": "HashMismatch", "field": "text"}
//
// The XRPC variant differs only in the error name ("InvalidRequest" instead of
// "validation_error"). reason and field are omitted when empty. client.decodeError reads
// this body back into the apperror taxonomy on the calling side.

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/sakif/relaynet/internal/apperror"
)

// ErrorResponse is the error body returned by all API endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
	Field   string `json:"field,omitempty"`
}

// writeJSON sends a JSON response with the given status code.
//
// HEADER ORDER MATTERS:
// Headers and status must be set before the body is written; once Encode writes,
// later header changes are silently ignored.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// errorClass is one row of the error mapping table.
type errorClass struct {
	status int
	rest   string
	xrpc   string
}

// classes maps apperror sentinels to HTTP. Order matters: the first match wins.
var classes = []struct {
	sentinel error
	class    errorClass
}{
	{apperror.ErrValidation, errorClass{http.StatusBadRequest, "validation_error", "InvalidRequest"}},
	{apperror.ErrUnauthorized, errorClass{http.StatusUnauthorized, "unauthorized", "AuthenticationRequired"}},
	{apperror.ErrForbidden, errorClass{http.StatusForbidden, "forbidden", "Forbidden"}},
	{apperror.ErrNotFound, errorClass{http.StatusNotFound, "not_found", "NotFound"}},
	{apperror.ErrConflict, errorClass{http.StatusConflict, "conflict", "AlreadyExists"}},
	{apperror.ErrUpstream, errorClass{http.StatusBadGateway, "upstream_unavailable", "UpstreamFailure"}},
}

var internalClass = errorClass{http.StatusInternalServerError, "internal_error", "InternalServerError"}

// errorBody maps a domain error to a status code and body.
//
// errors.Is() UNWRAPPING:
// AppError.Unwrap returns both the sentinel and the cause, so a service error wrapped
// with fmt.Errorf("...: %w", err) still matches its sentinel here.
//
// Unknown errors become a generic 500. Raw error text never reaches the client; it
// may contain SQL or file paths.
func errorBody(err error, xrpc bool) (int, ErrorResponse) {
	class := internalClass
	for _, c := range classes {
		if errors.Is(err, c.sentinel) {
			class = c.class
			break
		}
	}

	resp := ErrorResponse{Error: class.rest, Message: "An internal error occurred"}
	if xrpc {
		resp.Error = class.xrpc
	}

	var appErr *apperror.AppError
	if class != internalClass && errors.As(err, &appErr) {
		resp.Message = appErr.Message
		resp.Reason = appErr.Reason
		resp.Field = appErr.Field
	}
	return class.status, resp
}

// writeError sends a REST-style error.
func writeError(w http.ResponseWriter, err error) {
	status, body := errorBody(err, false)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", slog.Any("error", err))
	}
	writeJSON(w, status, body)
}

// writeXRPCError sends an XRPC-style error.
func writeXRPCError(w http.ResponseWriter, err error) {
	status, body := errorBody(err, true)
	if status == http.StatusInternalServerError {
		slog.Error("xrpc request failed", slog.Any("error", err))
	}
	writeJSON(w, status, body)
}

// decodeJSON reads a JSON body into v. The size cap itself is set by the server's
// body-limit middleware; exceeding it or sending malformed JSON is a validation error.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperror.ValidationFailed("body", fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		}
		return apperror.ValidationFailed("body", "invalid JSON body")
	}
	return nil
}

// intParam parses an optional integer query parameter. Missing means def.
func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperror.ValidationFailed(name, fmt.Sprintf("%s must be a non-negative integer", name))
	}
	return n, nil
}

// int64Param is intParam for millisecond cursors.
func int64Param(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, apperror.ValidationFailed(name, fmt.Sprintf("%s must be a non-negative integer", name))
	}
	return n, nil
}

// HandleHealth answers liveness probes on every service.
//
// HTTP: GET /health
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
