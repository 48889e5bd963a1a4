package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

const (
	errorTypeAuthentication = "authentication_error"
	errorTypeNotFound       = "not_found_error"
	errorTypeUpstream       = "upstream_error"
	errorTypeAPI            = "api_error"
)

// errorResponse is the JSON error body returned by the proxy itself.
type errorResponse struct {
	Err errorBody `json:"error"`
}

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// writeJSON writes a JSON response with the given status code.
// Logs encoding failures internally using the provided context.
func writeJSON(ctx context.Context, w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	// Headers and status are written before encoding to avoid buffering.
	// If encoding fails, the client may receive a partial response.
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.ErrorContext(ctx, "failed to encode JSON response", "error", err)
	}
}

// writeJSONError writes an error body whose HTTP status follows from errType.
func writeJSONError(ctx context.Context, w http.ResponseWriter, errType, message string) {
	var status int
	switch errType {
	case errorTypeAuthentication:
		status = http.StatusUnauthorized
	case errorTypeNotFound:
		status = http.StatusNotFound
	case errorTypeUpstream:
		status = http.StatusBadGateway
	default:
		status = http.StatusInternalServerError
	}

	writeJSON(ctx, w, &errorResponse{Err: errorBody{Message: message, Type: errType}}, status)
}
