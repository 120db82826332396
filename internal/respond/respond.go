// Package respond writes JSON responses and maps registry errors onto HTTP
// status codes.
package respond

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/Sanekng/FireGuard/internal/registry"
)

// MaxBody bounds request bodies accepted by the JSON endpoints.
const MaxBody = 64 * 1024

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, logger zerolog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error().Err(err).Msg("encode response")
	}
}

// Error writes an {"error": ...} body with the status derived from err.
func Error(w http.ResponseWriter, logger zerolog.Logger, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Int("status", status).Msg("request failed")
		msg = http.StatusText(status)
	} else {
		logger.Warn().Err(err).Int("status", status).Msg("request rejected")
	}
	JSON(w, logger, status, map[string]string{"error": msg})
}

// Message writes an {"error": msg} body with an explicit status.
func Message(w http.ResponseWriter, logger zerolog.Logger, status int, msg string) {
	JSON(w, logger, status, map[string]string{"error": msg})
}

// StatusFor maps an error onto an HTTP status. Unknown ids are reported as
// 400 like any other rejected mutation.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, registry.ErrValidation), errors.Is(err, registry.ErrNotFound), errors.Is(err, ErrBadJSON):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrBadJSON marks a request body that could not be decoded.
var ErrBadJSON = errors.New("invalid JSON body")

// Decode reads a JSON request body into v.
func Decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadJSON, err)
	}
	return nil
}
