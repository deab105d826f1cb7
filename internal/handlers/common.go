package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"trustgate/internal/apperr"
	"trustgate/internal/middleware"
)

// maxBodyBytes bounds agent and admin request bodies.
const maxBodyBytes = 1 << 20

// JSONResponse sends a JSON response
func JSONResponse(w http.ResponseWriter, data any) {
	JSONStatus(w, http.StatusOK, data)
}

// JSONStatus sends a JSON response with an explicit status code
func JSONStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

// JSONError sends a JSON error response
func JSONError(w http.ResponseWriter, message string, code int) {
	JSONStatus(w, code, map[string]string{"error": message})
}

// WriteError maps err onto its HTTP status. Internal errors are logged and
// answered with a generic message.
func WriteError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	if retry, ok := apperr.RetryAfter(err); ok && status == http.StatusTooManyRequests {
		middleware.WriteRateLimited(w, apperr.PublicMessage(err), retry)
		return
	}
	JSONError(w, apperr.PublicMessage(err), status)
}

// readBody returns the raw request body, capped at maxBodyBytes.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, apperr.Validation("request body too large or unreadable").Wrap(err)
	}
	return body, nil
}

// decodeJSON decodes the request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := readBody(w, r)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return apperr.Validation("request body is required")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return apperr.Validation("invalid JSON").Wrap(errors.WithStack(err))
	}
	return nil
}
