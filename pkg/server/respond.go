package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/kubeflow/data-catalog/pkg/catalog"
)

// errUnsupportedMediaType rejects PATCH bodies of an unknown content type.
var errUnsupportedMediaType = errors.New("unsupported media type")

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}

// statusFor maps catalog errors onto HTTP statuses and error codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, catalog.ErrKeyConflict):
		return http.StatusConflict, "key_conflict"
	case errors.Is(err, catalog.ErrAssetAssociationConflict):
		return http.StatusConflict, "asset_association_conflict"
	case errors.Is(err, catalog.ErrMigrationConflict):
		return http.StatusConflict, "migration_conflict"
	case errors.Is(err, catalog.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, catalog.ErrInvalidPatch):
		return http.StatusBadRequest, "invalid_patch"
	case errors.Is(err, catalog.ErrInvalidQuery):
		return http.StatusBadRequest, "invalid_query"
	case errors.Is(err, catalog.ErrInvalidKey):
		return http.StatusBadRequest, "invalid_key"
	case errors.Is(err, catalog.ErrOutOfRange):
		return http.StatusBadRequest, "out_of_range"
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, errUnsupportedMediaType):
		return http.StatusUnsupportedMediaType, "unsupported_media_type"
	case errors.Is(err, catalog.ErrUnsupported):
		return http.StatusNotImplemented, "unsupported"
	case errors.Is(err, catalog.ErrNotWritable):
		return http.StatusConflict, "not_writable"
	case errors.Is(err, catalog.ErrAccessDenied):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, catalog.ErrPolicyUnavailable):
		return http.StatusServiceUnavailable, "policy_unavailable"
	}
	return http.StatusInternalServerError, "internal_error"
}

// fail writes err as a JSON error. Internal errors are logged and their
// details withheld from the client.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err)
		msg = "internal error"
	} else {
		s.logger.Debug("request rejected", "path", r.URL.Path, "status", status, slog.String("error", msg))
	}
	writeError(w, status, code, msg)
}
