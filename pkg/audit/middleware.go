package audit

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/kubeflow/data-catalog/pkg/authz"
)

// Appender receives recorded events.
type Appender interface {
	Append(ctx context.Context, e *Event) error
}

// statusRecorder remembers the first status written.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Middleware records an event for every mutating API request once the
// handler has answered. It must run after authz.IdentityMiddleware so the
// actor is known. Write failures are logged and never change the response.
func Middleware(store Appender, cfg *Config, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		if store == nil || cfg == nil || !cfg.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			action, nodePath, ok := classify(r.Method, r.URL.Path)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			if rec.status == 0 {
				rec.status = http.StatusOK
			}

			outcome := outcomeFromStatus(rec.status)
			if outcome == OutcomeDenied && !cfg.LogDenied {
				return
			}

			id, found := authz.IdentityFromContext(r.Context())
			if !found {
				id = authz.Anonymous()
			}
			e := &Event{
				ID:         uuid.NewString(),
				RequestID:  middleware.GetReqID(r.Context()),
				Actor:      id.User,
				Groups:     Groups(id.Groups),
				Action:     action,
				NodePath:   nodePath,
				Method:     r.Method,
				StatusCode: rec.status,
				Outcome:    outcome,
				DurationMS: time.Since(start).Milliseconds(),
				CreatedAt:  start,
			}
			// The request context may already be cancelled by the client.
			ctx := context.WithoutCancel(r.Context())
			if err := store.Append(ctx, e); err != nil {
				logger.Error("failed to record audit event",
					"action", action, "path", nodePath, "request_id", e.RequestID, "error", err)
			}
		})
	}
}
