package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// MiddlewareConfig configures Middleware.
type MiddlewareConfig struct {
	// RequiredPermissions lists the permissions per HTTP method; "*" applies
	// to every method without its own entry.
	RequiredPermissions map[string][]string
	// AuditEvent names the audit log entry; defaults to the request path.
	AuditEvent string
}

// Middleware authenticates and authorizes requests and writes an audit entry
// for each one that passes.
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s == nil || s.mode == ModeDisabled {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := s.Authenticate(r.Header.Get("Authorization"))
			if err == nil {
				perms := cfg.RequiredPermissions[r.Method]
				if len(perms) == 0 {
					perms = cfg.RequiredPermissions["*"]
				}
				err = subject.Authorize(perms...)
			}
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, ErrPermissionDenied) {
					status = http.StatusForbidden
				}
				s.audit.Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"status", status,
					"error", err.Error(),
				)
				writeDenied(w, status, err)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			s.audit.Info("api_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"subject", subject.Name,
			)
		})
	}
}

func writeDenied(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": "UNAUTHORIZED", "message": err.Error()},
	})
}

type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
