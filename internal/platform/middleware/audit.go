package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const auditPrefix = "/api/"

// AuditEntry records who touched which resource and how it ended.
type AuditEntry struct {
	UserID     string
	Role       string
	Resource   string
	ResourceID string
	Action     string // read, create, update, delete
	IPAddress  string
	UserAgent  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder persists audit entries somewhere other than the log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every /api/ request once the handler has finished. The caller
// identity is read from the echo context, where JWTMiddleware leaves it.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !strings.HasPrefix(path, auditPrefix) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if err != nil {
				status = StatusFor(err)
			}
			resource, resourceID := splitResource(path)
			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				Path:       path,
				Method:     req.Method,
				Action:     httpMethodToAction(req.Method),
				Resource:   resource,
				ResourceID: resourceID,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: status,
				RequestID:  requestIDOf(c),
			}
			entry.UserID, _ = c.Get("user_id").(string)
			entry.Role, _ = c.Get("user_role").(string)

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			evt := logger.Info()
			if status == http.StatusForbidden {
				evt = logger.Warn()
			}
			evt.
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Str("role", entry.Role).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("api_access")

			return err
		}
	}
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// splitResource maps /api/accounts/appointments/<id>/status to
// ("appointments", "<id>").
func splitResource(path string) (string, string) {
	rest := strings.TrimPrefix(path, auditPrefix)
	segments := strings.Split(strings.Trim(rest, "/"), "/")
	if len(segments) > 0 && segments[0] == "accounts" {
		segments = segments[1:]
	}
	if len(segments) == 0 || segments[0] == "" {
		return "unknown", ""
	}
	resource := segments[0]
	for _, s := range segments[1:] {
		if _, err := uuid.Parse(s); err == nil {
			return resource, s
		}
	}
	return resource, ""
}
