package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// AuditEntry records one call against a stub API.
type AuditEntry struct {
	RequestID  string
	Action     string
	Username   string
	RemoteIP   string
	StatusCode int
	Timestamp  time.Time
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every call routed to a handler that tagged itself with
// c.Set("audit_action", ...). Untagged requests pass through unrecorded.
// The Basic-auth username is recorded when present; passwords never are.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			action, _ := c.Get("audit_action").(string)
			if action == "" {
				return err
			}
			user, _, _ := c.Request().BasicAuth()
			rid, _ := c.Get("request_id").(string)
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}

			entry := AuditEntry{
				RequestID:  rid,
				Action:     action,
				Username:   user,
				RemoteIP:   c.RealIP(),
				StatusCode: status,
				Timestamp:  time.Now().UTC(),
			}
			if len(recorders) == 0 {
				logger.Info().
					Str("request_id", entry.RequestID).
					Str("action", entry.Action).
					Str("username", entry.Username).
					Str("remote_ip", entry.RemoteIP).
					Int("status", entry.StatusCode).
					Msg("audit")
			}
			for _, r := range recorders {
				if rerr := r.RecordAccess(entry); rerr != nil {
					logger.Error().Err(rerr).Str("request_id", rid).Msg("audit record failed")
				}
			}
			return err
		}
	}
}
