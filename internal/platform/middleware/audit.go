package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/auth"
)

const apiPrefix = "/api/v1/"

// AuditEntry captures who touched which lab record, when, from where and how
// the request ended.
type AuditEntry struct {
	UserID       string
	UserRoles    []string
	Action       string // read, create, update, delete
	ResourceType string
	ResourceID   string
	PatientID    string
	Method       string
	Path         string
	StatusCode   int
	IPAddress    string
	UserAgent    string
	RequestID    string
	Timestamp    time.Time
}

// AuditRecorder persists audit entries. The context still carries the
// tenant connection when RecordAccess is called.
type AuditRecorder interface {
	RecordAccess(ctx context.Context, entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(ctx context.Context, entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(ctx context.Context, entry AuditEntry) error {
	return f(ctx, entry)
}

// Audit returns Echo middleware that records every /api/v1 request after the
// handler has run. A nil recorder means log only.
func Audit(logger zerolog.Logger, recorder AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path

			if !isAuditablePath(path) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				status = he.Code
			}

			ctx := req.Context()
			resourceType, resourceID := extractResource(path)
			entry := AuditEntry{
				UserID:       auth.UserIDFromContext(ctx),
				UserRoles:    auth.RolesFromContext(ctx),
				Action:       httpMethodToAction(req.Method),
				ResourceType: resourceType,
				ResourceID:   resourceID,
				PatientID:    extractPatientID(c),
				Method:       req.Method,
				Path:         path,
				StatusCode:   status,
				IPAddress:    c.RealIP(),
				UserAgent:    req.UserAgent(),
				Timestamp:    time.Now().UTC(),
			}
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}

			if recorder != nil {
				if recErr := recorder.RecordAccess(ctx, entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("action", entry.Action).
				Str("resource_type", entry.ResourceType).
				Str("resource_id", entry.ResourceID).
				Str("patient_id", entry.PatientID).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("access")

			return err
		}
	}
}

func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, apiPrefix)
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

// extractResource returns the collection name and, when the next segment is
// a UUID, the record ID.
//
//	/api/v1/assignments                -> assignments, ""
//	/api/v1/assignments/<uuid>/start   -> assignments, <uuid>
//	/api/v1/public/reports/lookup      -> public, ""
func extractResource(path string) (string, string) {
	segments := strings.Split(strings.TrimPrefix(path, apiPrefix), "/")
	if len(segments) == 0 || segments[0] == "" {
		return "unknown", ""
	}
	if len(segments) > 1 && isUUIDLike(segments[1]) {
		return segments[0], segments[1]
	}
	return segments[0], ""
}

// extractPatientID finds a patient identifier in /api/v1/patients/<id> paths
// or in the patient_id query parameter.
func extractPatientID(c echo.Context) string {
	path := c.Request().URL.Path
	if rt, id := extractResource(path); rt == "patients" && id != "" {
		return id
	}
	if pid := c.QueryParam("patient_id"); isUUIDLike(pid) {
		return pid
	}
	return ""
}

func isUUIDLike(s string) bool {
	if s == "" {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
