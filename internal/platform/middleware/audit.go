package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/auth"
)

// AuditEntry records who touched which laboratory entity, when and how.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	TenantID   string
	Resource   string // sections, workflows, pipeline, ...
	EntityID   string
	Action     string // read, create, update, enter, scan, complete, reject, ...
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

// Audit logs every /api/v1 request after the handler has run. Pipeline
// operations are tagged with the operation name (enter, scan, complete,
// reject) instead of the bare HTTP verb.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !isAuditablePath(path) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if status < 400 {
					status = http.StatusInternalServerError
				}
			}

			segments := apiSegments(path)
			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				Path:       path,
				Method:     req.Method,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: status,
				UserID:     auth.UserIDFromContext(req.Context()),
				UserRoles:  auth.RolesFromContext(req.Context()),
				Resource:   extractResource(segments),
				EntityID:   extractEntityID(segments),
				Action:     extractAction(req.Method, segments),
			}
			entry.RequestID, _ = c.Get("request_id").(string)
			entry.TenantID, _ = c.Get("tenant_id").(string)

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

			logger.Info().
				Str("type", "lab_audit").
				Str("request_id", entry.RequestID).
				Str("tenant_id", entry.TenantID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource", entry.Resource).
				Str("entity_id", entry.EntityID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("lab_access")

			return err
		}
	}
}

func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/api/v1/")
}

func apiSegments(path string) []string {
	trimmed := strings.Trim(strings.TrimPrefix(path, "/api/v1/"), "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// extractResource returns the first path segment, or for /pipeline/<kind>/...
// the pipeline sub-resource ("pipeline.items").
func extractResource(segments []string) string {
	if len(segments) == 0 {
		return "unknown"
	}
	if segments[0] == "pipeline" && len(segments) > 1 && segments[1] != "scan" {
		return "pipeline." + segments[1]
	}
	return segments[0]
}

// extractEntityID returns the first UUID-shaped segment, or the barcode on
// /samples/<barcode>.
func extractEntityID(segments []string) string {
	for _, s := range segments {
		if isUUIDLike(s) {
			return s
		}
	}
	if len(segments) >= 2 && segments[0] == "samples" {
		return segments[1]
	}
	return ""
}

var operationActions = map[string]string{
	"enter":    "enter",
	"scan":     "scan",
	"complete": "complete",
	"reject":   "reject",
	"accept":   "accept",
	"resample": "resample",
}

func extractAction(method string, segments []string) string {
	if method == http.MethodPost && len(segments) > 0 {
		if action, ok := operationActions[segments[len(segments)-1]]; ok {
			return action
		}
	}
	return httpMethodToAction(method)
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

func isUUIDLike(s string) bool {
	if s == "" {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
