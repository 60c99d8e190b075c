package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// AuditEntry captures one access to a protocol gateway for the compliance
// trail: what was touched, by which source connection, and how it resolved.
type AuditEntry struct {
	Gateway      string
	ResourceType string
	Action       string // read, create, update, delete, search, invoke
	Method       string
	Path         string
	IPAddress    string
	StatusCode   int
	RequestID    string
	Timestamp    time.Time
}

// AuditRecorder persists audit entries. Tests and callers that only want the
// structured log line can omit a recorder entirely.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc adapts a plain function to AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error { return f(entry) }

// Audit returns middleware that logs every request under /fhir, /cds-services,
// and /notereader for the compliance trail a gateway handling PHI needs,
// independent of any one protocol's own error handling.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			if !isAuditablePath(path) {
				return next(c)
			}

			err := next(c)

			entry := AuditEntry{
				Gateway:      gatewayFromPath(path),
				ResourceType: extractResourceType(path),
				Action:       httpMethodToAction(c.Request().Method),
				Method:       c.Request().Method,
				Path:         path,
				IPAddress:    c.RealIP(),
				StatusCode:   c.Response().Status,
				Timestamp:    time.Now().UTC(),
			}
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}

			if len(recorders) > 0 && recorders[0] != nil {
				if recErr := recorders[0].RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).Str("request_id", entry.RequestID).Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "phi_access").
				Str("request_id", entry.RequestID).
				Str("gateway", entry.Gateway).
				Str("resource_type", entry.ResourceType).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("phi_access")

			return err
		}
	}
}

func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/fhir") || strings.HasPrefix(path, "/cds-services") || strings.HasPrefix(path, "/notereader")
}

func gatewayFromPath(path string) string {
	switch {
	case strings.HasPrefix(path, "/fhir"):
		return "fhir"
	case strings.HasPrefix(path, "/cds-services"):
		return "cds-hooks"
	case strings.HasPrefix(path, "/notereader"):
		return "notereader"
	default:
		return "unknown"
	}
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return "read"
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

// extractResourceType parses the FHIR resource type segment from a gateway
// path such as /fhir/Patient/123 or /fhir/transform/Patient/123.
func extractResourceType(path string) string {
	segments := strings.Split(strings.Trim(strings.TrimPrefix(path, "/fhir"), "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		return "unknown"
	}
	if (segments[0] == "transform" || segments[0] == "aggregate") && len(segments) > 1 {
		return segments[1]
	}
	if segments[0] == "metadata" || segments[0] == "status" {
		return "unknown"
	}
	return segments[0]
}
