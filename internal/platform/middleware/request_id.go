package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// RequestIDHeader is the response header carrying the request's correlation ID.
const RequestIDHeader = "X-Request-ID"

// RequestID returns middleware that assigns a correlation ID to every
// request, reusing one supplied by the caller in X-Request-ID if present.
// The ID is stashed in the Echo context under "request_id" for downstream
// middleware and handlers (gwerrors.Respond reads it back off the response
// header) and echoed onto the response.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(RequestIDHeader)
			if rid == "" {
				rid = uuid.NewString()
			}
			c.Set("request_id", rid)
			c.Response().Header().Set(RequestIDHeader, rid)
			return next(c)
		}
	}
}
