// Package gwerrors defines the error taxonomy shared by every gateway and
// the HTTP mapping each kind carries, so that Respond can translate any
// internal failure into a uniform response body.
package gwerrors

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Kind is one of the gateway-wide error kinds.
type Kind string

const (
	InvalidArgument     Kind = "InvalidArgumentError"
	AuthenticationFailed Kind = "AuthenticationFailed"
	NotFound            Kind = "NotFoundError"
	NotRegistered       Kind = "NotRegisteredError"
	Conflict            Kind = "ConflictError"
	RequestTimeout      Kind = "RequestTimeout"
	Upstream            Kind = "UpstreamError"
	InvalidResponse     Kind = "InvalidResponseError"
	Internal            Kind = "InternalError"
	Cancelled           Kind = "CancelledError"
	DuplicateName       Kind = "DuplicateNameError"
	PayloadTooLarge     Kind = "PayloadTooLargeError"
)

// httpStatus maps each Kind to its HTTP status per the error taxonomy table.
var httpStatus = map[Kind]int{
	InvalidArgument:      http.StatusBadRequest,
	AuthenticationFailed: http.StatusBadGateway,
	NotFound:             http.StatusNotFound,
	NotRegistered:        http.StatusNotFound,
	Conflict:             http.StatusConflict,
	RequestTimeout:       http.StatusGatewayTimeout,
	Upstream:             http.StatusBadGateway,
	InvalidResponse:      http.StatusBadGateway,
	Internal:             http.StatusInternalServerError,
	Cancelled:            http.StatusServiceUnavailable,
	DuplicateName:        http.StatusConflict,
	PayloadTooLarge:      http.StatusRequestEntityTooLarge,
}

// Error is a gateway-wide typed error carrying a Kind and a request id for
// correlation in the uniform failure body.
type Error struct {
	Kind      Kind
	Message   string
	RequestID string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the status code this error's Kind maps to.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind, wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// Body is the user-visible failure response shape: {"error", "detail", "requestId"}.
type Body struct {
	Error     string `json:"error"`
	Detail    string `json:"detail"`
	RequestID string `json:"requestId"`
}

// ToBody renders e as the uniform failure response body.
func (e *Error) ToBody() Body {
	return Body{Error: string(e.Kind), Detail: e.Message, RequestID: e.RequestID}
}

// Respond writes err as the uniform {"error","detail","requestId"} body onto
// c, mapping it to its HTTPStatus if it is a *Error and to a generic 500
// otherwise. Every gateway handler funnels its error return through this so
// one response shape holds across all three protocols.
func Respond(c echo.Context, err error) error {
	requestID := c.Response().Header().Get(echo.HeaderXRequestID)
	if gerr, ok := err.(*Error); ok {
		gerr.RequestID = requestID
		return c.JSON(gerr.HTTPStatus(), gerr.ToBody())
	}
	body := Body{Error: string(Internal), Detail: err.Error(), RequestID: requestID}
	return c.JSON(http.StatusInternalServerError, body)
}
