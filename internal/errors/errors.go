package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/wudi/webserver/internal/wire"
)

// ServerError is an error that maps onto a framed client response.
type ServerError struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	underlying error
}

func (e *ServerError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *ServerError) Unwrap() error {
	return e.underlying
}

// Is matches any ServerError carrying the same status code, so wrapped and
// detailed variants compare equal to the sentinels below.
func (e *ServerError) Is(target error) bool {
	t, ok := target.(*ServerError)
	return ok && t.Code == e.Code
}

// Common errors
var (
	ErrBadRequest = &ServerError{
		Code:    http.StatusBadRequest,
		Message: "Bad Request",
	}

	ErrForbidden = &ServerError{
		Code:    http.StatusForbidden,
		Message: "Forbidden",
	}

	ErrNotFound = &ServerError{
		Code:    http.StatusNotFound,
		Message: "Not Found",
	}

	ErrMethodNotAllowed = &ServerError{
		Code:    http.StatusMethodNotAllowed,
		Message: "Method Not Allowed",
	}

	ErrTooManyRequests = &ServerError{
		Code:    http.StatusTooManyRequests,
		Message: "Too Many Requests",
	}

	ErrInternalServer = &ServerError{
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
	}

	ErrBadGateway = &ServerError{
		Code:    http.StatusBadGateway,
		Message: "Bad Gateway",
	}

	ErrServiceUnavailable = &ServerError{
		Code:    http.StatusServiceUnavailable,
		Message: "Service Unavailable",
	}

	ErrGatewayTimeout = &ServerError{
		Code:    http.StatusGatewayTimeout,
		Message: "Gateway Timeout",
	}
)

// New creates a new ServerError
func New(code int, message string) *ServerError {
	return &ServerError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with a status and message.
func Wrap(err error, code int, message string) *ServerError {
	return &ServerError{
		Code:       code,
		Message:    message,
		underlying: err,
	}
}

// WithDetails returns a copy carrying details.
func (e *ServerError) WithDetails(details string) *ServerError {
	c := *e
	c.Details = details
	return &c
}

// WithRequestID returns a copy carrying a request ID.
func (e *ServerError) WithRequestID(requestID string) *ServerError {
	c := *e
	c.RequestID = requestID
	return &c
}

// As extracts a ServerError from err's chain.
func As(err error) (*ServerError, bool) {
	var se *ServerError
	if stderrors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// WriteJSON frames e as a JSON document.
func (e *ServerError) WriteJSON(res *wire.Response) {
	res.SetStatus(e.Code)
	b, _ := json.Marshal(e)
	res.SetBody("application/json", append(b, '\n'))
}

// WriteText frames e as plain text.
func (e *ServerError) WriteText(res *wire.Response) {
	res.SetStatus(e.Code)
	body := fmt.Sprintf("%d %s", e.Code, e.Message)
	if e.Details != "" {
		body += ": " + e.Details
	}
	res.SetString("text/plain; charset=utf-8", body)
}

// WriteHTML frames e as a minimal HTML page.
func (e *ServerError) WriteHTML(res *wire.Response) {
	res.SetStatus(e.Code)
	var b strings.Builder
	title := fmt.Sprintf("%d %s", e.Code, html.EscapeString(e.Message))
	b.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>")
	b.WriteString(title)
	b.WriteString("</title></head><body><h1>")
	b.WriteString(title)
	b.WriteString("</h1>")
	if e.Details != "" {
		b.WriteString("<p>")
		b.WriteString(html.EscapeString(e.Details))
		b.WriteString("</p>")
	}
	b.WriteString("</body></html>\n")
	res.SetString("text/html; charset=utf-8", b.String())
}

// Write frames e in the representation the client asked for: JSON when the
// Accept header names application/json, HTML otherwise.
func (e *ServerError) Write(req *wire.Request, res *wire.Response) {
	if req != nil && strings.Contains(req.Header("Accept"), "application/json") {
		e.WriteJSON(res)
		return
	}
	e.WriteHTML(res)
}
