package connector

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// APIError describes a failure reported by Bedrock, either as a non-2xx
// response or as an exception frame inside a response stream.
type APIError struct {
	StatusCode int
	// Type is the AWS error code, e.g. ValidationException.
	Type      string
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	if e == nil {
		return "<nil>"
	}

	var b strings.Builder
	b.WriteString("bedrock: ")
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, "http %d", e.StatusCode)
	} else {
		b.WriteString("stream error")
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" && e.StatusCode != 0 {
		msg = http.StatusText(e.StatusCode)
	}
	if msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	if e.Type != "" {
		b.WriteString(" (")
		b.WriteString(e.Type)
		b.WriteString(")")
	}
	if e.RequestID != "" {
		b.WriteString(" request_id=")
		b.WriteString(e.RequestID)
	}
	return b.String()
}

// IsValidation reports a rejected request body.
func (e *APIError) IsValidation() bool {
	return e.mentions("ValidationException")
}

// IsAuth reports rejected or unknown credentials.
func (e *APIError) IsAuth() bool {
	return e.mentions("AccessDenied") || e.mentions("UnrecognizedClient")
}

func (e *APIError) mentions(code string) bool {
	return strings.Contains(e.Type, code) || strings.Contains(e.Message, code)
}

type errorBody struct {
	Message string `json:"message"`
}

// newHTTPError builds an APIError from a failed response. The body is
// consumed but not closed.
func newHTTPError(resp *http.Response) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Type:       errorType(resp.Header.Get("X-Amzn-ErrorType")),
		RequestID:  resp.Header.Get("X-Amzn-RequestId"),
	}

	var body errorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Message != "" {
		apiErr.Message = body.Message
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	return apiErr
}

// newStreamError builds an APIError from an exception frame.
func newStreamError(excType string, payload []byte) *APIError {
	apiErr := &APIError{Type: excType, Message: string(payload)}
	var body errorBody
	if err := json.Unmarshal(payload, &body); err == nil && body.Message != "" {
		apiErr.Message = body.Message
	}
	return apiErr
}

// errorType trims the documentation URL AWS appends to x-amzn-ErrorType.
func errorType(header string) string {
	if i := strings.IndexByte(header, ':'); i >= 0 {
		header = header[:i]
	}
	return strings.TrimSpace(header)
}
