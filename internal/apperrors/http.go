package apperrors

import (
	"context"
	"errors"
	"net/http"
)

// Error codes carried in API error bodies.
const (
	CodeValidation  = "validation"
	CodeNotFound    = "not_found"
	CodeConflict    = "conflict"
	CodeUnavailable = "unavailable"
	CodeTimeout     = "timeout"
	CodeInternal    = "internal"
)

// HTTPStatus maps an error to the appropriate HTTP status code.
func HTTPStatus(err error) int {
	switch Code(err) {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Code classifies err into one of the Code constants. Sentinels win over
// a deadline found further down the chain.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrUnavailable):
		return CodeUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	default:
		return CodeInternal
	}
}

// Body is the JSON error body returned by the API.
type Body struct {
	Error    string `json:"error"`
	Code     string `json:"code"`
	Field    string `json:"field,omitempty"`
	Resource string `json:"resource,omitempty"`
	ID       string `json:"id,omitempty"`
}

// BodyOf builds the error body for err. Internal errors keep their details
// out of the response.
func BodyOf(err error) Body {
	b := Body{Code: Code(err)}
	if b.Code == CodeInternal {
		b.Error = "internal error"
		return b
	}
	b.Error = err.Error()
	var e *Error
	if errors.As(err, &e) {
		b.Field, b.Resource, b.ID = e.Field, e.Resource, e.ID
	}
	return b
}
