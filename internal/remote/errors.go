// Package remote holds the error taxonomy shared by the clients that talk to
// external services (the coding agent and the issue host).
package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	// ErrUnavailable covers network failures, timeouts and 5xx responses.
	ErrUnavailable = errors.New("remote service unavailable")

	// ErrRejected covers 4xx responses.
	ErrRejected = errors.New("remote service rejected request")
)

// Category is the user-facing classification of a remote failure.
type Category string

const (
	CategoryUnavailable     Category = "unavailable"
	CategoryNotFound        Category = "not_found"
	CategoryForbidden       Category = "forbidden"
	CategoryUnauthenticated Category = "unauthenticated"
	CategoryRateLimited     Category = "rate_limited"
	CategoryInvalid         Category = "invalid"
)

// Error is a failed call to a remote service. It matches ErrUnavailable or
// ErrRejected under errors.Is depending on its category.
type Error struct {
	Service    string // "agent" or "github"
	StatusCode int    // 0 when no response was received
	Category   Category
	Message    string // remote's message, preserved when available
	Err        error  // transport error, if any
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Service)
	if e.StatusCode != 0 {
		fmt.Fprintf(&sb, ": HTTP %d", e.StatusCode)
	}
	fmt.Fprintf(&sb, " (%s)", e.Category)
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() []error {
	sentinel := ErrRejected
	if e.Category == CategoryUnavailable {
		sentinel = ErrUnavailable
	}
	if e.Err != nil {
		return []error{sentinel, e.Err}
	}
	return []error{sentinel}
}

// Unavailable wraps a transport-level failure.
func Unavailable(service string, err error) error {
	return &Error{Service: service, Category: CategoryUnavailable, Err: err}
}

// CategoryForStatus maps an HTTP status code to a failure category.
func CategoryForStatus(code int) Category {
	switch {
	case code >= 500:
		return CategoryUnavailable
	case code == http.StatusUnauthorized:
		return CategoryUnauthenticated
	case code == http.StatusForbidden:
		return CategoryForbidden
	case code == http.StatusNotFound:
		return CategoryNotFound
	case code == http.StatusTooManyRequests:
		return CategoryRateLimited
	default:
		return CategoryInvalid
	}
}

// FromResponse builds an *Error from a non-2xx response. The body is read
// but not closed.
func FromResponse(service string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &Error{
		Service:    service,
		StatusCode: resp.StatusCode,
		Category:   CategoryForStatus(resp.StatusCode),
		Message:    extractMessage(body),
	}
}

// extractMessage pulls a human-readable message out of an error body,
// falling back to the trimmed text.
func extractMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, m := range []string{payload.Message, payload.Detail, payload.Error} {
			if m != "" {
				return m
			}
		}
	}
	return strings.TrimSpace(string(body))
}

// CategoryOf returns the category of a remote failure in err's chain, or ""
// when err did not come from a remote service.
func CategoryOf(err error) Category {
	var re *Error
	if errors.As(err, &re) {
		return re.Category
	}
	return ""
}
