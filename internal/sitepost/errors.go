package sitepost

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies failures surfaced by the publish pipeline.
type Kind int

const (
	KindInternal Kind = iota
	KindBadRequest
	KindUnauthorized
	KindRepositoryRead
	KindRepositoryWrite
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindUnauthorized:
		return "unauthorized"
	case KindRepositoryRead:
		return "repository_read"
	case KindRepositoryWrite:
		return "repository_write"
	case KindConfiguration:
		return "configuration"
	default:
		return "internal"
	}
}

// Status is the HTTP status reported to the caller for this kind.
func (k Kind) Status() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Error is the tagged error returned by every stage of a publish.
// Upstream holds the remote status code for repository failures.
type Error struct {
	Kind     Kind
	Message  string
	Upstream int
	Err      error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP status for the error.
func (e *Error) Status() int { return e.Kind.Status() }

// BadRequest reports a caller input problem.
func BadRequest(message string) *Error {
	return &Error{Kind: KindBadRequest, Message: message}
}

// Unauthorized reports a failed authorization check.
func Unauthorized(reason string) *Error {
	return &Error{Kind: KindUnauthorized, Message: reason}
}

// ConfigurationError reports a required deployment setting that is absent.
func ConfigurationError(key string) *Error {
	return &Error{Kind: KindConfiguration, Message: "Missing environment value: " + key}
}

// StatusOf maps any error to the HTTP status the caller should see.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status()
	}
	return http.StatusInternalServerError
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// MissingEnvError is returned when required configuration is missing.
type MissingEnvError struct {
	Provider  string
	Variables []string
}

func (e MissingEnvError) Error() string {
	if len(e.Variables) == 0 {
		return fmt.Sprintf("%s credentials not configured", e.Provider)
	}
	return "Missing " + strings.Join(e.Variables, " or ")
}

// ValidationError captures provider-specific validation issues.
type ValidationError struct {
	Provider string
	Reason   string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s validation failed: %s", e.Provider, e.Reason)
}

const maxCrosspostBody = 220

// CrosspostError is returned by a social network client when the upstream API
// rejects a call or omits a field the client needs. It never fails a publish.
type CrosspostError struct {
	Network string
	Op      string
	Status  int
	Body    string
}

func (e *CrosspostError) Error() string {
	body := e.Body
	if len(body) > maxCrosspostBody {
		body = body[:maxCrosspostBody]
	}
	return fmt.Sprintf("%s %s failed (%d): %s", e.Network, e.Op, e.Status, body)
}
