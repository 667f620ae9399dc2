package taskflow

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound           = errors.New("task not found")
	ErrUnreachable        = errors.New("backend unreachable")
	ErrSyncInProgress     = errors.New("sync already in progress")
	ErrOfflineUnsupported = errors.New("operation is not available offline")
	ErrKeyNotFound        = errors.New("key not found")
	ErrUnauthenticated    = errors.New("not authenticated")
)

// APIError is a non-2xx answer from the backend. Error returns the server's
// own message so it can be shown to the user verbatim.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("request failed with status %d", e.StatusCode)
}

// Is lets errors.Is(err, ErrNotFound) match a 404 from the server.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// ValidationError is a local rejection of user input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return "invalid " + e.Field
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsUnreachable reports whether err is a connectivity failure rather than
// an answer from the server.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}
