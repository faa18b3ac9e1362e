package merchantapi

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is returned when the merchant or its agreement does not exist.
	ErrNotFound = errors.New("merchantapi: not found")
	// ErrValidation signals the server rejected a write. Local state must stay untouched.
	ErrValidation = errors.New("merchantapi: rejected by server")
	// ErrDuplicateIdempotencyKey signals a provider event that was already ingested.
	ErrDuplicateIdempotencyKey = errors.New("merchantapi: duplicate idempotency key")
)

// APIError is a non-2xx response from the merchant REST API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("merchantapi: http %d", e.StatusCode)
	}
	return fmt.Sprintf("merchantapi: http %d: %s", e.StatusCode, e.Message)
}

// Is maps 404 onto ErrNotFound and the remaining 4xx onto ErrValidation.
// 5xx responses match neither and are retried like transport failures.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrValidation:
		return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusNotFound
	}
	return false
}
