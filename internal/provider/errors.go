package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNoProvider is returned when no provider is registered for a key.
var ErrNoProvider = errors.New("no provider available")

// APIError is a non-200 response from a backend.
type APIError struct {
	Provider string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d from %s: %s", e.Status, e.Provider, e.Body)
}

// Retryable reports whether the request may succeed on another backend.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}
