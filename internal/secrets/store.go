// Package secrets is the client side of the external versioned key-value
// secret service that holds agent bearer tokens and app configuration blobs.
package secrets

import (
	"context"
	"errors"
)

var (
	// ErrSecretNotFound is returned when nothing is stored at the path
	ErrSecretNotFound = errors.New("secret not found")

	// ErrPermissionDenied is returned when the backend refuses the credentials
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvalidPath is returned for paths that cannot be addressed safely
	ErrInvalidPath = errors.New("invalid secret path")

	// ErrBackendUnavailable wraps transport and server failures. Callers treat it as retryable.
	ErrBackendUnavailable = errors.New("secret storage backend unavailable")
)

// Store reads and writes secret documents at slash-separated paths.
type Store interface {
	Get(ctx context.Context, path string) (map[string]interface{}, error)
	Put(ctx context.Context, path string, data map[string]interface{}) error
	// Delete removes every version at path. Deleting a missing path is not an error.
	Delete(ctx context.Context, path string) error
}

// IsUnavailable reports whether err means the backend could not be reached
// or refused service, as opposed to a missing secret.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable) || errors.Is(err, ErrPermissionDenied)
}
