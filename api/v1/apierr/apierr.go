// Package apierr maps domain errors to the HTTP error envelope.
package apierr

import (
	"errors"

	"agent_dispatch/internal/agentclient"
	"agent_dispatch/internal/authz"
	"agent_dispatch/internal/httpx"
	"agent_dispatch/internal/queue"
	"agent_dispatch/internal/registry"
	"agent_dispatch/internal/secrets"
)

// From converts err to an AppError. Unknown errors become 500.
func From(err error) *httpx.AppError {
	var appErr *httpx.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	var statusErr *agentclient.StatusError

	switch {
	case errors.Is(err, registry.ErrAuthentication):
		return httpx.ErrInvalidToken("invalid agent credentials")
	case errors.Is(err, authz.ErrForbidden):
		return httpx.ErrForbidden(err.Error())

	case errors.Is(err, queue.ErrConflict),
		errors.Is(err, registry.ErrRevoked),
		errors.Is(err, registry.ErrConflict),
		errors.Is(err, agentclient.ErrNoEndpoint):
		return httpx.ErrStateConflict(err.Error())

	case errors.Is(err, queue.ErrNotFound),
		errors.Is(err, registry.ErrNotFound),
		errors.Is(err, secrets.ErrSecretNotFound):
		return httpx.ErrNotFound(err.Error())

	case errors.Is(err, queue.ErrInvalidPriority),
		errors.Is(err, queue.ErrInvalidStatus),
		errors.Is(err, queue.ErrInvalidRequest),
		errors.Is(err, registry.ErrInvalidRequest),
		errors.Is(err, secrets.ErrInvalidPath):
		return httpx.ErrParamInvalid(err.Error())

	case errors.Is(err, queue.ErrStore),
		errors.Is(err, registry.ErrStore),
		secrets.IsUnavailable(err):
		return httpx.ErrStoreUnavailable("", err)

	case errors.Is(err, agentclient.ErrUnreachable), errors.As(err, &statusErr):
		return httpx.ErrExternalError("agent call failed", err)
	}
	return httpx.ErrInternalError("internal error", err)
}
