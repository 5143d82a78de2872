package registry

import (
	"errors"
	"fmt"

	"agent_dispatch/internal/secrets"
)

var (
	// ErrAuthentication never says whether the agent or the token was wrong
	ErrAuthentication = errors.New("invalid agent credentials")
	ErrNotFound       = errors.New("agent not found")
	ErrRevoked        = errors.New("agent revoked")
	ErrInvalidRequest = errors.New("invalid agent request")
	// ErrConflict means the agent is not in a state that allows the operation
	ErrConflict       = errors.New("agent state conflict")

	// ErrStore wraps database and secret backend failures; callers may retry
	ErrStore = errors.New("agent store unavailable")
)

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStore, op, err)
}

func secretErr(op string, err error) error {
	if errors.Is(err, secrets.ErrInvalidPath) {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return storeErr(op, err)
}

// txErr keeps registry errors raised inside a transaction and wraps the rest,
// such as a failed commit, as store errors
func txErr(op string, err error) error {
	for _, known := range []error{ErrAuthentication, ErrNotFound, ErrRevoked, ErrInvalidRequest, ErrConflict, ErrStore} {
		if errors.Is(err, known) {
			return err
		}
	}
	return storeErr(op, err)
}
