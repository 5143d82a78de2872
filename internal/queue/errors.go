package queue

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("command not found")
	ErrConflict        = errors.New("command state conflict")
	ErrInvalidRequest  = errors.New("invalid command request")
	ErrInvalidPriority = errors.New("invalid priority")
	ErrInvalidStatus   = errors.New("invalid report status")

	// ErrStore wraps database failures; callers may retry
	ErrStore = errors.New("command store unavailable")
)

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrNotFound, ErrConflict, ErrInvalidRequest, ErrInvalidPriority, ErrInvalidStatus} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrStore, op, err)
}
