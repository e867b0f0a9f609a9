package fsm

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
)

// WrapEvent adapts a callback that can fail into an fsm.Callback, recording
// the failure on the event.
func WrapEvent(fn func(ctx context.Context, event *fsm.Event) error) fsm.Callback {
	return func(ctx context.Context, event *fsm.Event) {
		if err := fn(ctx, event); err != nil {
			event.Err = err
		}
	}
}

// IsRealError reports whether err from fsm.Event signals a failure. Firing an
// event that leaves the state unchanged, or one cancelled by a before-callback,
// is not one.
func IsRealError(err error) bool {
	if err == nil {
		return false
	}

	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return false
	}

	var canceled fsm.CanceledError
	return !errors.As(err, &canceled)
}
