package scheduler

import "errors"

var (
	ErrUnknownEvent  = errors.New("scheduler: unknown event")
	ErrAlreadyFiring = errors.New("scheduler: event already firing")
	ErrNotPending    = errors.New("scheduler: event is not pending")
	ErrStopped       = errors.New("scheduler: reconciler is stopped")
)
