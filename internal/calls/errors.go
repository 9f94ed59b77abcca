package calls

import "errors"

// All of these are local, recoverable conditions. Persistence failures are
// returned unchanged so callers can retry.
var (
	ErrNotFound             = errors.New("calls: not found")
	ErrInvalidTransition    = errors.New("calls: invalid transition")
	ErrDuplicateTick        = errors.New("calls: duplicate tick")
	ErrConcurrentActiveCall = errors.New("calls: participant already has an active call")
	ErrInvalidArgument      = errors.New("calls: invalid argument")
)
