package service

import "errors"

// Domain errors shared by the live-exam components.
var (
	// ErrRejectedTransition marks an operation on a terminal or nonexistent
	// session: an ended exam or a submitted submission.
	ErrRejectedTransition = errors.New("rejected transition")
	// ErrUnknownSession marks a reference to a session id nobody tracks.
	ErrUnknownSession = errors.New("unknown session")
	// ErrTransportFailure marks a publish that failed after every retry.
	ErrTransportFailure = errors.New("transport failure")

	ErrInvalidProgress = errors.New("invalid progress event")
	ErrInvalidSchedule = errors.New("invalid exam schedule")
)
