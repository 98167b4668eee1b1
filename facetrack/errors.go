package facetrack

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an identity is unknown to the tracker
	// (never existed or was purged without leaving a redirect).
	ErrNotFound = errors.New("identity not found")
	// ErrProtected is returned when purge would violate lock, name or
	// redirect-reference protection.
	ErrProtected = errors.New("identity is protected")
	// ErrInvalidMerge is returned on self-merge after redirect resolution.
	ErrInvalidMerge = errors.New("invalid merge")
	// ErrSessionClosed is returned by any call on a freed tracker session.
	ErrSessionClosed = errors.New("tracker session is closed")
)

// CollaboratorError reports a failed call to the external recognition engine.
// It signals an unusable input frame rather than a transient fault, so it is
// propagated per call and never retried. The tracker state stays intact.
//
// The engine's original error can be accessed via errors.Unwrap.
type CollaboratorError struct {
	Op    string
	cause error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("collaborator call %s failed: %v", e.Op, e.cause)
}

func (e *CollaboratorError) Unwrap() error { return e.cause }

func collaboratorFailure(op string, cause error) error {
	return &CollaboratorError{Op: op, cause: cause}
}
