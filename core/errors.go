package core

import "errors"

// errors.go provides all custom error types for the core package
//
// error type checking:
//   an error can be checked if it is any of these using errors.Is(err, ErrType)

// used for the session channel
var (
	ErrAuthRejected    = errors.New("auth rejected")
	ErrSessionNotFound = errors.New("session not found")
	ErrConnClosed      = errors.New("connection closed")
)

// used for file and folder operations
var (
	ErrAlreadyExists       = errors.New("path already exists")
	ErrNotFound            = errors.New("path not found")
	ErrLastFile            = errors.New("cannot delete the last file")
	ErrWouldRemoveAllFiles = errors.New("folder delete would remove all files")
)

// used for deltas and snapshots
var (
	ErrMalformedDelta    = errors.New("malformed delta")
	ErrMalformedSnapshot = errors.New("malformed snapshot")
)

// used for runs
var (
	ErrUnsupportedTarget = errors.New("no runtime for entry file")
	ErrRunTimeout        = errors.New("run timed out")
	ErrRunCancelled      = errors.New("run cancelled")
)
