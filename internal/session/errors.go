package session

import "errors"

var (
	// ErrConfiguration wraps failures caused by an unusable settings value
	// (empty or rejected token, bad proxy setup).
	ErrConfiguration = errors.New("session configuration error")
	// ErrTransport wraps a failed outbound chunk. Chunks sent before it stay delivered.
	ErrTransport = errors.New("session transport error")
	// ErrNotFound is returned by RequestDescription when the remote reports no identity.
	ErrNotFound = errors.New("bot identity not found")
)
