package repository

import "errors"

var (
	// ErrNotFound means no record exists for the animal in the consulted store(s).
	ErrNotFound = errors.New("animal not found")
	// ErrUnavailable means the primary store could not be reached or did not answer in time.
	ErrUnavailable = errors.New("primary store unavailable")
)
