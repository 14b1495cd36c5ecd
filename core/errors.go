package core

import "errors"

var (
	// ErrEmptyOptions is returned when a preset is saved without any filter option
	ErrEmptyOptions = errors.New("options cannot be empty")

	// ErrInvalidTransition is returned for a state change the lifecycle does not allow
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrInvalidIdentifier is returned for attribute names that cannot be embedded in a query
	ErrInvalidIdentifier = errors.New("invalid attribute name")

	// ErrMalformedEvent is returned when a stored alert event lacks required structure
	ErrMalformedEvent = errors.New("malformed alert event")
)
