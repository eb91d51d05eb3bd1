package p20hd

import "errors"

// Domain errors for the P-20HD bridge package.
var (
	// ErrMissingConfig is returned when required bridge options are absent.
	ErrMissingConfig = errors.New("p20hd: missing required configuration")

	// ErrInvalidMessage is returned when a command message names neither
	// a command nor an action, or names both.
	ErrInvalidMessage = errors.New("p20hd: command message needs exactly one of command or action")
)
