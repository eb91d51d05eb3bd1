package replay

import "errors"

// Domain-specific errors for replay sessions.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrConnectionFailed is returned when the device cannot be reached.
	ErrConnectionFailed = errors.New("replay: connection failed")

	// ErrNotConnected is returned when the session has no live connection.
	ErrNotConnected = errors.New("replay: not connected")

	// ErrAlreadyConnected is returned by Connect while a connection is live.
	ErrAlreadyConnected = errors.New("replay: session already connected")

	// ErrNotReady is returned when a command is submitted before the
	// session has authenticated or after it has been torn down.
	ErrNotReady = errors.New("replay: session not ready for commands")

	// ErrTransmitFailed is returned when a command could not be written.
	ErrTransmitFailed = errors.New("replay: transmit failed")

	// ErrInvalidCommand is returned for empty commands or commands that
	// contain framing bytes.
	ErrInvalidCommand = errors.New("replay: invalid command")

	// ErrCommandRejected is returned when the device answers with NAK.
	ErrCommandRejected = errors.New("replay: command rejected by device")

	// ErrCredentialsRejected is returned when the device rejects the login
	// password. Session errors carrying it also match ErrCommandRejected.
	ErrCredentialsRejected = errors.New("replay: login credentials rejected")

	// ErrMalformedRecord is returned when a known record carries arguments
	// that cannot be decoded.
	ErrMalformedRecord = errors.New("replay: malformed record")

	// ErrUnknownAction is returned when an action name is not in the catalog.
	ErrUnknownAction = errors.New("replay: unknown action")

	// ErrSessionClosed is returned when using a session after Close.
	ErrSessionClosed = errors.New("replay: session closed")
)
