package cbus

import "errors"

// Domain errors for the C-Bus bridge package.
var (
	// ErrNotConnected is returned when an operation needs the gateway but the
	// supervisor is not in the Ready state.
	ErrNotConnected = errors.New("cbus: not connected to C-Gate")

	// ErrConnectionFailed is returned when a connect attempt to C-Gate fails.
	ErrConnectionFailed = errors.New("cbus: connection to C-Gate failed")

	// ErrConnectionLost is returned when a channel read or write hits
	// end-of-stream or a broken socket.
	ErrConnectionLost = errors.New("cbus: connection to C-Gate lost")

	// ErrGatewayNotReady is returned when C-Gate answers but the configured
	// network is not yet in State=ok.
	ErrGatewayNotReady = errors.New("cbus: network not ready")

	// ErrTimeout is returned when a bounded read expires.
	ErrTimeout = errors.New("cbus: operation timed out")

	// ErrNoAcknowledgement is returned when a command gets no "200 OK".
	ErrNoAcknowledgement = errors.New("cbus: command not acknowledged")

	// ErrCommandRejected is returned when C-Gate answers a command with an
	// error status (4xx/5xx).
	ErrCommandRejected = errors.New("cbus: command rejected")

	// ErrMalformedDump is returned when a bulk dump cannot be parsed.
	ErrMalformedDump = errors.New("cbus: malformed dump")

	// ErrInvalidAddress is returned when a group address cannot be parsed.
	ErrInvalidAddress = errors.New("cbus: invalid address")

	// ErrInvalidLevel is returned when a level is out of range.
	ErrInvalidLevel = errors.New("cbus: invalid level")

	// ErrUnknownDevice is returned when an address has no device in the
	// directory.
	ErrUnknownDevice = errors.New("cbus: unknown device")

	// ErrLabelTemplate is returned when a label template is invalid.
	ErrLabelTemplate = errors.New("cbus: invalid label template")
)
