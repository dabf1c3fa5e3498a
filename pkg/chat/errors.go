package chat

import "github.com/pkg/errors"

// Sentinel errors for the failure taxonomy. Call sites wrap these with
// errors.Wrap/Wrapf and callers match with errors.Is.
var (
	// ErrConnection means the transport failed to open or to recover
	// after its single bounded reconnect attempt.
	ErrConnection = errors.New("connection failed")

	// ErrTimeout covers both the connect window and the idle/read
	// timeout while streaming.
	ErrTimeout = errors.New("timed out")

	// ErrBusy is returned when a generation is requested while another
	// one is in flight. The stream endpoint is single-subscriber
	// system-wide, so this applies across sessions, not just within one.
	ErrBusy = errors.New("generation already in progress")

	// ErrNotConnected is returned by Send when the connection is not open.
	ErrNotConnected = errors.New("not connected")

	// ErrProtocol marks a malformed or mismatched frame. It is logged
	// and the frame dropped; it never fails a generation.
	ErrProtocol = errors.New("protocol violation")

	// ErrBackend carries an explicit error frame from the server.
	ErrBackend = errors.New("backend error")

	// ErrValidation is returned for bad generation parameters and
	// unmet preconditions such as a missing model selection.
	ErrValidation = errors.New("invalid parameter")
)
