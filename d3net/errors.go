package d3net

import "errors"

// Error kinds surfaced by the gateway and its transports. Layers wrap these
// with context via fmt.Errorf("...: %w", err); callers test with errors.Is.
var (
	// ErrInvalidArgument covers nil handles, unit indexes outside [0,64),
	// zero counts and payloads too large for a frame.
	ErrInvalidArgument = errors.New("d3net: invalid argument")

	// ErrInvalidState is returned when a transport is used before init.
	ErrInvalidState = errors.New("d3net: invalid state")

	// ErrTimeout means the receive deadline expired before the expected
	// frame length arrived.
	ErrTimeout = errors.New("d3net: timeout")

	// ErrBadFrame covers slave-id, function-code, byte-count and write-echo
	// mismatches, including exception (0x8n) replies.
	ErrBadFrame = errors.New("d3net: bad frame")

	// ErrBadCRC is a CRC mismatch on a received frame.
	ErrBadCRC = errors.New("d3net: bad crc")

	// ErrIO means the underlying port moved fewer bytes than requested.
	ErrIO = errors.New("d3net: i/o failure")

	// ErrNotFound is returned for operations on a unit that is not present.
	ErrNotFound = errors.New("d3net: unit not found")
)
