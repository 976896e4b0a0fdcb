package pkg

import "github.com/efficientgo/core/errors"

// Bus conditions reported by the controller or the control pipe.
var (
	ErrStall        = errors.New("endpoint stalled")
	ErrTimeout      = errors.New("transfer timeout") // a bounded wait on a FIFO expired
	ErrOverflow     = errors.New("buffer overflow")  // no slot left for a received packet
	ErrProtocol     = errors.New("protocol error")
	ErrReset        = errors.New("bus reset")
	ErrNotConnected = errors.New("not connected")
)

// Caller mistakes. These are returned before any hardware is touched.
var (
	ErrNotConfigured    = errors.New("not configured")
	ErrInvalidEndpoint  = errors.New("invalid endpoint")
	ErrInvalidState     = errors.New("invalid state")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrBufferTooSmall   = errors.New("buffer too small")
	ErrNotSupported     = errors.New("not supported")
)

// Resource contention.
var (
	ErrBusy        = errors.New("resource busy")
	ErrNoResources = errors.New("no resources available")
)

// Malformed wire data.
var (
	ErrDescriptorTooShort     = errors.New("descriptor too short")
	ErrDescriptorTypeMismatch = errors.New("descriptor type mismatch")
	ErrSetupPacketTooShort    = errors.New("setup packet too short")
	// ErrUnknownInterrupt marks a pending source no translation rule covers.
	ErrUnknownInterrupt = errors.New("unknown interrupt")
)

// Stack lifecycle.
var (
	ErrAlreadyRunning = errors.New("already running")
	ErrNotRunning     = errors.New("not running")
)
