package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired  = sterrors.New("rbmqflow: configuration is required")
	ErrLoggerRequired  = sterrors.New("rbmqflow: logger is required")
	ErrTopicRequired   = sterrors.New("rbmqflow: topic is required")
	ErrPayloadRequired = sterrors.New("rbmqflow: message payload is required")

	ErrConnectionClosed = sterrors.New("rbmqflow: connection is closed")
	ErrChannelClosing   = sterrors.New("rbmqflow: channel is draining")
	ErrChannelClosed    = sterrors.New("rbmqflow: channel is closed")
	ErrWouldBlock       = sterrors.New("rbmqflow: send would block")

	ErrDuplicateDelivery = sterrors.New("rbmqflow: delivery already tracked")
	ErrUnknownDelivery   = sterrors.New("rbmqflow: delivery not tracked")
	ErrInvalidOutcome    = sterrors.New("rbmqflow: invalid delivery outcome")

	ErrAlreadyInitialized = sterrors.New("rbmqflow: shutdown coordinator already initialized")
	ErrNotInitialized     = sterrors.New("rbmqflow: shutdown coordinator not initialized")
)

// ConnectionError reports a failed dial or handshake. The attempt is terminal;
// callers may retry with a new open.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rbmqflow: connection to %s failed: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ChannelError reports a channel that could not be opened, either because the
// owning connection was not open or because the transport refused it.
type ChannelError struct {
	ConnectionState string
	Err             error
}

func (e *ChannelError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("rbmqflow: cannot open channel on %s connection", e.ConnectionState)
	}
	return fmt.Sprintf("rbmqflow: cannot open channel on %s connection: %v", e.ConnectionState, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// DuplicateDeliveryError is returned when a delivery id is recorded twice.
type DuplicateDeliveryError struct {
	ID uint64
}

func (e *DuplicateDeliveryError) Error() string {
	return fmt.Sprintf("%v: %d", ErrDuplicateDelivery, e.ID)
}

func (e *DuplicateDeliveryError) Is(target error) bool { return target == ErrDuplicateDelivery }

// UnknownDeliveryError is returned when completing a delivery id that is not tracked.
type UnknownDeliveryError struct {
	ID uint64
}

func (e *UnknownDeliveryError) Error() string {
	return fmt.Sprintf("%v: %d", ErrUnknownDelivery, e.ID)
}

func (e *UnknownDeliveryError) Is(target error) bool { return target == ErrUnknownDelivery }

// StartupError carries the first failure hit while starting a runtime. By the
// time it is returned every resource opened during startup has been released.
type StartupError struct {
	Stage string
	Err   error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("rbmqflow: startup failed during %s: %v", e.Stage, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// ConfigValidationError wraps configuration problems found by Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "rbmqflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil for a nil error.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
