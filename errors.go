package hapkit

import (
	"context"
	"errors"
)

var (
	ErrFormat                  = errors.New("hap: malformed value")
	ErrOutOfRange              = errors.New("hap: value out of range")
	ErrNotFound                = errors.New("hap: resource not found")
	ErrNotReadable             = errors.New("hap: characteristic not readable")
	ErrNotWritable             = errors.New("hap: characteristic not writable")
	ErrNotificationUnsupported = errors.New("hap: characteristic does not support notifications")
	ErrInsufficientPrivileges  = errors.New("hap: insufficient privileges")
	ErrInvalidTopology         = errors.New("hap: invalid accessory topology")
	ErrHandshakeFailed         = errors.New("hap: handshake failed")
	ErrSessionIntegrity        = errors.New("hap: session integrity failure")
	ErrTimeout                 = errors.New("hap: operation timed out")
)

// StatusOf maps an error returned by the registry or router to the status
// reported to the controller. Errors outside the taxonomy are device-level
// failures and map to StatusCommunicationFailure.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrFormat), errors.Is(err, ErrOutOfRange):
		return StatusInvalidValue
	case errors.Is(err, ErrNotFound):
		return StatusResourceNotFound
	case errors.Is(err, ErrNotReadable):
		return StatusReadFailure
	case errors.Is(err, ErrNotWritable):
		return StatusWriteFailure
	case errors.Is(err, ErrNotificationUnsupported):
		return StatusNotificationUnsupported
	case errors.Is(err, ErrInsufficientPrivileges):
		return StatusInsufficientPrivileges
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return StatusTimeout
	default:
		return StatusCommunicationFailure
	}
}
