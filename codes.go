package hapkit

import "fmt"

type Status int32

const (
	StatusOK                        Status = 0      // This specifies a success for the request.
	StatusInsufficientPrivileges    Status = -70401 // Request denied due to insufficient privileges.
	StatusCommunicationFailure      Status = -70402 // Unable to communicate with requested service, e.g. the power to the accessory was turned off.
	StatusBusy                      Status = -70403 // Resource is busy, try again.
	StatusWriteFailure              Status = -70404 // Cannot write to read only characteristic.
	StatusReadFailure               Status = -70405 // Cannot read from a write only characteristic.
	StatusNotificationUnsupported   Status = -70406 // Notification is not supported for characteristic.
	StatusOutOfResource             Status = -70407 // Out of resources to process request.
	StatusTimeout                   Status = -70408 // Operation timed out.
	StatusResourceNotFound          Status = -70409 // Resource does not exist.
	StatusInvalidValue              Status = -70410 // Accessory received an invalid value in a write request.
	StatusInsufficientAuthorization Status = -70411 // Insufficient Authorization.
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInsufficientPrivileges:
		return "insufficient privileges"
	case StatusCommunicationFailure:
		return "communication failure"
	case StatusBusy:
		return "busy"
	case StatusWriteFailure:
		return "write failure"
	case StatusReadFailure:
		return "read failure"
	case StatusNotificationUnsupported:
		return "notification unsupported"
	case StatusOutOfResource:
		return "out of resource"
	case StatusTimeout:
		return "timeout"
	case StatusResourceNotFound:
		return "resource not found"
	case StatusInvalidValue:
		return "invalid value"
	case StatusInsufficientAuthorization:
		return "insufficient authorization"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}
