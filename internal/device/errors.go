package device

import (
	"errors"
)

var (
	ErrUnknownDevice   = errors.New("unknown device")
	ErrInvalidAction   = errors.New("invalid action")
	ErrInvalidChildID  = errors.New("invalid child id")
	ErrDeviceOffline   = errors.New("device offline")
	ErrOperationFailed = errors.New("operation failed")
	ErrQueueTimeout    = errors.New("queue timeout")
)

// Kind returns the short identifier used in API bodies and log records.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownDevice):
		return "unknown_device"
	case errors.Is(err, ErrInvalidAction):
		return "invalid_action"
	case errors.Is(err, ErrInvalidChildID):
		return "invalid_child_id"
	case errors.Is(err, ErrDeviceOffline):
		return "device_offline"
	case errors.Is(err, ErrOperationFailed):
		return "operation_failed"
	case errors.Is(err, ErrQueueTimeout):
		return "queue_timeout"
	}
	return "internal_error"
}
