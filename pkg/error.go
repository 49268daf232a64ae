package pkg

import "github.com/efficientgo/core/errors"

// USB protocol errors reported by the request layer.
var (
	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrTimeout indicates a request that did not complete before its deadline.
	ErrTimeout = errors.New("request timeout")

	// ErrCancelled indicates a request aborted before completion.
	ErrCancelled = errors.New("request cancelled")

	// ErrOverrun indicates a data overrun condition.
	ErrOverrun = errors.New("data overrun")

	// ErrUnderrun indicates a data underrun condition.
	ErrUnderrun = errors.New("data underrun")

	// ErrProtocol indicates a protocol error.
	ErrProtocol = errors.New("protocol error")

	// ErrNoDevice indicates the device is not present.
	ErrNoDevice = errors.New("device not present")

	// ErrRejected indicates the host controller refused to queue a request.
	ErrRejected = errors.New("request rejected")
)

// Descriptor and configuration errors.
var (
	// ErrDescriptorTooShort indicates the descriptor data is too short.
	ErrDescriptorTooShort = errors.New("descriptor too short")

	// ErrDescriptorTypeMismatch indicates the descriptor type does not match expected.
	ErrDescriptorTypeMismatch = errors.New("descriptor type mismatch")

	// ErrDescriptorMismatch indicates two fetches of the same descriptor disagree.
	ErrDescriptorMismatch = errors.New("descriptor changed between fetches")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrInvalidMaxPacket indicates an illegal bMaxPacketSize0 for the bus speed.
	ErrInvalidMaxPacket = errors.New("invalid control max packet size")

	// ErrPowerBudget indicates no configuration fits the port power budget.
	ErrPowerBudget = errors.New("configuration exceeds port power budget")

	// ErrHubTooDeep indicates a hub beyond the supported tier depth.
	ErrHubTooDeep = errors.New("hub tier too deep")

	// ErrUnsupportedSpeed indicates a port reported no usable speed.
	ErrUnsupportedSpeed = errors.New("unsupported speed")
)

// Engine errors.
var (
	// ErrInvalidState indicates an invalid state for the operation.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrBusy indicates the resource is busy.
	ErrBusy = errors.New("resource busy")

	// ErrResetBusy indicates the active-reset token is already held.
	ErrResetBusy = errors.New("bus reset already in progress")

	// ErrNoAddress indicates the address space is exhausted.
	ErrNoAddress = errors.New("no address available")

	// ErrRemoved indicates the object was removed from the bus.
	ErrRemoved = errors.New("removed from bus")

	// ErrRetriesExhausted indicates a port exceeded its retry bound.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrUnknownID indicates an identifier that was never published or is gone.
	ErrUnknownID = errors.New("unknown identifier")

	// ErrNotOpen indicates use of a closed interface handle.
	ErrNotOpen = errors.New("interface not open")

	// ErrAlreadyRunning indicates the controller is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the controller is not running.
	ErrNotRunning = errors.New("not running")
)

// TransferStatus represents the outcome of a bus request.
type TransferStatus int

// Transfer status values.
const (
	TransferStatusSuccess   TransferStatus = iota // Request completed successfully
	TransferStatusError                           // Request failed with error
	TransferStatusStall                           // Endpoint stalled
	TransferStatusTimeout                         // Request timed out
	TransferStatusCancelled                       // Request was aborted
	TransferStatusOverrun                         // Data overrun
	TransferStatusUnderrun                        // Data underrun
	TransferStatusNoDevice                        // No device answered
	TransferStatusPending                         // Queued; completion arrives later
)

// String returns a string representation of the transfer status.
func (s TransferStatus) String() string {
	switch s {
	case TransferStatusSuccess:
		return "success"
	case TransferStatusError:
		return "error"
	case TransferStatusStall:
		return "stall"
	case TransferStatusTimeout:
		return "timeout"
	case TransferStatusCancelled:
		return "cancelled"
	case TransferStatusOverrun:
		return "overrun"
	case TransferStatusUnderrun:
		return "underrun"
	case TransferStatusNoDevice:
		return "no-device"
	case TransferStatusPending:
		return "pending"
	default:
		return "unknown"
	}
}

// Error returns the corresponding error for the transfer status.
func (s TransferStatus) Error() error {
	switch s {
	case TransferStatusSuccess, TransferStatusPending:
		return nil
	case TransferStatusStall:
		return ErrStall
	case TransferStatusTimeout:
		return ErrTimeout
	case TransferStatusCancelled:
		return ErrCancelled
	case TransferStatusOverrun:
		return ErrOverrun
	case TransferStatusUnderrun:
		return ErrUnderrun
	case TransferStatusNoDevice:
		return ErrNoDevice
	default:
		return ErrProtocol
	}
}

// Terminal reports whether the status is a final outcome.
func (s TransferStatus) Terminal() bool {
	return s != TransferStatusPending
}
