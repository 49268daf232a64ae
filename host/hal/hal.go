package hal

import (
	"time"

	"github.com/ardnew/usbenum/pkg"
)

// Speed represents the USB connection speed.
type Speed uint8

// USB speed constants (USB 2.0 Specification).
const (
	SpeedUnknown Speed = iota // Not connected or unknown
	SpeedLow                  // Low Speed (1.5 Mbit/s)
	SpeedFull                 // Full Speed (12 Mbit/s)
	SpeedHigh                 // High Speed (480 Mbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "low"
	case SpeedFull:
		return "full"
	case SpeedHigh:
		return "high"
	default:
		return "unknown"
	}
}

// MaxPacketSize0 returns the control max packet size assumed for a device
// at this speed before its device descriptor has been read.
func (s Speed) MaxPacketSize0() uint16 {
	switch s {
	case SpeedLow:
		return 8
	case SpeedFull, SpeedHigh:
		return 64
	default:
		return 8
	}
}

// ValidMaxPacketSize0 reports whether bMaxPacketSize0 is legal at this speed.
func (s Speed) ValidMaxPacketSize0(size uint8) bool {
	switch s {
	case SpeedLow:
		return size == 8
	case SpeedFull:
		return size == 8 || size == 16 || size == 32 || size == 64
	case SpeedHigh:
		return size == 64
	default:
		return false
	}
}

// DeviceAddress represents a USB device address (0-127).
type DeviceAddress uint8

// MaxAddress is the highest assignable device address.
const MaxAddress DeviceAddress = 127

// TransferType indicates the type of USB transfer.
type TransferType uint8

// Transfer type constants.
const (
	TransferControl     TransferType = 0 // Control transfer
	TransferIsochronous TransferType = 1 // Isochronous transfer
	TransferBulk        TransferType = 2 // Bulk transfer
	TransferInterrupt   TransferType = 3 // Interrupt transfer
)

// String returns the transfer type name.
func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "control"
	case TransferIsochronous:
		return "isochronous"
	case TransferBulk:
		return "bulk"
	case TransferInterrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// Endpoint is an opaque handle to a transfer queue managed by the host
// controller driver. The zero value is never a valid handle.
type Endpoint uint32

// EndpointConfig describes the endpoint queue to open.
type EndpointConfig struct {
	Address       DeviceAddress // Device address (0 for the default address)
	Number        uint8         // Endpoint number (0-15)
	In            bool          // Direction, ignored for control endpoints
	Type          TransferType  // Transfer type
	MaxPacketSize uint16        // Maximum packet size
	Interval      uint8         // Polling interval for interrupt endpoints
	Speed         Speed         // Device speed
}

// Request is one asynchronous bus request (URB).
//
// For control endpoints Setup is sent first; Data is the data stage buffer.
// The host controller stores the byte count in Actual and the outcome in
// Status, then invokes Complete exactly once for every request it accepted
// as pending. Complete may be called from any goroutine.
type Request struct {
	Setup    SetupPacket
	Data     []byte
	Actual   int
	Status   pkg.TransferStatus
	Complete func(*Request)
}

// HostController is the contract consumed from a host-controller driver.
type HostController interface {
	// Start brings the controller up. Root ports are unpowered until the
	// engine powers them.
	Start() error

	// Stop halts the controller and completes every pending request with
	// [pkg.TransferStatusCancelled].
	Stop() error

	// OpenEndpoint allocates a transfer queue.
	OpenEndpoint(cfg EndpointConfig) (Endpoint, error)

	// CloseEndpoint aborts pending requests and releases the queue.
	CloseEndpoint(ep Endpoint) error

	// Submit queues a request. It returns [pkg.TransferStatusPending] when
	// the outcome will be reported through req.Complete, any other status
	// when the request finished synchronously (Complete is not called), or
	// an error when the request was rejected outright.
	Submit(ep Endpoint, req *Request) (pkg.TransferStatus, error)

	// Abort cancels every pending request on the endpoint. Cancelled
	// requests still complete through their Complete callback.
	Abort(ep Endpoint) error

	// RootHub returns the root hub primitives.
	RootHub() RootHub
}

// RootHub exposes root hub port control. Ports are one-based.
type RootHub interface {
	NumPorts() int
	PowerGoodTime() time.Duration

	GetHubStatus() (HubStatus, error)
	ClearHubStatus(change uint16) error

	GetPortStatus(port int) (PortStatus, error)
	ClearPortStatus(port int, change uint16) error

	SetPortPower(port int, on bool) error
	ResetPort(port int) error
	DisablePort(port int) error
	SuspendPort(port int, suspend bool) error

	// SetStatusChangeHandler installs the callback invoked whenever a hub or
	// port change bit becomes set. It may be called from any goroutine.
	SetStatusChangeHandler(fn func())
}
