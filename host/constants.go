package host

import "fmt"

// DeviceState is the lifecycle state of a device object.
type DeviceState uint8

// Device lifecycle states.
const (
	DeviceStateAddress    DeviceState = iota // Address assigned, descriptors pending
	DeviceStateConfigured                    // SET_CONFIGURATION accepted
	DeviceStateEnumerated                    // Published to subscribers
	DeviceStateRemoved                       // Detached or ancestor removed
	DeviceStateError                         // Enumeration gave up
)

// String returns a human-readable state description.
func (s DeviceState) String() string {
	switch s {
	case DeviceStateAddress:
		return "address"
	case DeviceStateConfigured:
		return "configured"
	case DeviceStateEnumerated:
		return "enumerated"
	case DeviceStateRemoved:
		return "removed"
	case DeviceStateError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// working reports whether machines may keep issuing requests for a device
// in this state.
func (s DeviceState) working() bool {
	return s == DeviceStateAddress || s == DeviceStateConfigured || s == DeviceStateEnumerated
}

// PortState is the logical state of a hub port.
type PortState uint8

// Port states.
const (
	PortStateDisconnected PortState = iota // Nothing attached
	PortStateConnected                     // Attached, reset queued
	PortStateResetting                     // Holds the active reset
	PortStateEnumerating                   // Addressed device is being enumerated
	PortStateEnabled                       // Device enumerated
	PortStateOvercurrent                   // Disabled after over-current
	PortStateRemoved                       // Owning subtree removed
	PortStateError                         // Retries exhausted
)

// String returns a human-readable state description.
func (s PortState) String() string {
	switch s {
	case PortStateDisconnected:
		return "disconnected"
	case PortStateConnected:
		return "connected"
	case PortStateResetting:
		return "resetting"
	case PortStateEnumerating:
		return "enumerating"
	case PortStateEnabled:
		return "enabled"
	case PortStateOvercurrent:
		return "overcurrent"
	case PortStateRemoved:
		return "removed"
	case PortStateError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Location tags the phase an enumeration error came from.
type Location uint8

// Enumeration error locations.
const (
	LocationRootPortReset    Location = iota // Reset/address on a root hub port
	LocationHubPortReset                     // Reset/address on an external hub port
	LocationDeviceDescriptor                 // Descriptor fetch and configuration
	LocationHubInit                          // Hub descriptor, port power, status endpoint
	LocationHubStatus                        // Hub status-change polling
)

// String returns the location name used in logs and metric labels.
func (l Location) String() string {
	switch l {
	case LocationRootPortReset:
		return "root-port-reset"
	case LocationHubPortReset:
		return "hub-port-reset"
	case LocationDeviceDescriptor:
		return "device-descriptor"
	case LocationHubInit:
		return "hub-init"
	case LocationHubStatus:
		return "hub-status"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(l))
	}
}

// resetState enumerates the port-reset / address-assignment machine.
type resetState uint8

const (
	resetIdle resetState = iota
	resetStart
	resetRestart
	resetWaitDelay
	resetIssue
	resetWaitComplete
	resetAwaitComplete
	resetCheck
	resetRecovery
	resetSetAddress
	resetAddressSent
	resetEnumerate
	resetDisable
	resetDisabled
	resetRemoved
	resetError
)

func (s resetState) String() string {
	switch s {
	case resetIdle:
		return "idle"
	case resetStart:
		return "start"
	case resetRestart:
		return "restart"
	case resetWaitDelay:
		return "wait-delay"
	case resetIssue:
		return "issue-reset"
	case resetWaitComplete:
		return "wait-reset-complete"
	case resetAwaitComplete:
		return "await-reset-complete"
	case resetCheck:
		return "check-enabled-speed"
	case resetRecovery:
		return "wait-recovery"
	case resetSetAddress:
		return "set-address"
	case resetAddressSent:
		return "wait-address-settle"
	case resetEnumerate:
		return "begin-enumeration"
	case resetDisable:
		return "disable-port"
	case resetDisabled:
		return "port-disabled"
	case resetRemoved:
		return "removed"
	case resetError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// enumState enumerates the device descriptor machine.
type enumState uint8

const (
	enumIdle enumState = iota
	enumStart
	enumGetDevPart
	enumGotDevPart
	enumGetDevFull
	enumGotDevFull
	enumGetConfigPart
	enumGotConfigPart
	enumGetConfigFull
	enumGotConfigFull
	enumGetLangIDs
	enumGotLangIDs
	enumGetSerial
	enumGotSerial
	enumSetConfig
	enumConfigured
	enumInitHub
	enumComplete
	enumRestart
	enumRemoved
	enumError
)

func (s enumState) String() string {
	switch s {
	case enumIdle:
		return "idle"
	case enumStart:
		return "start"
	case enumGetDevPart, enumGotDevPart:
		return "get-device-descriptor-part"
	case enumGetDevFull, enumGotDevFull:
		return "get-device-descriptor-full"
	case enumGetConfigPart, enumGotConfigPart:
		return "get-config-descriptor-part"
	case enumGetConfigFull, enumGotConfigFull:
		return "get-config-descriptor-full"
	case enumGetLangIDs, enumGotLangIDs:
		return "get-language-ids"
	case enumGetSerial, enumGotSerial:
		return "get-serial-number"
	case enumSetConfig, enumConfigured:
		return "set-configuration"
	case enumInitHub:
		return "init-hub"
	case enumComplete:
		return "complete"
	case enumRestart:
		return "restart"
	case enumRemoved:
		return "removed"
	case enumError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// hubInitState enumerates the hub-device initialization machine.
type hubInitState uint8

const (
	hubInitIdle hubInitState = iota
	hubInitGetDescriptor
	hubInitGotDescriptor
	hubInitGetStatus
	hubInitGotStatus
	hubInitPowerPorts
	hubInitWaitPowerGood
	hubInitOpenStatus
	hubInitStartNotify
	hubInitRestart
	hubInitRemoved
	hubInitError
)

func (s hubInitState) String() string {
	switch s {
	case hubInitIdle:
		return "idle"
	case hubInitGetDescriptor, hubInitGotDescriptor:
		return "get-hub-descriptor"
	case hubInitGetStatus, hubInitGotStatus:
		return "get-hub-status"
	case hubInitPowerPorts:
		return "power-ports"
	case hubInitWaitPowerGood:
		return "wait-power-good"
	case hubInitOpenStatus:
		return "open-status-endpoint"
	case hubInitStartNotify:
		return "start-notification"
	case hubInitRestart:
		return "restart"
	case hubInitRemoved:
		return "removed"
	case hubInitError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// notifyState enumerates the hub status-notification machine.
type notifyState uint8

const (
	notifyIdle notifyState = iota
	notifySubmit
	notifyStart
	notifyRestart
	notifyGetHubStatus
	notifyClearHubStatus
	notifyNextPort
	notifyGetPortStatus
	notifyClearPortStatus
	notifyCheckOvercurrent
	notifyCheckReset
	notifyCheckConnect
	notifyCheckRemove
	notifyDisablePort
	notifyRemoved
	notifyError
)

func (s notifyState) String() string {
	switch s {
	case notifyIdle:
		return "idle"
	case notifySubmit:
		return "submit-status"
	case notifyStart:
		return "start"
	case notifyRestart:
		return "restart"
	case notifyGetHubStatus:
		return "get-hub-status"
	case notifyClearHubStatus:
		return "clear-hub-status"
	case notifyNextPort:
		return "next-port"
	case notifyGetPortStatus:
		return "get-port-status"
	case notifyClearPortStatus:
		return "clear-port-status"
	case notifyCheckOvercurrent:
		return "check-overcurrent"
	case notifyCheckReset:
		return "check-reset"
	case notifyCheckConnect:
		return "check-connect"
	case notifyCheckRemove:
		return "check-remove"
	case notifyDisablePort:
		return "disable-port"
	case notifyRemoved:
		return "removed"
	case notifyError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}
