package hal

// Port status bits (wPortStatus, USB 2.0 table 11-21).
const (
	PortStatusConnection  uint16 = 1 << 0
	PortStatusEnable      uint16 = 1 << 1
	PortStatusSuspend     uint16 = 1 << 2
	PortStatusOverCurrent uint16 = 1 << 3
	PortStatusReset       uint16 = 1 << 4
	PortStatusPower       uint16 = 1 << 8
	PortStatusLowSpeed    uint16 = 1 << 9
	PortStatusHighSpeed   uint16 = 1 << 10
)

// Port change bits (wPortChange, USB 2.0 table 11-22).
const (
	PortChangeConnection  uint16 = 1 << 0
	PortChangeEnable      uint16 = 1 << 1
	PortChangeSuspend     uint16 = 1 << 2
	PortChangeOverCurrent uint16 = 1 << 3
	PortChangeReset       uint16 = 1 << 4

	PortChangeMask = PortChangeConnection | PortChangeEnable |
		PortChangeSuspend | PortChangeOverCurrent | PortChangeReset
)

// Hub status and change bits (wHubStatus / wHubChange).
const (
	HubStatusLocalPower  uint16 = 1 << 0
	HubStatusOverCurrent uint16 = 1 << 1

	HubChangeLocalPower  uint16 = 1 << 0
	HubChangeOverCurrent uint16 = 1 << 1

	HubChangeMask = HubChangeLocalPower | HubChangeOverCurrent
)

// Hub class feature selectors (USB 2.0 table 11-17).
const (
	FeatureCHubLocalPower  uint16 = 0
	FeatureCHubOverCurrent uint16 = 1

	FeaturePortConnection  uint16 = 0
	FeaturePortEnable      uint16 = 1
	FeaturePortSuspend     uint16 = 2
	FeaturePortOverCurrent uint16 = 3
	FeaturePortReset       uint16 = 4
	FeaturePortPower       uint16 = 8
	FeaturePortLowSpeed    uint16 = 9
	FeatureCPortConnection uint16 = 16
	FeatureCPortEnable     uint16 = 17
	FeatureCPortSuspend    uint16 = 18
	FeatureCPortOverCurr   uint16 = 19
	FeatureCPortReset      uint16 = 20
)

// PortChangeFeature maps a single wPortChange bit to its clear-feature
// selector. It returns false for bits that have no selector.
func PortChangeFeature(change uint16) (uint16, bool) {
	switch change {
	case PortChangeConnection:
		return FeatureCPortConnection, true
	case PortChangeEnable:
		return FeatureCPortEnable, true
	case PortChangeSuspend:
		return FeatureCPortSuspend, true
	case PortChangeOverCurrent:
		return FeatureCPortOverCurr, true
	case PortChangeReset:
		return FeatureCPortReset, true
	default:
		return 0, false
	}
}

// FeaturePortChange is the inverse of [PortChangeFeature].
func FeaturePortChange(feature uint16) (uint16, bool) {
	switch feature {
	case FeatureCPortConnection:
		return PortChangeConnection, true
	case FeatureCPortEnable:
		return PortChangeEnable, true
	case FeatureCPortSuspend:
		return PortChangeSuspend, true
	case FeatureCPortOverCurr:
		return PortChangeOverCurrent, true
	case FeatureCPortReset:
		return PortChangeReset, true
	default:
		return 0, false
	}
}

// PortStatus is the 4-byte response of a hub GET_STATUS(port) request.
type PortStatus struct {
	Status uint16
	Change uint16
}

// PortStatusSize is the wire size of a port or hub status response.
const PortStatusSize = 4

// ParsePortStatus decodes a port status response.
// Returns false if data is too short.
func ParsePortStatus(data []byte, out *PortStatus) bool {
	if len(data) < PortStatusSize {
		return false
	}
	out.Status = uint16(data[0]) | uint16(data[1])<<8
	out.Change = uint16(data[2]) | uint16(data[3])<<8
	return true
}

// MarshalTo writes the status to buf and returns the bytes written.
func (p PortStatus) MarshalTo(buf []byte) int {
	if len(buf) < PortStatusSize {
		return 0
	}
	buf[0] = byte(p.Status)
	buf[1] = byte(p.Status >> 8)
	buf[2] = byte(p.Change)
	buf[3] = byte(p.Change >> 8)
	return PortStatusSize
}

// Connected reports whether a device is present on the port.
func (p PortStatus) Connected() bool { return p.Status&PortStatusConnection != 0 }

// Enabled reports whether the port is enabled.
func (p PortStatus) Enabled() bool { return p.Status&PortStatusEnable != 0 }

// Suspended reports whether the port is suspended.
func (p PortStatus) Suspended() bool { return p.Status&PortStatusSuspend != 0 }

// OverCurrent reports an active over-current condition.
func (p PortStatus) OverCurrent() bool { return p.Status&PortStatusOverCurrent != 0 }

// InReset reports whether reset signalling is in progress.
func (p PortStatus) InReset() bool { return p.Status&PortStatusReset != 0 }

// Powered reports whether the port is powered.
func (p PortStatus) Powered() bool { return p.Status&PortStatusPower != 0 }

// Speed returns the negotiated speed of an attached device.
func (p PortStatus) Speed() Speed {
	switch {
	case !p.Connected():
		return SpeedUnknown
	case p.Status&PortStatusLowSpeed != 0:
		return SpeedLow
	case p.Status&PortStatusHighSpeed != 0:
		return SpeedHigh
	default:
		return SpeedFull
	}
}

// ConnectChanged reports a connect status change.
func (p PortStatus) ConnectChanged() bool { return p.Change&PortChangeConnection != 0 }

// EnableChanged reports an enable status change.
func (p PortStatus) EnableChanged() bool { return p.Change&PortChangeEnable != 0 }

// OverCurrentChanged reports an over-current indicator change.
func (p PortStatus) OverCurrentChanged() bool { return p.Change&PortChangeOverCurrent != 0 }

// ResetChanged reports completion of reset signalling.
func (p PortStatus) ResetChanged() bool { return p.Change&PortChangeReset != 0 }

// HubStatus is the 4-byte response of a hub GET_STATUS(hub) request.
type HubStatus struct {
	Status uint16
	Change uint16
}

// ParseHubStatus decodes a hub status response.
func ParseHubStatus(data []byte, out *HubStatus) bool {
	var ps PortStatus
	if !ParsePortStatus(data, &ps) {
		return false
	}
	out.Status, out.Change = ps.Status, ps.Change
	return true
}

// MarshalTo writes the status to buf and returns the bytes written.
func (h HubStatus) MarshalTo(buf []byte) int {
	return PortStatus{Status: h.Status, Change: h.Change}.MarshalTo(buf)
}

// LocalPowerLost reports that the hub lost its external supply.
func (h HubStatus) LocalPowerLost() bool { return h.Status&HubStatusLocalPower != 0 }

// OverCurrent reports a hub-wide over-current condition.
func (h HubStatus) OverCurrent() bool { return h.Status&HubStatusOverCurrent != 0 }
