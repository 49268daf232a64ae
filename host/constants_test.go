package host

import (
	"testing"
)

// =============================================================================
// State Name Tests
// =============================================================================

func TestDeviceState_String(t *testing.T) {
	tests := []struct {
		state    DeviceState
		expected string
	}{
		{DeviceStateAddress, "address"},
		{DeviceStateConfigured, "configured"},
		{DeviceStateEnumerated, "enumerated"},
		{DeviceStateRemoved, "removed"},
		{DeviceStateError, "error"},
		{DeviceState(99), "unknown(99)"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("DeviceState.String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestDeviceState_Working(t *testing.T) {
	for _, s := range []DeviceState{DeviceStateAddress, DeviceStateConfigured, DeviceStateEnumerated} {
		if !s.working() {
			t.Errorf("%s should be working", s)
		}
	}
	for _, s := range []DeviceState{DeviceStateRemoved, DeviceStateError} {
		if s.working() {
			t.Errorf("%s should not be working", s)
		}
	}
}

func TestPortState_String(t *testing.T) {
	tests := []struct {
		state    PortState
		expected string
	}{
		{PortStateDisconnected, "disconnected"},
		{PortStateConnected, "connected"},
		{PortStateResetting, "resetting"},
		{PortStateEnumerating, "enumerating"},
		{PortStateEnabled, "enabled"},
		{PortStateOvercurrent, "overcurrent"},
		{PortStateRemoved, "removed"},
		{PortStateError, "error"},
		{PortState(42), "unknown(42)"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("PortState.String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestLocation_String(t *testing.T) {
	tests := []struct {
		loc      Location
		expected string
	}{
		{LocationRootPortReset, "root-port-reset"},
		{LocationHubPortReset, "hub-port-reset"},
		{LocationDeviceDescriptor, "device-descriptor"},
		{LocationHubInit, "hub-init"},
		{LocationHubStatus, "hub-status"},
		{Location(7), "unknown(7)"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.loc.String(); got != tt.expected {
				t.Errorf("Location.String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestEventKind_String(t *testing.T) {
	if got := EventAdded.String(); got != "added" {
		t.Errorf("EventAdded.String() = %q", got)
	}
	if got := EventRemoved.String(); got != "removed" {
		t.Errorf("EventRemoved.String() = %q", got)
	}
	if got := EventKind(5).String(); got != "unknown(5)" {
		t.Errorf("EventKind(5).String() = %q", got)
	}
}

// Paired request/response states report the request they belong to.
func TestMachineState_PairedNames(t *testing.T) {
	pairs := []struct {
		a, b fmtState
	}{
		{enumGetDevPart, enumGotDevPart},
		{enumGetDevFull, enumGotDevFull},
		{enumGetConfigPart, enumGotConfigPart},
		{enumGetConfigFull, enumGotConfigFull},
		{enumGetLangIDs, enumGotLangIDs},
		{enumGetSerial, enumGotSerial},
		{hubInitGetDescriptor, hubInitGotDescriptor},
		{hubInitGetStatus, hubInitGotStatus},
	}
	for _, p := range pairs {
		if p.a.String() != p.b.String() {
			t.Errorf("%q and %q should share a name", p.a.String(), p.b.String())
		}
	}

	if got := resetAwaitComplete.String(); got == resetWaitComplete.String() {
		t.Errorf("await and wait reset states share name %q", got)
	}
	if got := notifyCheckOvercurrent.String(); got != "check-overcurrent" {
		t.Errorf("notifyCheckOvercurrent.String() = %q", got)
	}
	if got := notifyState(200).String(); got != "unknown(200)" {
		t.Errorf("notifyState(200).String() = %q", got)
	}
}

type fmtState interface{ String() string }
