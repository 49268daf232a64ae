package hal

// SetupPacket represents a USB SETUP packet.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// Standard request codes.
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
)

// Request types (bmRequestType).
const (
	RequestTypeOut       = 0x00 // Host to device
	RequestTypeIn        = 0x80 // Device to host
	RequestTypeStandard  = 0x00 // Standard request
	RequestTypeClass     = 0x20 // Class-specific request
	RequestTypeVendor    = 0x40 // Vendor-specific request
	RequestTypeDevice    = 0x00 // Recipient: device
	RequestTypeInterface = 0x01 // Recipient: interface
	RequestTypeEndpoint  = 0x02 // Recipient: endpoint
	RequestTypeOther     = 0x03 // Recipient: other (hub port)

	requestTypeDirMask       = 0x80
	requestTypeTypeMask      = 0x60
	requestTypeRecipientMask = 0x1F
)

// ParseSetupPacket parses raw bytes into a SetupPacket.
// Returns false if data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = uint16(data[2]) | uint16(data[3])<<8
	out.Index = uint16(data[4]) | uint16(data[5])<<8
	out.Length = uint16(data[6]) | uint16(data[7])<<8
	return true
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	buf[2] = byte(s.Value)
	buf[3] = byte(s.Value >> 8)
	buf[4] = byte(s.Index)
	buf[5] = byte(s.Index >> 8)
	buf[6] = byte(s.Length)
	buf[7] = byte(s.Length >> 8)
	return SetupPacketSize
}

// IsIn reports a device-to-host data stage.
func (s *SetupPacket) IsIn() bool { return s.RequestType&requestTypeDirMask == RequestTypeIn }

// IsClass reports a class-specific request.
func (s *SetupPacket) IsClass() bool {
	return s.RequestType&requestTypeTypeMask == RequestTypeClass
}

// Recipient returns the recipient field of bmRequestType.
func (s *SetupPacket) Recipient() uint8 { return s.RequestType & requestTypeRecipientMask }

// DescriptorType returns the descriptor type of a GET_DESCRIPTOR request.
func (s *SetupPacket) DescriptorType() uint8 { return uint8(s.Value >> 8) }

// DescriptorIndex returns the descriptor index of a GET_DESCRIPTOR request.
func (s *SetupPacket) DescriptorIndex() uint8 { return uint8(s.Value) }

// GetDescriptor builds a standard GET_DESCRIPTOR request.
func GetDescriptor(descType, index uint8, langID, length uint16) SetupPacket {
	return SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(descType)<<8 | uint16(index),
		Index:       langID,
		Length:      length,
	}
}

// SetAddress builds a SET_ADDRESS request.
func SetAddress(addr DeviceAddress) SetupPacket {
	return SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetAddress,
		Value:       uint16(addr),
	}
}

// SetConfiguration builds a SET_CONFIGURATION request.
func SetConfiguration(value uint8) SetupPacket {
	return SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetConfiguration,
		Value:       uint16(value),
	}
}

// GetDeviceStatus builds a standard GET_STATUS(device) request.
func GetDeviceStatus() SetupPacket {
	return SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetStatus,
		Length:      2,
	}
}

// GetHubDescriptor builds a hub class GET_DESCRIPTOR(HUB) request.
func GetHubDescriptor(length uint16) SetupPacket {
	return SetupPacket{
		RequestType: RequestTypeIn | RequestTypeClass | RequestTypeDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(DescriptorTypeHub) << 8,
		Length:      length,
	}
}

// GetHubStatus builds a hub class GET_STATUS(hub) request.
func GetHubStatus() SetupPacket {
	return SetupPacket{
		RequestType: RequestTypeIn | RequestTypeClass | RequestTypeDevice,
		Request:     RequestGetStatus,
		Length:      PortStatusSize,
	}
}

// ClearHubFeature builds a hub class CLEAR_FEATURE(hub) request.
func ClearHubFeature(feature uint16) SetupPacket {
	return SetupPacket{
		RequestType: RequestTypeOut | RequestTypeClass | RequestTypeDevice,
		Request:     RequestClearFeature,
		Value:       feature,
	}
}

// GetPortStatus builds a hub class GET_STATUS(port) request.
func GetPortStatus(port int) SetupPacket {
	return SetupPacket{
		RequestType: RequestTypeIn | RequestTypeClass | RequestTypeOther,
		Request:     RequestGetStatus,
		Index:       uint16(port),
		Length:      PortStatusSize,
	}
}

// SetPortFeature builds a hub class SET_FEATURE(port) request.
func SetPortFeature(port int, feature uint16) SetupPacket {
	return SetupPacket{
		RequestType: RequestTypeOut | RequestTypeClass | RequestTypeOther,
		Request:     RequestSetFeature,
		Value:       feature,
		Index:       uint16(port),
	}
}

// ClearPortFeature builds a hub class CLEAR_FEATURE(port) request.
func ClearPortFeature(port int, feature uint16) SetupPacket {
	return SetupPacket{
		RequestType: RequestTypeOut | RequestTypeClass | RequestTypeOther,
		Request:     RequestClearFeature,
		Value:       feature,
		Index:       uint16(port),
	}
}
