package device

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/moondancer/device/hal"
	"github.com/ardnew/moondancer/pkg"
)

// Standard bRequest codes.
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestSetDescriptor    = 0x07
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestGetInterface     = 0x0A
	RequestSetInterface     = 0x0B
	RequestSynchFrame       = 0x0C
)

// Feature selectors for SET_FEATURE and CLEAR_FEATURE.
const (
	FeatureEndpointHalt       = 0x00
	FeatureDeviceRemoteWakeup = 0x01
	FeatureTestMode           = 0x02
)

// Layout of bmRequestType: direction in bit 7, type in bits 5..6 and the
// recipient in bits 0..4.
const (
	RequestTypeDirectionMask = 0x80
	RequestTypeTypeMask      = 0x60
	RequestTypeRecipientMask = 0x1F

	RequestDirectionHostToDevice = 0x00
	RequestDirectionDeviceToHost = 0x80
)

type RequestType uint8

const (
	RequestTypeStandard RequestType = 0x00
	RequestTypeClass    RequestType = 0x20
	RequestTypeVendor   RequestType = 0x40
	RequestTypeReserved RequestType = 0x60
)

var requestTypeNames = [...]string{"Standard", "Class", "Vendor", "Reserved"}

func (t RequestType) String() string {
	return requestTypeNames[(t&RequestTypeTypeMask)>>5]
}

type Recipient uint8

const (
	RequestRecipientDevice    Recipient = 0x00
	RequestRecipientInterface Recipient = 0x01
	RequestRecipientEndpoint  Recipient = 0x02
	RequestRecipientOther     Recipient = 0x03
)

var recipientNames = [...]string{"Device", "Interface", "Endpoint", "Other"}

func (r Recipient) String() string {
	if int(r) < len(recipientNames) {
		return recipientNames[r]
	}
	return fmt.Sprintf("Reserved(%d)", uint8(r))
}

// StandardRequest is a bRequest code read as one of the chapter 9 requests.
type StandardRequest uint8

var standardRequestNames = [...]string{
	RequestGetStatus:        "GET_STATUS",
	RequestClearFeature:     "CLEAR_FEATURE",
	RequestSetFeature:       "SET_FEATURE",
	RequestSetAddress:       "SET_ADDRESS",
	RequestGetDescriptor:    "GET_DESCRIPTOR",
	RequestSetDescriptor:    "SET_DESCRIPTOR",
	RequestGetConfiguration: "GET_CONFIGURATION",
	RequestSetConfiguration: "SET_CONFIGURATION",
	RequestGetInterface:     "GET_INTERFACE",
	RequestSetInterface:     "SET_INTERFACE",
	RequestSynchFrame:       "SYNCH_FRAME",
}

func (r StandardRequest) defined() bool {
	return int(r) < len(standardRequestNames) && standardRequestNames[r] != ""
}

func (r StandardRequest) String() string {
	if r.defined() {
		return standardRequestNames[r]
	}
	return fmt.Sprintf("REQUEST_0x%02X", uint8(r))
}

// SetupPacket is the eight byte request that opens every control transfer.
// Its fields are in wire order.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16 // bytes in the data stage
}

const SetupPacketSize = 8

// ParseSetupPacket decodes the first eight bytes of data into out.
func ParseSetupPacket(data []byte, out *SetupPacket) error {
	if len(data) < SetupPacketSize {
		return pkg.ErrSetupPacketTooShort
	}
	_, err := binary.Decode(data[:SetupPacketSize], binary.LittleEndian, out)
	return err
}

// MarshalTo encodes the packet into buf, returning 0 if buf is short.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	n, err := binary.Encode(buf[:SetupPacketSize], binary.LittleEndian, s)
	if err != nil {
		return 0
	}
	return n
}

// Direction of the data stage. Device-to-host is IN.
func (s *SetupPacket) Direction() hal.Direction {
	if s.RequestType&RequestTypeDirectionMask == RequestDirectionDeviceToHost {
		return hal.DirectionIn
	}
	return hal.DirectionOut
}

func (s *SetupPacket) IsDeviceToHost() bool { return s.Direction() == hal.DirectionIn }
func (s *SetupPacket) IsHostToDevice() bool { return s.Direction() == hal.DirectionOut }

func (s *SetupPacket) Type() RequestType {
	return RequestType(s.RequestType & RequestTypeTypeMask)
}

func (s *SetupPacket) Recipient() Recipient {
	return Recipient(s.RequestType & RequestTypeRecipientMask)
}

// StandardRequest reports bRequest as a standard request. ok is false for
// class, vendor and reserved types and for undefined codes.
func (s *SetupPacket) StandardRequest() (r StandardRequest, ok bool) {
	if s.Type() != RequestTypeStandard {
		return 0, false
	}
	r = StandardRequest(s.Request)
	return r, r.defined()
}

// DescriptorType and DescriptorIndex split wValue of a GET_DESCRIPTOR.
func (s *SetupPacket) DescriptorType() uint8  { return uint8(s.Value >> 8) }
func (s *SetupPacket) DescriptorIndex() uint8 { return uint8(s.Value) }

// InterfaceNumber and EndpointAddress read the low byte of wIndex.
func (s *SetupPacket) InterfaceNumber() uint8 { return uint8(s.Index) }
func (s *SetupPacket) EndpointAddress() uint8 { return uint8(s.Index) }

func (s *SetupPacket) String() string {
	name := fmt.Sprintf("0x%02X", s.Request)
	if r, ok := s.StandardRequest(); ok {
		name = r.String()
	}
	return fmt.Sprintf("SETUP[%s %s %s] Request=%s Value=0x%04X Index=0x%04X Length=%d",
		s.Direction(), s.Type(), s.Recipient(), name, s.Value, s.Index, s.Length)
}

func requestType(dir uint8, typ RequestType, recipient Recipient) uint8 {
	return dir | uint8(typ) | uint8(recipient)
}

// standard overwrites every field of out with a standard request.
func standard(out *SetupPacket, dir uint8, to Recipient, req uint8, value, index, length uint16) {
	*out = SetupPacket{
		RequestType: requestType(dir, RequestTypeStandard, to),
		Request:     req,
		Value:       value,
		Index:       index,
		Length:      length,
	}
}

// The builders below fill out with the standard request a host sends
// while enumerating and configuring a device.

func GetDescriptorSetup(out *SetupPacket, descType, descIndex uint8, length uint16) {
	standard(out, RequestDirectionDeviceToHost, RequestRecipientDevice,
		RequestGetDescriptor, uint16(descType)<<8|uint16(descIndex), 0, length)
}

func GetSetAddressSetup(out *SetupPacket, address uint8) {
	standard(out, RequestDirectionHostToDevice, RequestRecipientDevice,
		RequestSetAddress, uint16(address), 0, 0)
}

func GetSetConfigurationSetup(out *SetupPacket, config uint8) {
	standard(out, RequestDirectionHostToDevice, RequestRecipientDevice,
		RequestSetConfiguration, uint16(config), 0, 0)
}

func GetConfigurationSetup(out *SetupPacket) {
	standard(out, RequestDirectionDeviceToHost, RequestRecipientDevice,
		RequestGetConfiguration, 0, 0, 1)
}

func GetStatusSetup(out *SetupPacket, recipient Recipient, index uint16) {
	standard(out, RequestDirectionDeviceToHost, recipient, RequestGetStatus, 0, index, 2)
}

func GetSetFeatureSetup(out *SetupPacket, recipient Recipient, feature, index uint16) {
	standard(out, RequestDirectionHostToDevice, recipient, RequestSetFeature, feature, index, 0)
}

func GetClearFeatureSetup(out *SetupPacket, recipient Recipient, feature, index uint16) {
	standard(out, RequestDirectionHostToDevice, recipient, RequestClearFeature, feature, index, 0)
}

func GetSetInterfaceSetup(out *SetupPacket, interfaceNum, alternateSetting uint8) {
	standard(out, RequestDirectionHostToDevice, RequestRecipientInterface,
		RequestSetInterface, uint16(alternateSetting), uint16(interfaceNum), 0)
}

func GetInterfaceSetup(out *SetupPacket, interfaceNum uint8) {
	standard(out, RequestDirectionDeviceToHost, RequestRecipientInterface,
		RequestGetInterface, 0, uint16(interfaceNum), 1)
}
