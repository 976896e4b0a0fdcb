package device

import (
	"encoding/binary"

	"github.com/ardnew/moondancer/pkg"
)

// Descriptor types carried in the high byte of a GET_DESCRIPTOR wValue.
const (
	DescriptorTypeDevice           = 0x01
	DescriptorTypeConfiguration    = 0x02
	DescriptorTypeString           = 0x03
	DescriptorTypeInterface        = 0x04
	DescriptorTypeEndpoint         = 0x05
	DescriptorTypeDeviceQualifier  = 0x06
	DescriptorTypeOtherSpeedConfig = 0x07
	DescriptorTypeInterfacePower   = 0x08
	DescriptorTypeBOS              = 0x0F
)

// Class codes a descriptor table may name.
const (
	ClassPerInterface = 0x00
	ClassHID          = 0x03
	ClassMisc         = 0xEF
	ClassVendor       = 0xFF
)

// Transfer types, bits 0..1 of an endpoint's bmAttributes.
const (
	EndpointTypeControl     = 0x00
	EndpointTypeIsochronous = 0x01
	EndpointTypeBulk        = 0x02
	EndpointTypeInterrupt   = 0x03
)

// Encoded sizes of the fixed-layout descriptors.
const (
	DeviceDescriptorSize          = 18
	DeviceQualifierDescriptorSize = 10
	ConfigurationDescriptorSize   = 9
	InterfaceDescriptorSize       = 9
	EndpointDescriptorSize        = 7
)

// Configuration bmAttributes bits. Bit 7 must always be set.
const (
	ConfigAttrBusPowered   = 0x80
	ConfigAttrSelfPowered  = 0x40
	ConfigAttrRemoteWakeup = 0x20
)

// LangIDUSEnglish is the language ID for US English.
const LangIDUSEnglish = 0x0409

// The descriptor structs below are laid out field for field in wire order,
// so encoding/binary can move them in and out of a buffer directly. Length
// and DescriptorType are overwritten on encode.

// DeviceDescriptor is the device descriptor returned for index 0.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USBVersion        uint16 // BCD
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16 // BCD
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// DeviceQualifierDescriptor describes how a high-speed capable device would
// enumerate at its other speed.
type DeviceQualifierDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	NumConfigurations uint8
	Reserved          uint8
}

// ConfigurationDescriptor is the header of a configuration. Other-speed
// configurations share the layout under a different type.
type ConfigurationDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16 // header plus every descriptor that follows it
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8 // 2 mA units
}

type InterfaceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8 // not counting EP0
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8
}

type EndpointDescriptor struct {
	Length          uint8
	DescriptorType  uint8
	EndpointAddress uint8 // bit 7 set for IN
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
}

// encodeDescriptor writes d, a wire-ordered descriptor value, into buf and
// reports the byte count, or 0 when buf cannot hold size bytes.
func encodeDescriptor(buf []byte, size int, d any) int {
	if len(buf) < size {
		return 0
	}
	n, err := binary.Encode(buf[:size], binary.LittleEndian, d)
	if err != nil {
		return 0
	}
	return n
}

// decodeDescriptor fills out from data after checking the length and that
// byte 1 holds one of the accepted types.
func decodeDescriptor(data []byte, size int, out any, types ...uint8) error {
	if len(data) < size {
		return pkg.ErrDescriptorTooShort
	}
	matched := false
	for _, t := range types {
		matched = matched || data[1] == t
	}
	if !matched {
		return pkg.ErrDescriptorTypeMismatch
	}
	_, err := binary.Decode(data[:size], binary.LittleEndian, out)
	return err
}

// MarshalTo encodes the descriptor into buf, returning 0 if buf is short.
func (d *DeviceDescriptor) MarshalTo(buf []byte) int {
	w := *d
	w.Length, w.DescriptorType = DeviceDescriptorSize, DescriptorTypeDevice
	return encodeDescriptor(buf, DeviceDescriptorSize, &w)
}

// Qualifier derives the qualifier a high-speed device reports. Every field
// is taken from the device descriptor.
func (d *DeviceDescriptor) Qualifier() DeviceQualifierDescriptor {
	return DeviceQualifierDescriptor{
		USBVersion:        d.USBVersion,
		DeviceClass:       d.DeviceClass,
		DeviceSubClass:    d.DeviceSubClass,
		DeviceProtocol:    d.DeviceProtocol,
		MaxPacketSize0:    d.MaxPacketSize0,
		NumConfigurations: d.NumConfigurations,
	}
}

func ParseDeviceDescriptor(data []byte, out *DeviceDescriptor) error {
	return decodeDescriptor(data, DeviceDescriptorSize, out, DescriptorTypeDevice)
}

// MarshalTo encodes the qualifier into buf with a zero reserved byte.
func (q *DeviceQualifierDescriptor) MarshalTo(buf []byte) int {
	w := *q
	w.Length, w.DescriptorType, w.Reserved = DeviceQualifierDescriptorSize, DescriptorTypeDeviceQualifier, 0
	return encodeDescriptor(buf, DeviceQualifierDescriptorSize, &w)
}

func ParseDeviceQualifierDescriptor(data []byte, out *DeviceQualifierDescriptor) error {
	return decodeDescriptor(data, DeviceQualifierDescriptorSize, out, DescriptorTypeDeviceQualifier)
}

// MarshalTo encodes the header into buf. A zero DescriptorType encodes as
// a plain configuration.
func (c *ConfigurationDescriptor) MarshalTo(buf []byte) int {
	w := *c
	w.Length = ConfigurationDescriptorSize
	if w.DescriptorType == 0 {
		w.DescriptorType = DescriptorTypeConfiguration
	}
	return encodeDescriptor(buf, ConfigurationDescriptorSize, &w)
}

// ParseConfigurationDescriptor accepts both the configuration and the
// other-speed configuration type.
func ParseConfigurationDescriptor(data []byte, out *ConfigurationDescriptor) error {
	return decodeDescriptor(data, ConfigurationDescriptorSize, out,
		DescriptorTypeConfiguration, DescriptorTypeOtherSpeedConfig)
}

func (i *InterfaceDescriptor) MarshalTo(buf []byte) int {
	w := *i
	w.Length, w.DescriptorType = InterfaceDescriptorSize, DescriptorTypeInterface
	return encodeDescriptor(buf, InterfaceDescriptorSize, &w)
}

func ParseInterfaceDescriptor(data []byte, out *InterfaceDescriptor) error {
	return decodeDescriptor(data, InterfaceDescriptorSize, out, DescriptorTypeInterface)
}

func (e *EndpointDescriptor) MarshalTo(buf []byte) int {
	w := *e
	w.Length, w.DescriptorType = EndpointDescriptorSize, DescriptorTypeEndpoint
	return encodeDescriptor(buf, EndpointDescriptorSize, &w)
}

func ParseEndpointDescriptor(data []byte, out *EndpointDescriptor) error {
	return decodeDescriptor(data, EndpointDescriptorSize, out, DescriptorTypeEndpoint)
}

// Number strips the direction bit from the endpoint address.
func (e *EndpointDescriptor) Number() uint8 {
	return e.EndpointAddress & 0x0F
}
