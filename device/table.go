package device

import (
	"github.com/efficientgo/core/errors"
	"github.com/mitchellh/mapstructure"

	"github.com/ardnew/moondancer/pkg"
)

// DescriptorTable is the configuration-file form of [Descriptors]. Keys use
// the json tag names.
type DescriptorTable struct {
	Device        DeviceTable        `json:"device"`
	Strings       StringTable        `json:"strings"`
	Configuration ConfigurationTable `json:"configuration"`

	// Qualifier reports a device qualifier derived from the device section.
	Qualifier bool `json:"qualifier"`
	// OtherSpeed reports the configuration again as the other-speed configuration.
	OtherSpeed bool `json:"other_speed"`
}

// DeviceTable holds the device descriptor fields.
type DeviceTable struct {
	USBVersion     uint16 `json:"usb_version"`
	Class          uint8  `json:"class"`
	SubClass       uint8  `json:"subclass"`
	Protocol       uint8  `json:"protocol"`
	MaxPacketSize0 uint8  `json:"max_packet_size0"`
	VendorID       uint16 `json:"vendor_id"`
	ProductID      uint16 `json:"product_id"`
	DeviceVersion  uint16 `json:"device_version"`
}

// StringTable holds the string descriptors. Manufacturer, product and serial
// occupy indices 1-3 when set; Extra follow in order.
type StringTable struct {
	Languages    []uint16 `json:"languages"`
	Manufacturer string   `json:"manufacturer"`
	Product      string   `json:"product"`
	Serial       string   `json:"serial"`
	Extra        []string `json:"extra"`
}

// ConfigurationTable holds the single configuration.
type ConfigurationTable struct {
	Attributes uint8            `json:"attributes"`
	MaxPower   uint8            `json:"max_power"`
	Interfaces []InterfaceTable `json:"interfaces"`
}

// InterfaceTable holds one interface and its endpoints.
type InterfaceTable struct {
	Number    uint8           `json:"number"`
	Class     uint8           `json:"class"`
	SubClass  uint8           `json:"subclass"`
	Protocol  uint8           `json:"protocol"`
	Endpoints []EndpointTable `json:"endpoints"`
}

// EndpointTable holds one endpoint descriptor.
type EndpointTable struct {
	Address       uint8  `json:"address"`
	Type          uint8  `json:"type"`
	MaxPacketSize uint16 `json:"max_packet_size"`
	Interval      uint8  `json:"interval"`
}

// DecodeDescriptorTable decodes raw configuration data, typically a viper
// sub-tree, into a DescriptorTable.
func DecodeDescriptorTable(raw any) (*DescriptorTable, error) {
	var table DescriptorTable
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &table,
		TagName:          "json",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, errors.Wrap(err, "decode descriptor table")
	}
	return &table, nil
}

// Descriptors builds and validates the descriptor set the table describes.
func (t *DescriptorTable) Descriptors() (*Descriptors, error) {
	d := &Descriptors{
		Device: DeviceDescriptor{
			USBVersion:        t.Device.USBVersion,
			DeviceClass:       t.Device.Class,
			DeviceSubClass:    t.Device.SubClass,
			DeviceProtocol:    t.Device.Protocol,
			MaxPacketSize0:    t.Device.MaxPacketSize0,
			VendorID:          t.Device.VendorID,
			ProductID:         t.Device.ProductID,
			DeviceVersion:     t.Device.DeviceVersion,
			NumConfigurations: 1,
		},
		LanguageIDs: t.Strings.Languages,
	}
	if d.Device.USBVersion == 0 {
		d.Device.USBVersion = 0x0200
	}
	if d.Device.MaxPacketSize0 == 0 {
		d.Device.MaxPacketSize0 = 64
	}

	for _, s := range []struct {
		value string
		index *uint8
	}{
		{t.Strings.Manufacturer, &d.Device.ManufacturerIndex},
		{t.Strings.Product, &d.Device.ProductIndex},
		{t.Strings.Serial, &d.Device.SerialNumberIndex},
	} {
		if s.value == "" {
			continue
		}
		d.Strings = append(d.Strings, s.value)
		*s.index = uint8(len(d.Strings))
	}
	d.Strings = append(d.Strings, t.Strings.Extra...)

	interfaces := make([]Interface, 0, len(t.Configuration.Interfaces))
	for _, it := range t.Configuration.Interfaces {
		iface := Interface{
			Descriptor: InterfaceDescriptor{
				InterfaceNumber:   it.Number,
				InterfaceClass:    it.Class,
				InterfaceSubClass: it.SubClass,
				InterfaceProtocol: it.Protocol,
			},
		}
		for _, et := range it.Endpoints {
			if et.MaxPacketSize > PacketSlotSize {
				return nil, errors.Wrapf(pkg.ErrInvalidParameter, "endpoint 0x%02X max packet size %d", et.Address, et.MaxPacketSize)
			}
			iface.Endpoints = append(iface.Endpoints, EndpointDescriptor{
				EndpointAddress: et.Address,
				Attributes:      et.Type & 0x03,
				MaxPacketSize:   et.MaxPacketSize,
				Interval:        et.Interval,
			})
		}
		interfaces = append(interfaces, iface)
	}

	config, err := NewConfiguration(ConfigurationDescriptor{
		ConfigurationValue: 1,
		Attributes:         t.Configuration.Attributes,
		MaxPower:           t.Configuration.MaxPower,
	}, interfaces...)
	if err != nil {
		return nil, errors.Wrap(err, "build configuration")
	}
	d.Configuration = config

	if t.Qualifier {
		q := d.Device.Qualifier()
		d.Qualifier = &q
	}
	if t.OtherSpeed {
		d.OtherSpeed = config
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}
