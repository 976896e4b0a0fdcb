package device

import (
	"iter"

	"github.com/efficientgo/core/errors"

	"github.com/ardnew/moondancer/pkg"
)

// Interface is one interface of a configuration with its endpoints.
type Interface struct {
	Descriptor InterfaceDescriptor
	Endpoints  []EndpointDescriptor
}

// Configuration is the single configuration the device exposes. The header
// fields that depend on the sub-descriptors are computed once by
// [NewConfiguration] and never recomputed per request.
type Configuration struct {
	header     ConfigurationDescriptor
	interfaces []Interface
}

// NewConfiguration builds a configuration from its header and interfaces.
// bNumInterfaces, wTotalLength and each interface's bNumEndpoints are
// derived from the arguments, and bConfigurationValue is always 1; whatever
// the caller put there is ignored.
func NewConfiguration(header ConfigurationDescriptor, interfaces ...Interface) (*Configuration, error) {
	if len(interfaces) > MaxInterfacesPerConfiguration {
		return nil, errors.Wrapf(pkg.ErrInvalidParameter, "%d interfaces, at most %d", len(interfaces), MaxInterfacesPerConfiguration)
	}

	total := ConfigurationDescriptorSize
	ifaces := make([]Interface, len(interfaces))
	for i, iface := range interfaces {
		if len(iface.Endpoints) > MaxEndpointsPerInterface {
			return nil, errors.Wrapf(pkg.ErrInvalidParameter, "interface %d has %d endpoints", i, len(iface.Endpoints))
		}
		for _, ep := range iface.Endpoints {
			if ep.Number() == 0 {
				return nil, errors.Wrapf(pkg.ErrInvalidEndpoint, "interface %d declares endpoint 0", i)
			}
		}
		ifaces[i] = Interface{
			Descriptor: iface.Descriptor,
			Endpoints:  append([]EndpointDescriptor(nil), iface.Endpoints...),
		}
		ifaces[i].Descriptor.NumEndpoints = uint8(len(iface.Endpoints))
		total += InterfaceDescriptorSize + len(iface.Endpoints)*EndpointDescriptorSize
	}
	if total > 0xFFFF {
		return nil, errors.Wrapf(pkg.ErrInvalidParameter, "configuration is %d bytes", total)
	}

	header.TotalLength = uint16(total)
	header.NumInterfaces = uint8(len(interfaces))
	header.ConfigurationValue = 1
	header.Attributes |= ConfigAttrBusPowered

	return &Configuration{header: header, interfaces: ifaces}, nil
}

// Descriptor returns the configuration header.
func (c *Configuration) Descriptor() ConfigurationDescriptor {
	return c.header
}

// TotalLength returns the cached wTotalLength.
func (c *Configuration) TotalLength() uint16 {
	return c.header.TotalLength
}

// NumInterfaces returns the cached bNumInterfaces.
func (c *Configuration) NumInterfaces() uint8 {
	return c.header.NumInterfaces
}

// Value returns bConfigurationValue.
func (c *Configuration) Value() uint8 {
	return c.header.ConfigurationValue
}

// Interfaces returns the interfaces in declaration order.
func (c *Configuration) Interfaces() []Interface {
	return c.interfaces
}

// Endpoints yields every endpoint descriptor of every interface.
func (c *Configuration) Endpoints() iter.Seq[EndpointDescriptor] {
	return func(yield func(EndpointDescriptor) bool) {
		for _, iface := range c.interfaces {
			for _, ep := range iface.Endpoints {
				if !yield(ep) {
					return
				}
			}
		}
	}
}

// HasInterface reports whether an interface number is part of the configuration.
func (c *Configuration) HasInterface(number uint8) bool {
	for _, iface := range c.interfaces {
		if iface.Descriptor.InterfaceNumber == number {
			return true
		}
	}
	return false
}

// Bytes yields the full configuration: header, then each interface followed
// by its endpoints. descType selects a configuration or an other-speed
// configuration header.
func (c *Configuration) Bytes(descType uint8) iter.Seq[byte] {
	return func(yield func(byte) bool) {
		var buf [ConfigurationDescriptorSize]byte

		header := c.header
		header.DescriptorType = descType
		n := header.MarshalTo(buf[:])
		if !yieldBytes(buf[:n], yield) {
			return
		}
		for i := range c.interfaces {
			n = c.interfaces[i].Descriptor.MarshalTo(buf[:])
			if !yieldBytes(buf[:n], yield) {
				return
			}
			for j := range c.interfaces[i].Endpoints {
				n = c.interfaces[i].Endpoints[j].MarshalTo(buf[:])
				if !yieldBytes(buf[:n], yield) {
					return
				}
			}
		}
	}
}

func yieldBytes(b []byte, yield func(byte) bool) bool {
	for _, v := range b {
		if !yield(v) {
			return false
		}
	}
	return true
}
