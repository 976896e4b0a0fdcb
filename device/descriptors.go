package device

import (
	"iter"
	"unicode/utf16"

	"github.com/efficientgo/core/errors"

	"github.com/ardnew/moondancer/device/hal"
	"github.com/ardnew/moondancer/pkg"
)

// ResponseKind classifies the answer to a GET_DESCRIPTOR request.
type ResponseKind uint8

// Response kinds.
const (
	// ResponseDescriptor carries descriptor bytes for the data stage.
	ResponseDescriptor ResponseKind = iota
	// ResponseZLP acknowledges with a zero-length data stage.
	ResponseZLP
	// ResponseUnsupported tells the caller to stall the control endpoint.
	ResponseUnsupported
)

// String returns the response kind name.
func (k ResponseKind) String() string {
	switch k {
	case ResponseDescriptor:
		return "Descriptor"
	case ResponseZLP:
		return "ZLP"
	default:
		return "Unsupported"
	}
}

// Response is the answer to one GET_DESCRIPTOR request. Bytes is nil unless
// Kind is ResponseDescriptor.
type Response struct {
	Kind  ResponseKind
	Bytes iter.Seq[byte]
}

// maxStringUnits is the most UTF-16 code units a string descriptor holds
// (bLength is one byte).
const maxStringUnits = (255 - 2) / 2

// Descriptors is the descriptor table the device enumerates with.
//
// Qualifier and OtherSpeed are optional. String index N (N > 0) is
// Strings[N-1]; index 0 is the LanguageIDs list, US English when empty.
type Descriptors struct {
	Device        DeviceDescriptor
	Qualifier     *DeviceQualifierDescriptor
	Configuration *Configuration
	OtherSpeed    *Configuration
	LanguageIDs   []uint16
	Strings       []string
}

// Validate checks the table against the fixed capacities of the stack.
func (d *Descriptors) Validate() error {
	if d.Configuration == nil {
		return errors.Wrap(pkg.ErrNotConfigured, "descriptor table has no configuration")
	}
	switch d.Device.MaxPacketSize0 {
	case 8, 16, 32, 64:
	default:
		return errors.Wrapf(pkg.ErrInvalidParameter, "bMaxPacketSize0 %d", d.Device.MaxPacketSize0)
	}
	if len(d.Strings) > MaxStrings {
		return errors.Wrapf(pkg.ErrInvalidParameter, "%d strings, at most %d", len(d.Strings), MaxStrings)
	}
	if len(d.LanguageIDs) > maxStringUnits {
		return errors.Wrapf(pkg.ErrInvalidParameter, "%d language IDs", len(d.LanguageIDs))
	}
	return nil
}

// Respond answers GET_DESCRIPTOR(typ, index) at the given bus speed. The
// returned sequence yields at most maxLen bytes and may be iterated any
// number of times.
//
// A device qualifier at full or low speed, a missing qualifier or
// other-speed configuration, and a string index past the table are
// answered with a zero-length packet. Every other unknown request is
// unsupported.
func (d *Descriptors) Respond(typ, index uint8, maxLen uint16, speed hal.Speed) Response {
	var seq iter.Seq[byte]

	switch typ {
	case DescriptorTypeDevice:
		if index != 0 {
			return Response{Kind: ResponseUnsupported}
		}
		seq = marshalSeq(d.Device.MarshalTo, DeviceDescriptorSize)

	case DescriptorTypeConfiguration:
		if index != 0 || d.Configuration == nil {
			return Response{Kind: ResponseUnsupported}
		}
		seq = d.Configuration.Bytes(DescriptorTypeConfiguration)

	case DescriptorTypeDeviceQualifier:
		if speed != hal.SpeedHigh || d.Qualifier == nil {
			return Response{Kind: ResponseZLP}
		}
		seq = marshalSeq(d.Qualifier.MarshalTo, DeviceQualifierDescriptorSize)

	case DescriptorTypeOtherSpeedConfig:
		if d.OtherSpeed == nil {
			return Response{Kind: ResponseZLP}
		}
		seq = d.OtherSpeed.Bytes(DescriptorTypeOtherSpeedConfig)

	case DescriptorTypeString:
		switch {
		case index == 0:
			seq = languageDescriptor(d.LanguageIDs)
		case int(index) <= len(d.Strings):
			seq = stringDescriptor(d.Strings[index-1])
		default:
			pkg.LogDebug(pkg.ComponentDescriptor, "string index out of range", "index", index)
			return Response{Kind: ResponseZLP}
		}

	default:
		return Response{Kind: ResponseUnsupported}
	}

	return Response{Kind: ResponseDescriptor, Bytes: limit(seq, int(maxLen))}
}

// marshalSeq adapts a fixed-size MarshalTo into a byte sequence.
func marshalSeq(marshal func([]byte) int, size int) iter.Seq[byte] {
	return func(yield func(byte) bool) {
		var buf [DeviceDescriptorSize]byte
		n := marshal(buf[:size])
		yieldBytes(buf[:n], yield)
	}
}

// limit truncates seq to n bytes.
func limit(seq iter.Seq[byte], n int) iter.Seq[byte] {
	return func(yield func(byte) bool) {
		if n <= 0 {
			return
		}
		count := 0
		for b := range seq {
			if !yield(b) {
				return
			}
			count++
			if count == n {
				return
			}
		}
	}
}

// stringDescriptor encodes s as a UTF-16LE string descriptor. Strings
// longer than a descriptor can hold are cut on a code point boundary.
func stringDescriptor(s string) iter.Seq[byte] {
	return func(yield func(byte) bool) {
		units := 0
		for _, r := range s {
			n := utf16.RuneLen(r)
			if n < 0 {
				n = 1
			}
			if units+n > maxStringUnits {
				break
			}
			units += n
		}
		if !yield(byte(2+2*units)) || !yield(DescriptorTypeString) {
			return
		}

		emitted := 0
		put := func(u uint16) bool {
			emitted++
			return yield(byte(u)) && yield(byte(u>>8))
		}
		for _, r := range s {
			if utf16.RuneLen(r) == 2 {
				if emitted+2 > units {
					return
				}
				r1, r2 := utf16.EncodeRune(r)
				if !put(uint16(r1)) || !put(uint16(r2)) {
					return
				}
				continue
			}
			if emitted+1 > units {
				return
			}
			if utf16.RuneLen(r) < 0 {
				r = 0xFFFD
			}
			if !put(uint16(r)) {
				return
			}
		}
	}
}

// languageDescriptor encodes string descriptor zero.
func languageDescriptor(ids []uint16) iter.Seq[byte] {
	if len(ids) == 0 {
		ids = []uint16{LangIDUSEnglish}
	}
	return func(yield func(byte) bool) {
		if !yield(byte(2+2*len(ids))) || !yield(DescriptorTypeString) {
			return
		}
		for _, id := range ids {
			if !yield(byte(id)) || !yield(byte(id>>8)) {
				return
			}
		}
	}
}
