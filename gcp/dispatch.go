package gcp

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/efficientgo/core/errors"

	"github.com/ardnew/moondancer/device"
	"github.com/ardnew/moondancer/device/hal"
	"github.com/ardnew/moondancer/pkg"
)

// ClassMoondancer is the class number of the device controller verbs.
const ClassMoondancer uint32 = 0x0120

// Verb numbers within [ClassMoondancer].
type Verb uint32

const (
	VerbConnect Verb = iota
	VerbDisconnect
	VerbBusReset
	VerbSetAddress
	VerbConfigureEndpoints
	VerbStallEndpointIn
	VerbStallEndpointOut
	VerbClearFeatureEndpointHalt
	VerbReadEndpoint
	VerbWriteEndpoint
	VerbEpOutPrimeReceive
	VerbGetInterruptEvents
	VerbGetNakStatus
	VerbReadControl

	numVerbs
)

var verbNames = [numVerbs]string{
	VerbConnect:                  "connect",
	VerbDisconnect:               "disconnect",
	VerbBusReset:                 "bus_reset",
	VerbSetAddress:               "set_address",
	VerbConfigureEndpoints:       "configure_endpoints",
	VerbStallEndpointIn:          "stall_endpoint_in",
	VerbStallEndpointOut:         "stall_endpoint_out",
	VerbClearFeatureEndpointHalt: "clear_feature_endpoint_halt",
	VerbReadEndpoint:             "read_endpoint",
	VerbWriteEndpoint:            "write_endpoint",
	VerbEpOutPrimeReceive:        "ep_out_prime_receive",
	VerbGetInterruptEvents:       "get_interrupt_events",
	VerbGetNakStatus:             "get_nak_status",
	VerbReadControl:              "read_control",
}

// String returns the verb name used on the host side.
func (v Verb) String() string {
	if v < numVerbs {
		return verbNames[v]
	}
	return fmt.Sprintf("verb_%d", uint32(v))
}

// Device is the controller surface the verbs drive. [*device.Stack]
// implements it.
type Device interface {
	Connect(maxPacketSize0 uint16, speed hal.Speed) error
	Disconnect()
	BusReset()
	SetAddress(address uint8, deferred bool) error
	ConfigureEndpoints(cfgs ...device.EndpointConfig) error
	StallEndpoint(ep uint8, dir hal.Direction) error
	ClearHalt(ep uint8, dir hal.Direction) error
	PrimeReceive(ep uint8) error
	ReadEndpoint(ep uint8) (device.Packet, bool)
	WriteEndpoint(ctx context.Context, ep uint8, data []byte, blocking bool) (int, error)
	InterruptEvents(dst []device.LoggedEvent) []device.LoggedEvent
	NakStatus() uint16
	ReadControl() (*device.Request, bool)
}

var _ Device = (*device.Stack)(nil)

// Argument layouts. encoding/binary packs these without padding.
type (
	connectArgs struct {
		MaxPacketSize0 uint16
		Speed          uint8
	}
	setAddressArgs struct {
		Address  uint8
		Deferred uint8
	}
	endpointArgs struct {
		Endpoint uint8
	}
	clearHaltArgs struct {
		Endpoint  uint8
		Direction uint8
	}
	writeArgs struct {
		Endpoint uint8
		Blocking uint8
	}
	endpointEntry struct {
		Address       uint8
		MaxPacketSize uint16
	}
	controlHeader struct {
		Setup  [device.SetupPacketSize]byte
		Length uint16
	}
)

var (
	writeArgsSize     = binary.Size(writeArgs{})
	endpointEntrySize = binary.Size(endpointEntry{})
)

// Dispatcher decodes verb arguments, calls the device and encodes the
// response. Calls are serialized by the device's own locking.
type Dispatcher struct {
	dev     Device
	metrics *pkg.Metrics
}

// NewDispatcher creates a dispatcher for dev. A nil metrics is replaced by
// an unregistered set.
func NewDispatcher(dev Device, metrics *pkg.Metrics) *Dispatcher {
	if metrics == nil {
		metrics = pkg.NewMetrics(nil)
	}
	return &Dispatcher{dev: dev, metrics: metrics}
}

// Dispatch runs one verb. The response is appended to resp[:0]. A failed
// write_endpoint still returns the count written before the failure.
func (d *Dispatcher) Dispatch(ctx context.Context, class, verb uint32, args, resp []byte) ([]byte, error) {
	resp = resp[:0]
	v := Verb(verb)

	var err error
	if class != ClassMoondancer || v >= numVerbs {
		err = errors.Wrapf(pkg.ErrNotSupported, "class 0x%04X verb %d", class, verb)
	} else {
		resp, err = d.call(ctx, v, args, resp)
	}

	code := CodeOf(err)
	d.metrics.RPCCalls.WithLabelValues(v.String(), code.String()).Inc()
	if err != nil {
		pkg.LogDebug(pkg.ComponentRPC, "verb failed", "verb", v, "code", code, "err", err)
	}
	return resp, err
}

func (d *Dispatcher) call(ctx context.Context, v Verb, args, resp []byte) ([]byte, error) {
	switch v {
	case VerbConnect:
		var a connectArgs
		if err := decode(args, &a); err != nil {
			return resp, err
		}
		speed := hal.Speed(a.Speed)
		if !speed.Valid() {
			return resp, errors.Wrapf(pkg.ErrInvalidParameter, "speed %d", a.Speed)
		}
		return resp, d.dev.Connect(a.MaxPacketSize0, speed)

	case VerbDisconnect:
		if err := decode(args); err != nil {
			return resp, err
		}
		d.dev.Disconnect()
		return resp, nil

	case VerbBusReset:
		if err := decode(args); err != nil {
			return resp, err
		}
		d.dev.BusReset()
		return resp, nil

	case VerbSetAddress:
		var a setAddressArgs
		if err := decode(args, &a); err != nil {
			return resp, err
		}
		return resp, d.dev.SetAddress(a.Address, a.Deferred != 0)

	case VerbConfigureEndpoints:
		return resp, d.configureEndpoints(args)

	case VerbStallEndpointIn, VerbStallEndpointOut:
		var a endpointArgs
		if err := decode(args, &a); err != nil {
			return resp, err
		}
		dir := hal.DirectionIn
		if v == VerbStallEndpointOut {
			dir = hal.DirectionOut
		}
		return resp, d.dev.StallEndpoint(a.Endpoint, dir)

	case VerbClearFeatureEndpointHalt:
		var a clearHaltArgs
		if err := decode(args, &a); err != nil {
			return resp, err
		}
		if a.Direction > uint8(hal.DirectionIn) {
			return resp, errors.Wrapf(pkg.ErrInvalidParameter, "direction %d", a.Direction)
		}
		return resp, d.dev.ClearHalt(a.Endpoint, hal.Direction(a.Direction))

	case VerbReadEndpoint:
		var a endpointArgs
		if err := decode(args, &a); err != nil {
			return resp, err
		}
		if a.Endpoint >= hal.MaxEndpoints {
			return resp, errors.Wrapf(pkg.ErrInvalidEndpoint, "endpoint %d", a.Endpoint)
		}
		if p, ok := d.dev.ReadEndpoint(a.Endpoint); ok {
			resp = append(resp, p.Bytes()...)
		}
		return resp, nil

	case VerbWriteEndpoint:
		return d.writeEndpoint(ctx, args, resp)

	case VerbEpOutPrimeReceive:
		var a endpointArgs
		if err := decode(args, &a); err != nil {
			return resp, err
		}
		return resp, d.dev.PrimeReceive(a.Endpoint)

	case VerbGetInterruptEvents:
		if err := decode(args); err != nil {
			return resp, err
		}
		var buf [device.EventLogDepth]device.LoggedEvent
		for _, e := range d.dev.InterruptEvents(buf[:0]) {
			resp = append(resp, byte(e.Kind), e.Endpoint)
		}
		return resp, nil

	case VerbGetNakStatus:
		if err := decode(args); err != nil {
			return resp, err
		}
		return binary.LittleEndian.AppendUint16(resp, d.dev.NakStatus()), nil

	case VerbReadControl:
		if err := decode(args); err != nil {
			return resp, err
		}
		req, ok := d.dev.ReadControl()
		if !ok {
			return resp, nil
		}
		var h controlHeader
		req.Setup.MarshalTo(h.Setup[:])
		h.Length = uint16(len(req.Data))
		resp = encode(resp, &h)
		return append(resp, req.Data...), nil
	}
	return resp, errors.Wrapf(pkg.ErrNotSupported, "verb %d", uint32(v))
}

func (d *Dispatcher) configureEndpoints(args []byte) error {
	if len(args)%endpointEntrySize != 0 {
		return errors.Wrapf(pkg.ErrInvalidParameter, "endpoint table of %d bytes", len(args))
	}
	cfgs := make([]device.EndpointConfig, 0, len(args)/endpointEntrySize)
	r := bytes.NewReader(args)
	for r.Len() > 0 {
		var e endpointEntry
		if err := binary.Read(r, binary.LittleEndian, &e); err != nil {
			return errors.Wrap(err, "decode endpoint entry")
		}
		cfgs = append(cfgs, device.EndpointConfig{Address: e.Address, MaxPacketSize: e.MaxPacketSize})
	}
	return d.dev.ConfigureEndpoints(cfgs...)
}

func (d *Dispatcher) writeEndpoint(ctx context.Context, args, resp []byte) ([]byte, error) {
	if len(args) < writeArgsSize {
		return resp, errors.Wrapf(pkg.ErrInvalidParameter, "write_endpoint arguments of %d bytes", len(args))
	}
	var a writeArgs
	if err := binary.Read(bytes.NewReader(args[:writeArgsSize]), binary.LittleEndian, &a); err != nil {
		return resp, errors.Wrap(err, "decode write_endpoint arguments")
	}
	n, err := d.dev.WriteEndpoint(ctx, a.Endpoint, args[writeArgsSize:], a.Blocking != 0)
	return binary.LittleEndian.AppendUint32(resp, uint32(n)), err
}

// decode reads args into the given structs and rejects any length other
// than their exact encoded size.
func decode(args []byte, into ...any) error {
	want := 0
	for _, v := range into {
		want += binary.Size(v)
	}
	if len(args) != want {
		return errors.Wrapf(pkg.ErrInvalidParameter, "got %d argument bytes, want %d", len(args), want)
	}
	r := bytes.NewReader(args)
	for _, v := range into {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return errors.Wrap(err, "decode arguments")
		}
	}
	return nil
}

func encode(resp []byte, v any) []byte {
	out, err := binary.Append(resp, binary.LittleEndian, v)
	if err != nil {
		// Only fixed-size values are encoded.
		panic(err)
	}
	return out
}
