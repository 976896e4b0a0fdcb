package device

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"

	"github.com/ardnew/moondancer/device/hal"
	"github.com/ardnew/moondancer/pkg"
)

// Packet is one received OUT packet held for the host tool.
type Packet struct {
	Endpoint uint8
	Len      int
	Data     [PacketSlotSize]byte
}

// Bytes returns the received bytes.
func (p *Packet) Bytes() []byte {
	return p.Data[:p.Len]
}

// EndpointConfig is one entry of the max packet size table.
type EndpointConfig struct {
	Address       uint8 // Endpoint number with the direction in bit 7
	MaxPacketSize uint16
}

// EndpointOptions configures [Endpoints].
type EndpointOptions struct {
	// WriteTimeout bounds each wait for an IN FIFO to drain.
	WriteTimeout time.Duration
	PollInterval time.Duration

	Metrics *pkg.Metrics
}

// Endpoints owns endpoints 1 through 15: it buffers received packets until
// the host tool reads them and splits writes into packets.
type Endpoints struct {
	mutex sync.Mutex

	hw   hal.Interface
	opts EndpointOptions

	// maxPacketSize is indexed by endpoint number and direction; 0 means
	// the endpoint half is not configured.
	maxPacketSize [hal.MaxEndpoints][2]uint16

	slots [PacketBufferSlots]Packet
	used  [PacketBufferSlots]bool
}

// NewEndpoints creates the buffering component for hw.
func NewEndpoints(hw hal.Interface, opts EndpointOptions) *Endpoints {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Endpoints{hw: hw, opts: opts}
}

func checkEndpoint(ep uint8) error {
	if ep == 0 || ep >= hal.MaxEndpoints {
		return errors.Wrapf(pkg.ErrInvalidEndpoint, "endpoint %d", ep)
	}
	return nil
}

func (e *Endpoints) overflow(ep uint8, format string, args ...any) error {
	if e.opts.Metrics != nil {
		e.opts.Metrics.Overflows.Inc()
	}
	err := errors.Wrapf(pkg.ErrOverflow, format, args...)
	pkg.LogWarn(pkg.ComponentEndpoint, "packet dropped", "endpoint", ep, "err", err)
	return err
}

// OnReceive stores a packet received on ep. At most one packet per endpoint
// is held; a packet that does not fit is dropped and reported as
// [pkg.ErrOverflow].
func (e *Endpoints) OnReceive(ep uint8, data []byte) error {
	if err := checkEndpoint(ep); err != nil {
		return err
	}
	if len(data) > PacketSlotSize {
		return e.overflow(ep, "%d byte packet exceeds %d byte slot", len(data), PacketSlotSize)
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	free := -1
	for i := range e.slots {
		if !e.used[i] {
			if free < 0 {
				free = i
			}
			continue
		}
		if e.slots[i].Endpoint == ep {
			return e.overflow(ep, "endpoint %d already holds an unread packet", ep)
		}
	}
	if free < 0 {
		return e.overflow(ep, "all %d packet slots in use", PacketBufferSlots)
	}

	e.used[free] = true
	e.slots[free].Endpoint = ep
	e.slots[free].Len = copy(e.slots[free].Data[:], data)
	return nil
}

// Take removes and returns the packet held for ep.
func (e *Endpoints) Take(ep uint8) (Packet, bool) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	for i := range e.slots {
		if e.used[i] && e.slots[i].Endpoint == ep {
			e.used[i] = false
			return e.slots[i], true
		}
	}
	return Packet{}, false
}

// Held returns the number of occupied packet slots.
func (e *Endpoints) Held() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	n := 0
	for _, u := range e.used {
		if u {
			n++
		}
	}
	return n
}

// Configure sets the max packet size of one endpoint half.
func (e *Endpoints) Configure(cfg EndpointConfig) error {
	ep := cfg.Address & 0x0F
	if err := checkEndpoint(ep); err != nil {
		return err
	}
	if cfg.MaxPacketSize > PacketSlotSize {
		return errors.Wrapf(pkg.ErrInvalidParameter, "max packet size %d", cfg.MaxPacketSize)
	}
	e.mutex.Lock()
	e.maxPacketSize[ep][hal.DirectionOf(cfg.Address)] = cfg.MaxPacketSize
	e.mutex.Unlock()
	pkg.LogDebug(pkg.ComponentEndpoint, "endpoint configured", "address", cfg.Address, "max_packet_size", cfg.MaxPacketSize)
	return nil
}

// ConfigureFrom loads the table from a configuration's endpoint descriptors
// and primes every OUT endpoint.
func (e *Endpoints) ConfigureFrom(config *Configuration) error {
	for ep := range config.Endpoints() {
		if err := e.Configure(EndpointConfig{Address: ep.EndpointAddress, MaxPacketSize: ep.MaxPacketSize}); err != nil {
			return errors.Wrapf(err, "endpoint 0x%02X", ep.EndpointAddress)
		}
		if hal.DirectionOf(ep.EndpointAddress) == hal.DirectionOut {
			e.hw.EpOutPrimeReceive(ep.Number())
		}
	}
	return nil
}

// Deconfigure clears the max packet size table.
func (e *Endpoints) Deconfigure() {
	e.mutex.Lock()
	e.maxPacketSize = [hal.MaxEndpoints][2]uint16{}
	e.mutex.Unlock()
}

// MaxPacketSize returns the configured size of one endpoint half.
func (e *Endpoints) MaxPacketSize(ep uint8, dir hal.Direction) uint16 {
	if ep >= hal.MaxEndpoints {
		return 0
	}
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.maxPacketSize[ep][dir]
}

// Write sends data on IN endpoint ep, one FIFO fill per max-size packet.
// Empty data sends a zero-length packet.
//
// With blocking set, Write waits for the FIFO to drain before each packet
// and after the last one. Without it, Write queues only what the FIFO
// accepts right now, which is one packet. The count of bytes handed to the
// FIFO is returned with any error, including [pkg.ErrTimeout].
func (e *Endpoints) Write(ctx context.Context, ep uint8, data []byte, blocking bool) (int, error) {
	if err := checkEndpoint(ep); err != nil {
		return 0, err
	}
	mps := int(e.MaxPacketSize(ep, hal.DirectionIn))
	if mps == 0 {
		return 0, errors.Wrapf(pkg.ErrNotConfigured, "IN endpoint %d", ep)
	}

	written := 0
	for first := true; first || written < len(data); first = false {
		if blocking {
			if err := e.waitIdle(ctx, ep); err != nil {
				return written, errors.Wrapf(err, "endpoint %d after %d bytes", ep, written)
			}
		} else if e.hw.IsBusy(ep) {
			if written == 0 {
				return 0, errors.Wrapf(pkg.ErrBusy, "IN endpoint %d", ep)
			}
			return written, nil
		}

		n := min(mps, len(data)-written)
		e.hw.Write(ep, slices.Values(data[written:written+n]))
		e.hw.SetTxAckActive(ep)
		written += n
	}

	if blocking {
		if err := e.waitIdle(ctx, ep); err != nil {
			return written, errors.Wrapf(err, "endpoint %d after %d bytes", ep, written)
		}
	}
	return written, nil
}

// waitIdle polls the busy flag until it clears, the timeout expires or ctx
// is cancelled.
func (e *Endpoints) waitIdle(ctx context.Context, ep uint8) error {
	if !e.hw.IsBusy(ep) {
		return nil
	}
	timeout := time.NewTimer(e.opts.WriteTimeout)
	defer timeout.Stop()
	poll := time.NewTicker(e.opts.PollInterval)
	defer poll.Stop()

	for e.hw.IsBusy(ep) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			if !e.hw.IsBusy(ep) {
				return nil
			}
			if e.opts.Metrics != nil {
				e.opts.Metrics.Timeouts.Inc()
			}
			return pkg.ErrTimeout
		case <-poll.C:
		}
	}
	return nil
}

// PrimeReceive arms OUT endpoint ep for one packet.
func (e *Endpoints) PrimeReceive(ep uint8) error {
	if err := checkEndpoint(ep); err != nil {
		return err
	}
	e.hw.EpOutPrimeReceive(ep)
	return nil
}

// Stall halts one half of endpoint ep.
func (e *Endpoints) Stall(ep uint8, dir hal.Direction) error {
	if err := checkEndpoint(ep); err != nil {
		return err
	}
	if dir == hal.DirectionIn {
		e.hw.StallEndpointIn(ep)
	} else {
		e.hw.StallEndpointOut(ep)
	}
	return nil
}

// ClearHalt clears a halt and resets the data toggle of one half of ep.
func (e *Endpoints) ClearHalt(ep uint8, dir hal.Direction) error {
	if err := checkEndpoint(ep); err != nil {
		return err
	}
	e.hw.ClearFeatureEndpointHalt(ep, dir)
	return nil
}

// HandleEvent applies an event for a non-control endpoint.
func (e *Endpoints) HandleEvent(ev *Event) error {
	switch ev.Kind {
	case EventBusReset:
		e.Reset()
		return nil
	case EventReceivePacket:
		return e.OnReceive(ev.Endpoint, ev.Payload())
	case EventSendComplete:
		if err := checkEndpoint(ev.Endpoint); err != nil {
			return err
		}
		e.hw.ClearTxAckActive(ev.Endpoint)
		return nil
	default:
		return nil
	}
}

// Reset drops every held packet and in-flight IN completion. The max
// packet size table is kept; the host tool owns it.
func (e *Endpoints) Reset() {
	e.mutex.Lock()
	e.used = [PacketBufferSlots]bool{}
	e.mutex.Unlock()

	for ep := uint8(1); ep < hal.MaxEndpoints; ep++ {
		e.hw.ClearTxAckActive(ep)
	}
}

var _ Halter = (*Endpoints)(nil)
