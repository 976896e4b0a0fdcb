package hal

import "iter"

// Speed is the USB signaling rate, encoded the way the eptri speed
// register (and the connect verb) encodes it.
type Speed uint8

// USB speed constants.
const (
	SpeedHigh Speed = 0 // High Speed (480 Mbit/s)
	SpeedFull Speed = 1 // Full Speed (12 Mbit/s)
	SpeedLow  Speed = 2 // Low Speed (1.5 Mbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	default:
		return "Unknown"
	}
}

// Valid reports whether s is one of the defined speeds.
func (s Speed) Valid() bool {
	return s <= SpeedLow
}

// MaxPacketSize0 returns the largest legal EP0 packet size at this speed.
func (s Speed) MaxPacketSize0() uint16 {
	if s == SpeedLow {
		return 8
	}
	return 64
}

// Direction selects the IN or OUT half of an endpoint.
type Direction uint8

// Endpoint directions.
const (
	DirectionOut Direction = 0 // Host to device
	DirectionIn  Direction = 1 // Device to host
)

// String returns "IN" or "OUT".
func (d Direction) String() string {
	if d == DirectionIn {
		return "IN"
	}
	return "OUT"
}

// DirectionOf returns the direction encoded in bit 7 of an endpoint address.
func DirectionOf(address uint8) Direction {
	if address&0x80 != 0 {
		return DirectionIn
	}
	return DirectionOut
}

// MaxEndpoints is the number of endpoint numbers an eptri controller exposes.
const MaxEndpoints = 16

// MaxPacketSize is the largest packet any endpoint FIFO holds.
const MaxPacketSize = 512

// Interrupt is a bitmask of pending interrupt sources.
type Interrupt uint32

// Interrupt sources, in the order the translator services them.
const (
	IntBusReset Interrupt = 1 << 0 // Bus reset detected
	IntSetup    Interrupt = 1 << 1 // SETUP packet landed in the setup FIFO
	IntOut      Interrupt = 1 << 2 // OUT packet landed in an endpoint FIFO
	IntIn       Interrupt = 1 << 3 // IN FIFO finished transmitting

	IntKnown = IntBusReset | IntSetup | IntOut | IntIn
)

// Interface is the per-endpoint FIFO capability set of an eptri-style
// controller. Register writes cannot fail, so most operations return nothing.
//
// Endpoint arguments are endpoint numbers (0-15) without the direction bit.
type Interface interface {
	// Connect attaches to the bus at the given speed.
	Connect(speed Speed) error

	// Disconnect detaches from the bus.
	Disconnect()

	// BusReset returns every endpoint and the address register to their
	// power-on state.
	BusReset()

	// SetAddress writes the device address register.
	SetAddress(address uint8)

	StallEndpointIn(endpoint uint8)
	StallEndpointOut(endpoint uint8)

	// ClearFeatureEndpointHalt clears a stall and resets the PID toggle to DATA0.
	ClearFeatureEndpointHalt(endpoint uint8, dir Direction)

	// EpOutPrimeReceive arms an OUT endpoint to accept exactly one packet.
	EpOutPrimeReceive(endpoint uint8)

	// Read drains the OUT FIFO of an endpoint into buf and returns the count.
	Read(endpoint uint8, buf []byte) int

	// ReadControl drains the SETUP FIFO into buf and returns the count.
	ReadControl(buf []byte) int

	// Write fills the IN FIFO of an endpoint and primes one transmission.
	// An empty sequence primes a zero-length packet.
	Write(endpoint uint8, data iter.Seq[byte]) int

	// IsBusy reports whether the IN FIFO still holds an untransmitted packet.
	IsBusy(endpoint uint8) bool

	// The tx-ack flag marks an IN transmission whose completion interrupt has
	// not been observed yet.
	SetTxAckActive(endpoint uint8)
	ClearTxAckActive(endpoint uint8)
	IsTxAckActive(endpoint uint8) bool

	EnableInterrupts()
	DisableInterrupts()

	// Speed returns the speed passed to Connect.
	Speed() Speed

	// NakStatus returns a bitmap of endpoints that NAKed a host token since
	// the previous call, and clears it.
	NakStatus() uint16
}

// InterruptSource is the pending-interrupt register block.
type InterruptSource interface {
	// Pending returns the current pending bitmask.
	Pending() Interrupt

	// Endpoint returns the endpoint number latched for an endpoint interrupt.
	Endpoint(src Interrupt) uint8

	// Clear acknowledges one source. A source with further latched events
	// stays pending.
	Clear(src Interrupt)
}
