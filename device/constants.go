package device

import (
	"fmt"
	"time"

	"github.com/ardnew/moondancer/device/hal"
)

// Fixed capacities. Everything is allocated once when the stack is built.
const (
	// MaxInterfacesPerConfiguration is the maximum number of interfaces per configuration.
	MaxInterfacesPerConfiguration = 8

	// MaxEndpointsPerInterface is the maximum number of endpoints per interface
	// (15 IN plus 15 OUT is the USB 2.0 ceiling; real interfaces use far fewer).
	MaxEndpointsPerInterface = 16

	// MaxStrings is the maximum number of string descriptors, excluding the
	// language ID list at index 0.
	MaxStrings = 16

	// MaxControlDataSize bounds the OUT data stage a control transfer may carry.
	MaxControlDataSize = 512

	// PacketBufferSlots is the number of received packets held for the host
	// tool, at most one per endpoint.
	PacketBufferSlots = 4

	// PacketSlotSize is the capacity of one received-packet slot.
	PacketSlotSize = hal.MaxPacketSize

	// EventQueueDepth bounds events in flight between interrupt and main loop.
	EventQueueDepth = 64

	// EventLogDepth bounds the interrupt events kept for the host tool.
	EventLogDepth = 128
)

// Default bounded waits.
const (
	DefaultWriteTimeout   = 100 * time.Millisecond
	DefaultAddressTimeout = 10 * time.Millisecond
	DefaultPollInterval   = 50 * time.Microsecond
)

// Visible device states from USB 2.0 chapter 9.
// Only the states the control endpoint can observe are tracked.
const (
	StateDetached   State = 0 // Not connected to the bus
	StateDefault    State = 1 // Reset, responding at address 0
	StateAddress    State = 2 // Address assigned, not configured
	StateConfigured State = 3 // Configuration 1 selected
)

// State represents USB device state.
type State uint8

// String returns a human-readable state description.
func (s State) String() string {
	switch s {
	case StateDetached:
		return "Detached"
	case StateDefault:
		return "Default"
	case StateAddress:
		return "Address"
	case StateConfigured:
		return "Configured"
	default:
		return fmt.Sprintf("Unknown State (%d)", s)
	}
}
