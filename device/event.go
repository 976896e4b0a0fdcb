package device

import (
	"fmt"

	"github.com/ardnew/moondancer/device/hal"
)

// EventKind tags an [Event].
type EventKind uint8

// Event kinds.
const (
	EventNone EventKind = iota
	EventBusReset
	EventReceiveSetupPacket
	EventReceiveControl
	EventReceivePacket
	EventSendComplete
	EventUnknownInterrupt
	EventError
)

var eventKindNames = [...]string{
	EventNone:               "None",
	EventBusReset:           "BusReset",
	EventReceiveSetupPacket: "ReceiveSetupPacket",
	EventReceiveControl:     "ReceiveControl",
	EventReceivePacket:      "ReceivePacket",
	EventSendComplete:       "SendComplete",
	EventUnknownInterrupt:   "UnknownInterrupt",
	EventError:              "Error",
}

// String returns the event kind name.
func (k EventKind) String() string {
	if int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// Event is one USB event produced by the interrupt path. It is a plain
// value; the main loop receives a copy and nothing aliases the hardware.
type Event struct {
	Kind     EventKind
	Endpoint uint8

	// Setup is valid for EventReceiveSetupPacket.
	Setup SetupPacket

	// Len and Data hold the OUT FIFO contents for EventReceivePacket.
	Len  int
	Data [hal.MaxPacketSize]byte

	// Pending is the raw bitmask for EventUnknownInterrupt.
	Pending hal.Interrupt

	// Err is set for EventError.
	Err error
}

// Payload returns the received bytes of an EventReceivePacket.
func (e *Event) Payload() []byte {
	return e.Data[:e.Len]
}

// String returns a short description of the event.
func (e *Event) String() string {
	switch e.Kind {
	case EventReceiveSetupPacket:
		return fmt.Sprintf("%s(ep%d, %s)", e.Kind, e.Endpoint, e.Setup.String())
	case EventReceiveControl, EventSendComplete:
		return fmt.Sprintf("%s(ep%d)", e.Kind, e.Endpoint)
	case EventReceivePacket:
		return fmt.Sprintf("%s(ep%d, %d bytes)", e.Kind, e.Endpoint, e.Len)
	case EventUnknownInterrupt:
		return fmt.Sprintf("%s(0x%08X)", e.Kind, uint32(e.Pending))
	case EventError:
		return fmt.Sprintf("%s(%v)", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

// Event constructors used by tests and the translator.

// BusResetEvent returns an EventBusReset.
func BusResetEvent() Event {
	return Event{Kind: EventBusReset}
}

// SetupEvent returns an EventReceiveSetupPacket for ep.
func SetupEvent(ep uint8, setup SetupPacket) Event {
	return Event{Kind: EventReceiveSetupPacket, Endpoint: ep, Setup: setup}
}

// ReceiveEvent returns an EventReceivePacket carrying a copy of data. Bytes
// beyond the largest packet are dropped.
func ReceiveEvent(ep uint8, data []byte) Event {
	e := Event{Kind: EventReceivePacket, Endpoint: ep}
	e.Len = copy(e.Data[:], data)
	return e
}

// SendCompleteEvent returns an EventSendComplete for ep.
func SendCompleteEvent(ep uint8) Event {
	return Event{Kind: EventSendComplete, Endpoint: ep}
}
