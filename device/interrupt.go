package device

import (
	"github.com/efficientgo/core/errors"

	"github.com/ardnew/moondancer/device/hal"
	"github.com/ardnew/moondancer/pkg"
)

// Translator turns the pending-interrupt register into events, one source
// per call. It runs in interrupt context: it never logs and touches only
// the FIFO whose contents would be lost otherwise.
//
// Sources are serviced bus reset first, then send complete, receive and
// setup. A SETUP is only ever sent after the previous transaction on the
// control pipe finished, so servicing completions first keeps the stream
// in bus order when several sources latch between two calls.
type Translator struct {
	hw  hal.Interface
	src hal.InterruptSource

	// LazySetup emits EventReceiveControl and leaves the SETUP bytes in the
	// FIFO for the consumer to read.
	LazySetup bool
}

// NewTranslator returns a translator reading src and draining FIFOs through hw.
func NewTranslator(hw hal.Interface, src hal.InterruptSource) *Translator {
	return &Translator{hw: hw, src: src}
}

// Next services the highest-priority pending source and returns its event.
// It returns an EventNone when nothing is pending.
func (t *Translator) Next() Event {
	pending := t.src.Pending()

	switch {
	case pending == 0:
		return Event{Kind: EventNone}

	case pending&hal.IntBusReset != 0:
		t.src.Clear(hal.IntBusReset)
		return BusResetEvent()

	case pending&hal.IntIn != 0:
		ep := t.src.Endpoint(hal.IntIn)
		t.src.Clear(hal.IntIn)
		return SendCompleteEvent(ep)

	case pending&hal.IntOut != 0:
		e := Event{Kind: EventReceivePacket, Endpoint: t.src.Endpoint(hal.IntOut)}
		e.Len = t.hw.Read(e.Endpoint, e.Data[:])
		t.src.Clear(hal.IntOut)
		return e

	case pending&hal.IntSetup != 0:
		ep := t.src.Endpoint(hal.IntSetup)
		if t.LazySetup {
			t.src.Clear(hal.IntSetup)
			return Event{Kind: EventReceiveControl, Endpoint: ep}
		}
		var buf [SetupPacketSize]byte
		n := t.hw.ReadControl(buf[:])
		t.src.Clear(hal.IntSetup)
		e := Event{Kind: EventReceiveSetupPacket, Endpoint: ep}
		if err := ParseSetupPacket(buf[:n], &e.Setup); err != nil {
			return Event{Kind: EventError, Endpoint: ep, Err: errors.Wrapf(err, "read %d of %d setup bytes", n, SetupPacketSize)}
		}
		return e

	default:
		unknown := pending &^ hal.IntKnown
		t.src.Clear(unknown)
		return Event{Kind: EventUnknownInterrupt, Pending: pending, Err: pkg.ErrUnknownInterrupt}
	}
}
