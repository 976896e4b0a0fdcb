// Package device implements the firmware side of an eptri-style USB device
// controller: the path from pending-interrupt bits to answered control
// transfers and buffered endpoint data.
//
// The controller is reached only through [hal.Interface] and
// [hal.InterruptSource] from the [github.com/ardnew/moondancer/device/hal]
// package, so the same stack runs against real registers and against the
// in-memory controller in [github.com/ardnew/moondancer/device/hal/eptri].
//
// # Architecture
//
//   - [Translator] turns one pending interrupt source into an [Event]. It
//     runs in interrupt context and only drains the FIFO that would
//     otherwise be overwritten.
//   - [EventQueue] carries events from the interrupt path to the main loop.
//     A full queue leaves the source pending instead of dropping it.
//   - [Control] is the control transfer state machine on endpoint 0. It
//     answers standard requests from a [Descriptors] table and surfaces
//     everything else as a [Request].
//   - [Endpoints] buffers OUT packets for endpoints 1 through 15 in
//     [PacketBufferSlots] fixed slots and splits IN writes into packets.
//   - [Stack] wires them together and runs the main loop.
//
// # Control Transfers
//
// A control transfer moves through Idle, Setup, Data and Status. Work that
// must wait for the previous IN packet to leave the FIFO is recorded as a
// [PendingCallback] and run on the next SendComplete for endpoint 0. The
// new address from SET_ADDRESS is applied that way: the status stage is
// answered at the old address and the address register is written only
// once the host has collected it.
//
// # Descriptors
//
// Descriptors are produced lazily as restartable byte sequences and cut to
// wLength, so no response buffer is sized for the largest descriptor.
// [DecodeDescriptorTable] builds a table from configuration data.
//
// # Zero-Allocation Design
//
// The event path keeps to fixed-size storage:
//
//   - Events carry their payload in a fixed array
//   - Serialization via MarshalTo(buf)
//   - Parse functions with output parameters instead of returning pointers
//   - Fixed-size arrays for endpoints, packet slots and the event log
package device
