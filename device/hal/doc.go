// Package hal defines the hardware capability sets the moondancer core
// drives: the per-endpoint FIFO [Interface] of an eptri-style USB
// controller and the pending-interrupt [InterruptSource].
//
// # Design Principles
//
// The HAL is deliberately thin:
//
//   - Register semantics only; every USB protocol decision lives in the
//     device package.
//   - Endpoint FIFOs hold one packet at a time; OUT endpoints accept a
//     packet only once primed, IN endpoints stay busy until transmitted.
//   - Completion of an IN packet is reported asynchronously by interrupt,
//     which is why the tx-ack flag exists.
//
// # Implementations
//
// [github.com/ardnew/moondancer/device/hal/eptri] is an in-memory model
// of the controller used by tests and by the daemon. Its host side can be
// driven over a byte stream with [github.com/ardnew/moondancer/device/hal/fifo].
package hal
