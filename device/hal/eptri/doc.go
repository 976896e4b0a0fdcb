// Package eptri models an eptri-style USB device controller in memory.
//
// The eptri peripheral exposes three small register blocks: a SETUP FIFO,
// an OUT FIFO per endpoint that only accepts a packet after being primed,
// and an IN FIFO per endpoint that stays busy until the host collects the
// packet. Each block raises its own interrupt and latches the endpoint
// number it concerns.
//
// [Controller] implements both halves: the device side satisfies
// [hal.Interface] and [hal.InterruptSource], and the Host* methods let a
// test or the [github.com/ardnew/moondancer/device/hal/fifo] bridge play
// the role of the USB host.
//
//	c := eptri.New()
//	c.Connect(hal.SpeedHigh)
//	c.HostSetup(0, []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00})
//	// c.Pending() now has hal.IntSetup set
package eptri
