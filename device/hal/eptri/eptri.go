package eptri

import (
	"iter"
	"sync"

	"github.com/ardnew/moondancer/device/hal"
	"github.com/ardnew/moondancer/pkg"
)

// Handshake is the response a bus transaction receives.
type Handshake uint8

// Handshakes.
const (
	HandshakeACK Handshake = iota
	HandshakeNAK
	HandshakeSTALL
)

// String returns the handshake token name.
func (h Handshake) String() string {
	switch h {
	case HandshakeACK:
		return "ACK"
	case HandshakeNAK:
		return "NAK"
	case HandshakeSTALL:
		return "STALL"
	default:
		return "?"
	}
}

// eventDepth bounds the endpoint numbers latched per interrupt source.
const eventDepth = 32

// epRing latches endpoint numbers for one interrupt source.
type epRing struct {
	buf  [eventDepth]uint8
	head int
	n    int
}

func (r *epRing) push(ep uint8) bool {
	if r.n == eventDepth {
		return false
	}
	r.buf[(r.head+r.n)%eventDepth] = ep
	r.n++
	return true
}

func (r *epRing) peek() uint8 {
	return r.buf[r.head]
}

func (r *epRing) pop() {
	if r.n == 0 {
		return
	}
	r.head = (r.head + 1) % eventDepth
	r.n--
}

func (r *epRing) reset() {
	r.head, r.n = 0, 0
}

type outEndpoint struct {
	primed  bool
	stalled bool
	pid     bool
	full    bool
	n       int
	fifo    [hal.MaxPacketSize]byte
}

type inEndpoint struct {
	busy    bool
	stalled bool
	pid     bool
	txAck   bool
	n       int
	fifo    [hal.MaxPacketSize]byte
}

// Controller is an in-memory eptri-style USB device controller. The device
// side implements [hal.Interface] and [hal.InterruptSource]; the Host*
// methods act as the bus and raise interrupts the way the peripheral does.
type Controller struct {
	mutex sync.Mutex

	connected         bool
	speed             hal.Speed
	address           uint8
	interruptsEnabled bool

	pending  hal.Interrupt
	setupEPs epRing
	outEPs   epRing
	inEPs    epRing

	setup    [8]byte
	setupLen int

	out [hal.MaxEndpoints]outEndpoint
	in  [hal.MaxEndpoints]inEndpoint

	nak uint16

	irq chan struct{}
}

// New creates a disconnected controller.
func New() *Controller {
	return &Controller{
		speed: hal.SpeedHigh,
		irq:   make(chan struct{}, 1),
	}
}

// IRQ returns a channel signalled whenever a source becomes pending while
// interrupts are enabled. It stands in for the CPU interrupt line.
func (c *Controller) IRQ() <-chan struct{} {
	return c.irq
}

// raise must be called with the mutex held.
func (c *Controller) raise(src hal.Interrupt) {
	c.pending |= src
	if c.interruptsEnabled {
		select {
		case c.irq <- struct{}{}:
		default:
		}
	}
}

// Device side.

// Connect attaches to the bus.
func (c *Controller) Connect(speed hal.Speed) error {
	if !speed.Valid() {
		return pkg.ErrInvalidParameter
	}
	c.mutex.Lock()
	c.connected = true
	c.speed = speed
	c.mutex.Unlock()
	pkg.LogDebug(pkg.ComponentHAL, "controller connected", "speed", speed.String())
	return nil
}

// Disconnect detaches from the bus.
func (c *Controller) Disconnect() {
	c.mutex.Lock()
	c.connected = false
	c.mutex.Unlock()
	pkg.LogDebug(pkg.ComponentHAL, "controller disconnected")
}

// BusReset returns endpoints and the address register to power-on state.
func (c *Controller) BusReset() {
	c.mutex.Lock()
	c.resetLocked()
	c.mutex.Unlock()
}

func (c *Controller) resetLocked() {
	c.address = 0
	c.setupLen = 0
	c.out = [hal.MaxEndpoints]outEndpoint{}
	c.in = [hal.MaxEndpoints]inEndpoint{}
	c.nak = 0
	c.pending &^= hal.IntSetup | hal.IntOut | hal.IntIn
	c.setupEPs.reset()
	c.outEPs.reset()
	c.inEPs.reset()
}

// SetAddress writes the address register.
func (c *Controller) SetAddress(address uint8) {
	c.mutex.Lock()
	c.address = address & 0x7F
	c.mutex.Unlock()
	pkg.LogDebug(pkg.ComponentHAL, "address register written", "address", address)
}

// StallEndpointIn sets the IN stall bit.
func (c *Controller) StallEndpointIn(endpoint uint8) {
	c.mutex.Lock()
	c.in[endpoint&0x0F].stalled = true
	c.mutex.Unlock()
}

// StallEndpointOut sets the OUT stall bit.
func (c *Controller) StallEndpointOut(endpoint uint8) {
	c.mutex.Lock()
	c.out[endpoint&0x0F].stalled = true
	c.mutex.Unlock()
}

// ClearFeatureEndpointHalt clears the stall bit and resets the PID to DATA0.
func (c *Controller) ClearFeatureEndpointHalt(endpoint uint8, dir hal.Direction) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	ep := endpoint & 0x0F
	if dir == hal.DirectionIn {
		c.in[ep].stalled = false
		c.in[ep].pid = false
	} else {
		c.out[ep].stalled = false
		c.out[ep].pid = false
	}
}

// EpOutPrimeReceive arms an OUT endpoint for one packet.
func (c *Controller) EpOutPrimeReceive(endpoint uint8) {
	c.mutex.Lock()
	c.out[endpoint&0x0F].primed = true
	c.mutex.Unlock()
}

// Read drains an OUT FIFO.
func (c *Controller) Read(endpoint uint8, buf []byte) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	ep := &c.out[endpoint&0x0F]
	n := copy(buf, ep.fifo[:ep.n])
	ep.n = 0
	ep.full = false
	return n
}

// ReadControl drains the SETUP FIFO.
func (c *Controller) ReadControl(buf []byte) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	n := copy(buf, c.setup[:c.setupLen])
	c.setupLen = 0
	return n
}

// Write fills an IN FIFO and primes it.
func (c *Controller) Write(endpoint uint8, data iter.Seq[byte]) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	ep := &c.in[endpoint&0x0F]
	written := 0
	for b := range data {
		if ep.n == len(ep.fifo) {
			break
		}
		ep.fifo[ep.n] = b
		ep.n++
		written++
	}
	ep.busy = true
	return written
}

// IsBusy reports whether the IN FIFO is still waiting for an IN token.
func (c *Controller) IsBusy(endpoint uint8) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.in[endpoint&0x0F].busy
}

// SetTxAckActive marks an IN completion as outstanding.
func (c *Controller) SetTxAckActive(endpoint uint8) {
	c.mutex.Lock()
	c.in[endpoint&0x0F].txAck = true
	c.mutex.Unlock()
}

// ClearTxAckActive clears the outstanding IN completion flag.
func (c *Controller) ClearTxAckActive(endpoint uint8) {
	c.mutex.Lock()
	c.in[endpoint&0x0F].txAck = false
	c.mutex.Unlock()
}

// IsTxAckActive reports the outstanding IN completion flag.
func (c *Controller) IsTxAckActive(endpoint uint8) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.in[endpoint&0x0F].txAck
}

// EnableInterrupts unmasks the interrupt line.
func (c *Controller) EnableInterrupts() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.interruptsEnabled = true
	if c.pending != 0 {
		select {
		case c.irq <- struct{}{}:
		default:
		}
	}
}

// DisableInterrupts masks the interrupt line.
func (c *Controller) DisableInterrupts() {
	c.mutex.Lock()
	c.interruptsEnabled = false
	c.mutex.Unlock()
}

// Speed returns the connected speed.
func (c *Controller) Speed() hal.Speed {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.speed
}

// NakStatus returns and clears the NAK bitmap.
func (c *Controller) NakStatus() uint16 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	nak := c.nak
	c.nak = 0
	return nak
}

// Pending returns the pending interrupt bitmask.
func (c *Controller) Pending() hal.Interrupt {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.pending
}

// Endpoint returns the endpoint latched for src.
func (c *Controller) Endpoint(src hal.Interrupt) uint8 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	switch src {
	case hal.IntSetup:
		return c.setupEPs.peek()
	case hal.IntOut:
		return c.outEPs.peek()
	case hal.IntIn:
		return c.inEPs.peek()
	default:
		return 0
	}
}

// Clear acknowledges one latched event of src.
func (c *Controller) Clear(src hal.Interrupt) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	var ring *epRing
	switch src {
	case hal.IntSetup:
		ring = &c.setupEPs
	case hal.IntOut:
		ring = &c.outEPs
	case hal.IntIn:
		ring = &c.inEPs
	default:
		c.pending &^= src
		return
	}
	ring.pop()
	if ring.n == 0 {
		c.pending &^= src
	}
}

// Host side.

// RaiseUnknown sets pending bits that no translator rule covers.
func (c *Controller) RaiseUnknown(bits hal.Interrupt) {
	c.mutex.Lock()
	c.raise(bits &^ hal.IntKnown)
	c.mutex.Unlock()
}

// HostReset drives a bus reset.
func (c *Controller) HostReset() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.resetLocked()
	c.raise(hal.IntBusReset)
}

// HostSetup delivers a SETUP transaction to a control endpoint. SETUP is
// always accepted: it clears any stall on the endpoint and loads DATA1 into
// both PID toggles.
func (c *Controller) HostSetup(endpoint uint8, packet []byte) (Handshake, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if !c.connected {
		return HandshakeNAK, pkg.ErrNotConnected
	}
	ep := endpoint & 0x0F
	c.setupLen = copy(c.setup[:], packet)
	c.in[ep].stalled = false
	c.out[ep].stalled = false
	c.in[ep].pid = true
	c.out[ep].pid = true
	c.in[ep].busy = false
	c.in[ep].n = 0
	c.out[ep].primed = false
	if !c.setupEPs.push(ep) {
		return HandshakeNAK, pkg.ErrOverflow
	}
	c.raise(hal.IntSetup)
	return HandshakeACK, nil
}

// HostOut delivers an OUT data packet.
func (c *Controller) HostOut(endpoint uint8, data []byte) (Handshake, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if !c.connected {
		return HandshakeNAK, pkg.ErrNotConnected
	}
	epNum := endpoint & 0x0F
	ep := &c.out[epNum]
	if ep.stalled {
		return HandshakeSTALL, nil
	}
	if !ep.primed || ep.full {
		c.nak |= 1 << epNum
		return HandshakeNAK, nil
	}
	if len(data) > len(ep.fifo) {
		return HandshakeNAK, pkg.ErrBufferTooSmall
	}
	if !c.outEPs.push(epNum) {
		c.nak |= 1 << epNum
		return HandshakeNAK, nil
	}
	ep.n = copy(ep.fifo[:], data)
	ep.full = true
	ep.primed = false
	ep.pid = !ep.pid
	c.raise(hal.IntOut)
	return HandshakeACK, nil
}

// HostIn issues an IN token and returns the transmitted packet.
func (c *Controller) HostIn(endpoint uint8) ([]byte, Handshake, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if !c.connected {
		return nil, HandshakeNAK, pkg.ErrNotConnected
	}
	epNum := endpoint & 0x0F
	ep := &c.in[epNum]
	if ep.stalled {
		return nil, HandshakeSTALL, nil
	}
	if !ep.busy {
		c.nak |= 1 << epNum
		return nil, HandshakeNAK, nil
	}
	data := make([]byte, ep.n)
	copy(data, ep.fifo[:ep.n])
	ep.n = 0
	ep.busy = false
	ep.pid = !ep.pid
	if !c.inEPs.push(epNum) {
		return data, HandshakeACK, pkg.ErrOverflow
	}
	c.raise(hal.IntIn)
	return data, HandshakeACK, nil
}

// Address returns the address register.
func (c *Controller) Address() uint8 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.address
}

// Connected reports whether the device side is attached.
func (c *Controller) Connected() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.connected
}

// Stalled reports the stall bit of one endpoint half.
func (c *Controller) Stalled(endpoint uint8, dir hal.Direction) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if dir == hal.DirectionIn {
		return c.in[endpoint&0x0F].stalled
	}
	return c.out[endpoint&0x0F].stalled
}

// Primed reports whether an OUT endpoint will accept a packet.
func (c *Controller) Primed(endpoint uint8) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.out[endpoint&0x0F].primed
}

// PID returns the current data toggle of one endpoint half (true = DATA1).
func (c *Controller) PID(endpoint uint8, dir hal.Direction) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if dir == hal.DirectionIn {
		return c.in[endpoint&0x0F].pid
	}
	return c.out[endpoint&0x0F].pid
}

// Compile-time interface checks
var (
	_ hal.Interface       = (*Controller)(nil)
	_ hal.InterruptSource = (*Controller)(nil)
)
