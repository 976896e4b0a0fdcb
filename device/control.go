package device

import (
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"

	"github.com/ardnew/moondancer/device/hal"
	"github.com/ardnew/moondancer/pkg"
)

// ControlState is the stage of the control transfer in progress on EP0.
type ControlState uint8

// Control transfer stages.
const (
	ControlIdle ControlState = iota
	ControlSetup
	ControlData
	ControlStatus
	ControlStalled
)

// String returns the state name.
func (s ControlState) String() string {
	switch s {
	case ControlIdle:
		return "Idle"
	case ControlSetup:
		return "Setup"
	case ControlData:
		return "Data"
	case ControlStatus:
		return "Status"
	case ControlStalled:
		return "Stalled"
	default:
		return "Unknown"
	}
}

// CallbackKind tags a [PendingCallback].
type CallbackKind uint8

// Deferred actions.
const (
	CallbackNone CallbackKind = iota
	CallbackSetAddress
	CallbackPrimeOutForAck
	CallbackSendZLPAck
)

// String returns the callback name.
func (k CallbackKind) String() string {
	switch k {
	case CallbackNone:
		return "None"
	case CallbackSetAddress:
		return "SetAddress"
	case CallbackPrimeOutForAck:
		return "PrimeOutForAck"
	case CallbackSendZLPAck:
		return "SendZLPAck"
	default:
		return "Unknown"
	}
}

// PendingCallback is hardware work that must wait for the next SendComplete
// on the control endpoint. At most one is outstanding.
type PendingCallback struct {
	Kind     CallbackKind
	Address  uint8 // CallbackSetAddress
	Endpoint uint8 // CallbackPrimeOutForAck, CallbackSendZLPAck
}

// Request is a control request the machine did not answer itself.
type Request struct {
	Setup SetupPacket

	// Data is the OUT data stage, collected before the request is surfaced.
	Data []byte

	// StatusQueued is set when the machine already acknowledged the status
	// stage. Only requests with an OUT data stage are surfaced that way.
	StatusQueued bool
}

// Halter stalls and clears the non-control endpoints. The machine reaches
// them only through this interface so EP0 stays its only hardware.
type Halter interface {
	Stall(endpoint uint8, dir hal.Direction) error
	ClearHalt(endpoint uint8, dir hal.Direction) error
}

// ControlOptions configures a [Control].
type ControlOptions struct {
	// Descriptors answers GET_DESCRIPTOR. With nil, GET_DESCRIPTOR requests
	// are surfaced to the caller.
	Descriptors *Descriptors

	// SynchronousSetAddress applies SET_ADDRESS as soon as the status ZLP
	// leaves the FIFO, waiting up to AddressTimeout, instead of deferring
	// it to the SendComplete event.
	SynchronousSetAddress bool
	AddressTimeout        time.Duration
	PollInterval          time.Duration

	// OnConfigure runs after SET_CONFIGURATION is accepted.
	OnConfigure func(value uint8)

	// Halter receives ENDPOINT_HALT features for endpoints other than 0.
	Halter Halter

	Metrics *pkg.Metrics
}

// Control is the control transfer state machine for one control endpoint.
type Control struct {
	mutex sync.Mutex

	hw       hal.Interface
	opts     ControlOptions
	endpoint uint8

	state   ControlState
	pending PendingCallback
	setup   SetupPacket

	maxPacketSize0 uint16
	address        uint8
	deviceState    State
	configuration  uint8
	configured     bool

	// awaiting is set while a surfaced request waits for Respond, Ack or Stall.
	awaiting bool

	// IN data stage. inSeq is re-iterated from the start for every packet.
	inSeq   iter.Seq[byte]
	inTotal int
	inOff   int
	inZLP   bool
	respBuf [MaxControlDataSize]byte

	// OUT data stage.
	outActive bool
	outLen    int
	outBuf    [MaxControlDataSize]byte
}

// NewControl creates the state machine for endpoint 0 of hw.
func NewControl(hw hal.Interface, opts ControlOptions) *Control {
	if opts.AddressTimeout <= 0 {
		opts.AddressTimeout = DefaultAddressTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Control{
		hw:          hw,
		opts:        opts,
		deviceState: StateDefault,
	}
}

// State returns the current control stage.
func (c *Control) State() ControlState {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.state
}

// Pending returns the outstanding deferred action.
func (c *Control) Pending() PendingCallback {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.pending
}

// Configuration returns the stored configuration value. The second result
// is false until SET_CONFIGURATION succeeds after a bus reset.
func (c *Control) Configuration() (uint8, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.configuration, c.configured
}

// DeviceState returns the USB device state seen from the control endpoint.
func (c *Control) DeviceState() State {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.deviceState
}

// Address returns the address last applied to hardware.
func (c *Control) Address() uint8 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.address
}

// SetMaxPacketSize0 overrides the EP0 packet size. Zero restores the
// default taken from the device descriptor or the bus speed.
func (c *Control) SetMaxPacketSize0(size uint16) {
	c.mutex.Lock()
	c.maxPacketSize0 = size
	c.mutex.Unlock()
}

func (c *Control) packetSize() int {
	switch {
	case c.maxPacketSize0 != 0:
		return int(c.maxPacketSize0)
	case c.opts.Descriptors != nil && c.opts.Descriptors.Device.MaxPacketSize0 != 0:
		return int(c.opts.Descriptors.Device.MaxPacketSize0)
	default:
		return int(c.hw.Speed().MaxPacketSize0())
	}
}

// Reset returns the machine to Idle and forgets the address, the
// configuration and any deferred action.
func (c *Control) Reset() {
	c.mutex.Lock()
	c.resetLocked()
	c.mutex.Unlock()
}

func (c *Control) resetLocked() {
	c.state = ControlIdle
	c.pending = PendingCallback{}
	c.setup = SetupPacket{}
	c.address = 0
	c.deviceState = StateDefault
	c.configuration = 0
	c.configured = false
	c.awaiting = false
	c.clearStagesLocked()
}

func (c *Control) clearStagesLocked() {
	c.inSeq = nil
	c.inTotal, c.inOff, c.inZLP = 0, 0, false
	c.outActive = false
	c.outLen = 0
}

// HandleEvent feeds one event for the control endpoint. A non-nil Request
// is a request the caller must answer with [Control.Respond],
// [Control.Ack] or [Control.Stall], unless its StatusQueued is set.
func (c *Control) HandleEvent(e Event) (*Request, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if e.Kind == EventBusReset {
		c.resetLocked()
		return nil, nil
	}
	if e.Endpoint != c.endpoint {
		return nil, errors.Wrapf(pkg.ErrInvalidEndpoint, "control endpoint %d got event for %d", c.endpoint, e.Endpoint)
	}

	switch e.Kind {
	case EventReceiveSetupPacket:
		return c.handleSetupLocked(e.Setup)

	case EventReceiveControl:
		var buf [SetupPacketSize]byte
		n := c.hw.ReadControl(buf[:])
		var setup SetupPacket
		if err := ParseSetupPacket(buf[:n], &setup); err != nil {
			return nil, errors.Wrapf(err, "read %d setup bytes", n)
		}
		return c.handleSetupLocked(setup)

	case EventReceivePacket:
		return c.handleReceiveLocked(e.Payload())

	case EventSendComplete:
		c.hw.ClearTxAckActive(c.endpoint)
		c.handleSendCompleteLocked()
		return nil, nil

	case EventError:
		return nil, e.Err

	default:
		return nil, nil
	}
}

func (c *Control) handleSetupLocked(setup SetupPacket) (*Request, error) {
	if c.pending.Kind != CallbackNone {
		pkg.LogWarn(pkg.ComponentControl, "setup discarded deferred action", "callback", c.pending.Kind.String())
	}
	c.pending = PendingCallback{}
	c.clearStagesLocked()
	c.awaiting = false
	c.setup = setup
	c.state = ControlSetup

	pkg.LogDebug(pkg.ComponentControl, "setup", "packet", setup.String())

	if setup.IsHostToDevice() && setup.Length > 0 {
		return c.startOutLocked()
	}

	if req, ok := setup.StandardRequest(); ok && c.handleStandardLocked(req) {
		return nil, nil
	}

	c.awaiting = true
	return &Request{Setup: setup}, nil
}

// handleStandardLocked answers the standard requests the machine owns. It
// returns false for requests the caller must handle.
func (c *Control) handleStandardLocked(req StandardRequest) bool {
	s := &c.setup

	switch req {
	case RequestGetDescriptor:
		if s.Recipient() != RequestRecipientDevice || c.opts.Descriptors == nil {
			return false
		}
		r := c.opts.Descriptors.Respond(s.DescriptorType(), s.DescriptorIndex(), s.Length, c.hw.Speed())
		switch r.Kind {
		case ResponseDescriptor:
			c.sendInLocked(r.Bytes, ControlData)
		case ResponseZLP:
			c.sendInLocked(nil, ControlData)
		default:
			pkg.LogDebug(pkg.ComponentControl, "descriptor unsupported", "type", s.DescriptorType(), "index", s.DescriptorIndex())
			c.stallLocked()
		}
		return true

	case RequestSetAddress:
		if s.Recipient() != RequestRecipientDevice {
			return false
		}
		c.setAddressLocked(uint8(s.Value & 0x7F))
		return true

	case RequestSetConfiguration:
		if s.Recipient() != RequestRecipientDevice {
			return false
		}
		value := uint8(s.Value)
		if s.Value > 1 {
			pkg.LogDebug(pkg.ComponentControl, "configuration rejected", "value", s.Value)
			c.stallLocked()
			return true
		}
		c.configuration = value
		c.configured = true
		if value == 0 {
			c.deviceState = StateAddress
		} else {
			c.deviceState = StateConfigured
		}
		if c.opts.OnConfigure != nil {
			c.opts.OnConfigure(value)
		}
		c.ackLocked()
		return true

	case RequestGetConfiguration:
		if s.Recipient() != RequestRecipientDevice {
			return false
		}
		c.replyLocked(c.configuration)
		return true

	case RequestGetStatus:
		c.replyLocked(0, 0)
		return true

	case RequestClearFeature, RequestSetFeature:
		if s.Recipient() != RequestRecipientEndpoint || s.Value != FeatureEndpointHalt {
			return false
		}
		if err := c.haltLocked(s.EndpointAddress(), req == RequestSetFeature); err != nil {
			pkg.LogDebug(pkg.ComponentControl, "halt feature rejected", "endpoint", s.EndpointAddress(), "err", err)
			c.stallLocked()
			return true
		}
		c.ackLocked()
		return true

	case RequestSetInterface:
		if !c.interfaceValidLocked() || s.Value != 0 {
			c.stallLocked()
			return true
		}
		c.ackLocked()
		return true

	case RequestGetInterface:
		if !c.interfaceValidLocked() {
			c.stallLocked()
			return true
		}
		c.replyLocked(0)
		return true
	}

	return false
}

func (c *Control) interfaceValidLocked() bool {
	d := c.opts.Descriptors
	return c.deviceState == StateConfigured && d != nil && d.Configuration != nil &&
		d.Configuration.HasInterface(c.setup.InterfaceNumber())
}

func (c *Control) haltLocked(address uint8, halt bool) error {
	ep, dir := address&0x0F, hal.DirectionOf(address)
	if ep == c.endpoint {
		if halt {
			return pkg.ErrInvalidEndpoint
		}
		c.hw.ClearFeatureEndpointHalt(ep, dir)
		return nil
	}
	if c.opts.Halter == nil {
		return pkg.ErrNotConfigured
	}
	if halt {
		return c.opts.Halter.Stall(ep, dir)
	}
	return c.opts.Halter.ClearHalt(ep, dir)
}

func (c *Control) setAddressLocked(address uint8) {
	c.writeZLPLocked()
	c.state = ControlStatus

	if c.opts.SynchronousSetAddress {
		if err := c.waitIdleLocked(c.opts.AddressTimeout); err == nil {
			c.applyAddressLocked(address)
			return
		}
		pkg.LogWarn(pkg.ComponentControl, "status stage still queued, deferring address", "address", address)
	}
	c.pending = PendingCallback{Kind: CallbackSetAddress, Address: address}
}

func (c *Control) applyAddressLocked(address uint8) {
	c.hw.SetAddress(address)
	c.address = address
	if address == 0 {
		c.deviceState = StateDefault
	} else if c.deviceState == StateDefault {
		c.deviceState = StateAddress
	}
	pkg.LogDebug(pkg.ComponentControl, "address applied", "address", address)
}

// waitIdleLocked waits until the host collected the packet in the EP0 IN FIFO.
func (c *Control) waitIdleLocked(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for c.hw.IsBusy(c.endpoint) {
		if time.Now().After(deadline) {
			if c.opts.Metrics != nil {
				c.opts.Metrics.Timeouts.Inc()
			}
			return pkg.ErrTimeout
		}
		time.Sleep(c.opts.PollInterval)
	}
	return nil
}

func (c *Control) startOutLocked() (*Request, error) {
	if int(c.setup.Length) > len(c.outBuf) {
		c.stallLocked()
		return nil, errors.Wrapf(pkg.ErrInvalidParameter, "control data stage of %d bytes, at most %d", c.setup.Length, len(c.outBuf))
	}
	c.outActive = true
	c.outLen = 0
	c.state = ControlData
	c.hw.EpOutPrimeReceive(c.endpoint)
	return nil, nil
}

func (c *Control) handleReceiveLocked(data []byte) (*Request, error) {
	switch {
	case c.outActive && (c.state == ControlSetup || c.state == ControlData):
		want := int(c.setup.Length)
		if c.outLen+len(data) > want {
			c.stallLocked()
			return nil, errors.Wrapf(pkg.ErrInvalidParameter, "control data stage overran wLength %d", want)
		}
		c.outLen += copy(c.outBuf[c.outLen:], data)
		if c.outLen < want && len(data) == c.packetSize() {
			c.hw.EpOutPrimeReceive(c.endpoint)
			return nil, nil
		}

		c.outActive = false
		req := &Request{Setup: c.setup, Data: slices.Clone(c.outBuf[:c.outLen])}
		if c.handleCollectedLocked() {
			return nil, nil
		}
		c.ackLocked()
		req.StatusQueued = true
		return req, nil

	case c.state == ControlStatus, c.state == ControlData:
		// Host status stage, or the host ended an IN data stage early.
		c.clearStagesLocked()
		if c.pending.Kind == CallbackPrimeOutForAck {
			c.pending = PendingCallback{}
		}
		c.state = ControlIdle
		return nil, nil

	default:
		pkg.LogDebug(pkg.ComponentControl, "unexpected OUT packet", "state", c.state.String(), "len", len(data))
		return nil, nil
	}
}

// handleCollectedLocked answers standard requests that carry an OUT data
// stage. None is supported, so they stall.
func (c *Control) handleCollectedLocked() bool {
	if req, ok := c.setup.StandardRequest(); ok && req == RequestSetDescriptor && c.opts.Descriptors != nil {
		c.stallLocked()
		return true
	}
	return false
}

func (c *Control) handleSendCompleteLocked() {
	if c.pending.Kind != CallbackNone {
		c.runPendingLocked()
		return
	}

	switch c.state {
	case ControlData:
		if c.inSeq != nil && (c.inOff < c.inTotal || c.inZLP) {
			c.writeNextInLocked()
			return
		}
		c.state = ControlStatus
	case ControlStatus:
		c.state = ControlIdle
	default:
		pkg.LogDebug(pkg.ComponentControl, "unexpected send complete", "state", c.state.String())
	}
}

func (c *Control) runPendingLocked() {
	cb := c.pending
	c.pending = PendingCallback{}

	switch cb.Kind {
	case CallbackSetAddress:
		c.applyAddressLocked(cb.Address)
		c.state = ControlIdle
	case CallbackPrimeOutForAck:
		c.hw.EpOutPrimeReceive(cb.Endpoint)
		c.inSeq = nil
		c.state = ControlStatus
	case CallbackSendZLPAck:
		c.hw.Write(cb.Endpoint, noBytes)
		c.hw.SetTxAckActive(cb.Endpoint)
		c.state = ControlStatus
	}
}

// sendInLocked starts an IN data stage of seq, which must already be
// limited to wLength. A nil seq sends a zero-length data stage.
func (c *Control) sendInLocked(seq iter.Seq[byte], next ControlState) {
	if seq == nil {
		seq = noBytes
	}
	total := 0
	for range seq {
		total++
	}
	mps := c.packetSize()
	c.inSeq = seq
	c.inTotal = total
	c.inOff = 0
	c.inZLP = total > 0 && total < int(c.setup.Length) && total%mps == 0
	c.state = next
	c.writeNextInLocked()
}

func (c *Control) writeNextInLocked() {
	n := min(c.packetSize(), c.inTotal-c.inOff)
	c.hw.Write(c.endpoint, window(c.inSeq, c.inOff, n))
	c.hw.SetTxAckActive(c.endpoint)
	c.inOff += n
	if n == 0 {
		c.inZLP = false
	}
	if c.inOff == c.inTotal && !c.inZLP {
		c.pending = PendingCallback{Kind: CallbackPrimeOutForAck, Endpoint: c.endpoint}
	}
}

// replyLocked sends a short fixed reply and goes straight to Status.
func (c *Control) replyLocked(b ...byte) {
	n := min(len(b), int(c.setup.Length))
	c.sendInLocked(slices.Values(b[:n]), ControlStatus)
}

// ackLocked queues the zero-length status stage of an OUT request. If the
// FIFO still holds a packet, the ZLP waits for its SendComplete.
func (c *Control) ackLocked() {
	c.state = ControlStatus
	if c.hw.IsBusy(c.endpoint) {
		c.pending = PendingCallback{Kind: CallbackSendZLPAck, Endpoint: c.endpoint}
		return
	}
	c.writeZLPLocked()
}

func (c *Control) writeZLPLocked() {
	c.hw.Write(c.endpoint, noBytes)
	c.hw.SetTxAckActive(c.endpoint)
}

func (c *Control) stallLocked() {
	if c.state == ControlStalled {
		return
	}
	c.hw.StallEndpointIn(c.endpoint)
	c.hw.StallEndpointOut(c.endpoint)
	c.pending = PendingCallback{}
	c.clearStagesLocked()
	c.awaiting = false
	c.state = ControlStalled
	if c.opts.Metrics != nil {
		c.opts.Metrics.Stalls.Inc()
	}
}

// Respond answers a surfaced device-to-host request. data is cut to wLength.
func (c *Control) Respond(data []byte) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.awaiting {
		return errors.Wrap(pkg.ErrInvalidState, "no control request awaiting a response")
	}
	if !c.setup.IsDeviceToHost() {
		return errors.Wrap(pkg.ErrInvalidRequest, "request has no IN data stage")
	}
	if len(data) > len(c.respBuf) {
		return errors.Wrapf(pkg.ErrBufferTooSmall, "response of %d bytes", len(data))
	}
	n := copy(c.respBuf[:], data[:min(len(data), int(c.setup.Length))])
	c.awaiting = false
	c.sendInLocked(slices.Values(c.respBuf[:n]), ControlData)
	return nil
}

// Ack completes a surfaced request without data: an OUT request gets its
// status ZLP, an IN request a zero-length data stage.
func (c *Control) Ack() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.awaiting {
		return errors.Wrap(pkg.ErrInvalidState, "no control request awaiting a response")
	}
	c.awaiting = false
	if c.setup.IsDeviceToHost() {
		c.sendInLocked(nil, ControlData)
		return nil
	}
	c.ackLocked()
	return nil
}

// Stall rejects the current request with a STALL handshake. It may be
// called at any time; the next SETUP clears it.
func (c *Control) Stall() {
	c.mutex.Lock()
	c.stallLocked()
	c.mutex.Unlock()
}

// DeferAddress registers an address to apply on the next SendComplete,
// for hosts that run enumeration themselves.
func (c *Control) DeferAddress(address uint8) {
	c.mutex.Lock()
	c.pending = PendingCallback{Kind: CallbackSetAddress, Address: address & 0x7F}
	c.mutex.Unlock()
}

// ApplyAddress writes the address register immediately.
func (c *Control) ApplyAddress(address uint8) {
	c.mutex.Lock()
	c.applyAddressLocked(address & 0x7F)
	c.mutex.Unlock()
}

// PrimeReceive arms EP0 OUT for a data or status packet the caller expects.
func (c *Control) PrimeReceive() {
	c.hw.EpOutPrimeReceive(c.endpoint)
}

// noBytes is the empty sequence, a zero-length packet.
func noBytes(func(byte) bool) {}

// window yields n bytes of seq starting at off.
func window(seq iter.Seq[byte], off, n int) iter.Seq[byte] {
	return func(yield func(byte) bool) {
		if n <= 0 {
			return
		}
		i := 0
		for b := range seq {
			if i >= off+n {
				return
			}
			if i >= off && !yield(b) {
				return
			}
			i++
		}
	}
}
