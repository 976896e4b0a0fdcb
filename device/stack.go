package device

import (
	"context"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"

	"github.com/ardnew/moondancer/device/hal"
	"github.com/ardnew/moondancer/pkg"
)

// RequestHandler answers control requests the state machine surfaced. It
// runs on the main loop and answers through ctl.
type RequestHandler func(ctl *Control, req *Request)

// Options configures a [Stack].
type Options struct {
	// Descriptors is the enumeration table. With nil, every GET_DESCRIPTOR
	// is left for the handler or the host tool.
	Descriptors *Descriptors

	// Handler receives unhandled control requests. With nil, they are
	// recorded for the host tool to collect.
	Handler RequestHandler

	SynchronousSetAddress bool
	AddressTimeout        time.Duration
	WriteTimeout          time.Duration
	PollInterval          time.Duration

	// QueueDepth bounds events between interrupt and main loop.
	QueueDepth int

	// LazySetup leaves SETUP bytes in the FIFO until the main loop reads them.
	LazySetup bool

	Metrics *pkg.Metrics
}

// Stack wires the translator, the control state machine and endpoint
// buffering to one controller, and runs the main loop.
type Stack struct {
	hw         hal.Interface
	translator *Translator
	queue      *EventQueue
	control    *Control
	endpoints  *Endpoints
	events     EventLog
	handler    RequestHandler
	metrics    *pkg.Metrics
	opts       Options

	// irqMutex serializes ServiceInterrupt callers the way masking the
	// interrupt line does.
	irqMutex sync.Mutex
	wake     chan struct{}

	// State
	running bool
	mutex   sync.Mutex

	// unhandled holds the request the host tool must answer.
	unhandled *Request
}

// NewStack creates a stack for hw, with src as its pending-interrupt register.
func NewStack(hw hal.Interface, src hal.InterruptSource, opts Options) (*Stack, error) {
	if opts.Descriptors != nil {
		if err := opts.Descriptors.Validate(); err != nil {
			return nil, errors.Wrap(err, "descriptor table")
		}
	}
	if opts.Metrics == nil {
		opts.Metrics = pkg.NewMetrics(nil)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	s := &Stack{
		hw:         hw,
		translator: NewTranslator(hw, src),
		queue:      NewEventQueue(opts.QueueDepth),
		handler:    opts.Handler,
		metrics:    opts.Metrics,
		opts:       opts,
		wake:       make(chan struct{}, 1),
	}
	s.translator.LazySetup = opts.LazySetup
	s.endpoints = NewEndpoints(hw, EndpointOptions{
		WriteTimeout: opts.WriteTimeout,
		PollInterval: opts.PollInterval,
		Metrics:      opts.Metrics,
	})
	s.control = NewControl(hw, ControlOptions{
		Descriptors:           opts.Descriptors,
		SynchronousSetAddress: opts.SynchronousSetAddress,
		AddressTimeout:        opts.AddressTimeout,
		PollInterval:          opts.PollInterval,
		OnConfigure:           s.configure,
		Halter:                s.endpoints,
		Metrics:               opts.Metrics,
	})
	return s, nil
}

// Control returns the control state machine.
func (s *Stack) Control() *Control {
	return s.control
}

// Endpoints returns the endpoint buffering component.
func (s *Stack) Endpoints() *Endpoints {
	return s.endpoints
}

// Queue returns the interrupt event queue.
func (s *Stack) Queue() *EventQueue {
	return s.queue
}

// configure runs on the main loop after SET_CONFIGURATION.
func (s *Stack) configure(value uint8) {
	d := s.opts.Descriptors
	if value == 0 || d == nil || d.Configuration == nil {
		return
	}
	if err := s.endpoints.ConfigureFrom(d.Configuration); err != nil {
		pkg.LogWarn(pkg.ComponentStack, "configuring endpoints failed", "err", err)
	}
}

// Connect attaches to the bus and unmasks interrupts. A non-zero
// maxPacketSize0 overrides the EP0 packet size.
func (s *Stack) Connect(maxPacketSize0 uint16, speed hal.Speed) error {
	if maxPacketSize0 > 64 {
		return errors.Wrapf(pkg.ErrInvalidParameter, "EP0 max packet size %d", maxPacketSize0)
	}
	s.reset()
	s.control.SetMaxPacketSize0(maxPacketSize0)
	if err := s.hw.Connect(speed); err != nil {
		return errors.Wrapf(err, "connect at %s", speed)
	}
	s.hw.EnableInterrupts()
	pkg.LogInfo(pkg.ComponentStack, "connected", "speed", speed.String())
	return nil
}

// Disconnect masks interrupts and detaches from the bus.
func (s *Stack) Disconnect() {
	s.hw.DisableInterrupts()
	s.hw.Disconnect()
	s.reset()
	pkg.LogInfo(pkg.ComponentStack, "disconnected")
}

// BusReset resets the controller registers and every component.
func (s *Stack) BusReset() {
	s.hw.BusReset()
	s.reset()
}

func (s *Stack) reset() {
	s.control.Reset()
	s.endpoints.Reset()
	s.mutex.Lock()
	s.unhandled = nil
	s.mutex.Unlock()
}

// SetAddress sets the device address for a host tool running enumeration
// itself. A deferred address is applied on the next EP0 SendComplete.
func (s *Stack) SetAddress(address uint8, deferred bool) error {
	if address > 0x7F {
		return errors.Wrapf(pkg.ErrInvalidParameter, "address %d", address)
	}
	if deferred {
		s.control.DeferAddress(address)
		return nil
	}
	s.control.ApplyAddress(address)
	return nil
}

// ConfigureEndpoints loads the max packet size table.
func (s *Stack) ConfigureEndpoints(cfgs ...EndpointConfig) error {
	for _, cfg := range cfgs {
		if cfg.Address&0x0F == 0 {
			continue
		}
		if err := s.endpoints.Configure(cfg); err != nil {
			return err
		}
	}
	return nil
}

// StallEndpoint halts one half of an endpoint. Endpoint 0 stalls the
// current control request.
func (s *Stack) StallEndpoint(ep uint8, dir hal.Direction) error {
	if ep == 0 {
		s.control.Stall()
		return nil
	}
	return s.endpoints.Stall(ep, dir)
}

// ClearHalt clears a halt on one half of an endpoint.
func (s *Stack) ClearHalt(ep uint8, dir hal.Direction) error {
	if ep == 0 {
		s.hw.ClearFeatureEndpointHalt(0, dir)
		return nil
	}
	return s.endpoints.ClearHalt(ep, dir)
}

// PrimeReceive arms an OUT endpoint for one packet.
func (s *Stack) PrimeReceive(ep uint8) error {
	if ep == 0 {
		s.control.PrimeReceive()
		return nil
	}
	return s.endpoints.PrimeReceive(ep)
}

// ReadEndpoint takes the packet held for ep.
func (s *Stack) ReadEndpoint(ep uint8) (Packet, bool) {
	return s.endpoints.Take(ep)
}

// WriteEndpoint sends data on an IN endpoint. On endpoint 0 it answers the
// control request the host tool is servicing: data becomes the IN data
// stage, and empty data acknowledges an OUT request.
func (s *Stack) WriteEndpoint(ctx context.Context, ep uint8, data []byte, blocking bool) (int, error) {
	if ep != 0 {
		return s.endpoints.Write(ctx, ep, data, blocking)
	}
	if len(data) == 0 {
		return 0, s.control.Ack()
	}
	if err := s.control.Respond(data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// InterruptEvents drains the events recorded for the host tool.
func (s *Stack) InterruptEvents(dst []LoggedEvent) []LoggedEvent {
	return s.events.Drain(dst)
}

// NakStatus returns and clears the controller's NAK bitmap.
func (s *Stack) NakStatus() uint16 {
	return s.hw.NakStatus()
}

// ReadControl takes the unhandled control request waiting for the host tool.
func (s *Stack) ReadControl() (*Request, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	req := s.unhandled
	s.unhandled = nil
	return req, req != nil
}

// ServiceInterrupt is the interrupt handler: it translates one pending
// source into an event and queues it. It returns false when nothing was
// pending or the queue is full; in the latter case the source stays
// pending and is picked up on a later call.
func (s *Stack) ServiceInterrupt() bool {
	s.irqMutex.Lock()
	defer s.irqMutex.Unlock()

	if s.queue.Full() {
		return false
	}
	e := s.translator.Next()
	if e.Kind == EventNone {
		return false
	}
	if !s.queue.Push(e) {
		return false
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// Poll drains the event queue and returns the number of events handled.
func (s *Stack) Poll() int {
	n := 0
	for {
		e, ok := s.queue.Pop()
		if !ok {
			return n
		}
		s.dispatch(&e)
		n++
	}
}

func (s *Stack) dispatch(e *Event) {
	s.metrics.Events.WithLabelValues(e.Kind.String()).Inc()

	switch e.Kind {
	case EventBusReset:
		s.reset()
		s.events.Record(e.Kind, 0)
		pkg.LogDebug(pkg.ComponentStack, "bus reset")

	case EventUnknownInterrupt:
		s.metrics.UnknownInterrupts.Inc()
		pkg.LogWarn(pkg.ComponentInterrupt, "unknown interrupt", "pending", uint32(e.Pending))

	case EventError:
		pkg.LogWarn(pkg.ComponentInterrupt, "interrupt error", "endpoint", e.Endpoint, "err", e.Err)

	default:
		if e.Endpoint == 0 {
			s.dispatchControl(e)
			return
		}
		if err := s.endpoints.HandleEvent(e); err != nil {
			pkg.LogWarn(pkg.ComponentEndpoint, "event not buffered", "event", e.String(), "err", err)
		}
		s.events.Record(e.Kind, e.Endpoint)
	}
}

func (s *Stack) dispatchControl(e *Event) {
	req, err := s.control.HandleEvent(*e)
	if err != nil {
		pkg.LogWarn(pkg.ComponentControl, "control event failed", "event", e.String(), "err", err)
	}
	if req == nil {
		return
	}
	if s.handler != nil {
		s.handler(s.control, req)
		return
	}

	s.mutex.Lock()
	s.unhandled = req
	s.mutex.Unlock()
	s.events.Record(EventReceiveSetupPacket, 0)
	pkg.LogDebug(pkg.ComponentControl, "request left for host", "setup", req.Setup.String())
}

// Run is the main loop. It handles queued events as they arrive and, on
// every poll interval, re-checks the interrupt line for sources left
// pending while the queue was full. Run returns when ctx is done.
func (s *Stack) Run(ctx context.Context) error {
	s.mutex.Lock()
	if s.running {
		s.mutex.Unlock()
		return pkg.ErrAlreadyRunning
	}
	s.running = true
	s.mutex.Unlock()

	defer func() {
		s.mutex.Lock()
		s.running = false
		s.mutex.Unlock()
	}()

	pkg.LogDebug(pkg.ComponentStack, "main loop started")

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			pkg.LogDebug(pkg.ComponentStack, "main loop stopped")
			return ctx.Err()
		case <-s.wake:
		case <-ticker.C:
			for s.ServiceInterrupt() {
			}
		}
		s.Poll()
	}
}

// IsRunning reports whether Run is active.
func (s *Stack) IsRunning() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.running
}
