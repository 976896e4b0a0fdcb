package device

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ardnew/moondancer/device/hal"
	"github.com/ardnew/moondancer/device/hal/eptri"
	"github.com/ardnew/moondancer/pkg"
)

type testBus struct {
	t     *testing.T
	hw    *eptri.Controller
	stack *Stack
}

func newTestBus(t *testing.T, opts Options) *testBus {
	t.Helper()
	hw := eptri.New()
	s, err := NewStack(hw, hw, opts)
	if err != nil {
		t.Fatalf("NewStack() error = %v", err)
	}
	if err := s.Connect(0, hal.SpeedHigh); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return &testBus{t: t, hw: hw, stack: s}
}

// pump runs the interrupt handler until nothing is pending, then the main loop.
func (b *testBus) pump() {
	for b.stack.ServiceInterrupt() {
	}
	b.stack.Poll()
}

func (b *testBus) setup(s SetupPacket) {
	b.t.Helper()
	if hs, err := b.hw.HostSetup(0, setupBytes(s)); err != nil || hs != eptri.HandshakeACK {
		b.t.Fatalf("HostSetup() = %v, %v", hs, err)
	}
	b.pump()
}

func (b *testBus) in(ep uint8) []byte {
	b.t.Helper()
	data, hs, err := b.hw.HostIn(ep)
	if err != nil || hs != eptri.HandshakeACK {
		b.t.Fatalf("HostIn(%d) = %v, %v", ep, hs, err)
	}
	b.pump()
	return data
}

func (b *testBus) out(ep uint8, data []byte) {
	b.t.Helper()
	if hs, err := b.hw.HostOut(ep, data); err != nil || hs != eptri.HandshakeACK {
		b.t.Fatalf("HostOut(%d) = %v, %v", ep, hs, err)
	}
	b.pump()
}

// controlIn runs a complete IN control transfer the way a host does.
func (b *testBus) controlIn(s SetupPacket) []byte {
	b.t.Helper()
	b.setup(s)
	var data []byte
	for {
		packet := b.in(0)
		data = append(data, packet...)
		if len(packet) < 64 || len(data) >= int(s.Length) {
			break
		}
	}
	b.out(0, nil)
	return data
}

// controlOut runs a control transfer without a data stage.
func (b *testBus) controlOut(s SetupPacket) {
	b.t.Helper()
	b.setup(s)
	if status := b.in(0); len(status) != 0 {
		b.t.Fatalf("status stage = %d bytes, want ZLP", len(status))
	}
}

func TestStack_Enumeration(t *testing.T) {
	desc := testDescriptors(t)
	b := newTestBus(t, Options{Descriptors: desc})

	var setup SetupPacket
	GetDescriptorSetup(&setup, DescriptorTypeDevice, 0, 64)
	got := b.controlIn(setup)
	var want [DeviceDescriptorSize]byte
	desc.Device.MarshalTo(want[:])
	if diff := cmp.Diff(want[:], got); diff != "" {
		t.Errorf("device descriptor mismatch (-want +got):\n%s", diff)
	}

	GetSetAddressSetup(&setup, 7)
	b.setup(setup)
	if _, hs, _ := b.hw.HostIn(0); hs != eptri.HandshakeACK {
		t.Fatalf("status handshake = %v", hs)
	}
	if b.hw.Address() != 0 {
		t.Fatalf("address %d applied before SendComplete was serviced", b.hw.Address())
	}
	b.pump()
	if b.hw.Address() != 7 {
		t.Fatalf("address = %d, want 7", b.hw.Address())
	}

	GetDescriptorSetup(&setup, DescriptorTypeConfiguration, 0, 9)
	header := b.controlIn(setup)
	var cfg ConfigurationDescriptor
	if err := ParseConfigurationDescriptor(header, &cfg); err != nil {
		t.Fatalf("configuration header: %v", err)
	}

	GetDescriptorSetup(&setup, DescriptorTypeConfiguration, 0, cfg.TotalLength)
	full := b.controlIn(setup)
	if diff := cmp.Diff(slices.Collect(desc.Configuration.Bytes(DescriptorTypeConfiguration)), full); diff != "" {
		t.Errorf("configuration mismatch (-want +got):\n%s", diff)
	}

	GetDescriptorSetup(&setup, DescriptorTypeString, 2, 255)
	product := b.controlIn(setup)
	if len(product) != 2+2*len("Cynthion") || product[1] != DescriptorTypeString {
		t.Errorf("product string descriptor = %x", product)
	}

	GetSetConfigurationSetup(&setup, 1)
	b.controlOut(setup)
	if value, ok := b.stack.Control().Configuration(); !ok || value != 1 {
		t.Fatalf("Configuration() = %d, %v", value, ok)
	}
	if b.stack.Endpoints().MaxPacketSize(1, hal.DirectionIn) != 512 {
		t.Error("endpoint table not loaded by SET_CONFIGURATION")
	}

	b.out(2, []byte("hello"))
	p, ok := b.stack.ReadEndpoint(2)
	if !ok || string(p.Bytes()) != "hello" {
		t.Errorf("ReadEndpoint(2) = %q, %v", p.Bytes(), ok)
	}

	events := b.stack.InterruptEvents(nil)
	if !slices.Contains(events, LoggedEvent{Kind: EventReceivePacket, Endpoint: 2}) {
		t.Errorf("InterruptEvents() = %v, want a receive on ep2", events)
	}
}

func TestStack_UnhandledRequest(t *testing.T) {
	b := newTestBus(t, Options{})

	setup := vendorSetup(RequestDirectionDeviceToHost, 0x33, 4)
	b.setup(setup)

	req, ok := b.stack.ReadControl()
	if !ok {
		t.Fatal("ReadControl() found no request")
	}
	if diff := cmp.Diff(setup, req.Setup); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}
	if _, ok := b.stack.ReadControl(); ok {
		t.Error("ReadControl() returned the request twice")
	}

	n, err := b.stack.WriteEndpoint(context.Background(), 0, []byte{1, 2, 3, 4, 5}, false)
	if err != nil || n != 5 {
		t.Fatalf("WriteEndpoint(0) = %d, %v", n, err)
	}
	if got := b.in(0); !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("data stage = %x, want wLength bytes", got)
	}
	b.out(0, nil)
	if b.stack.Control().State() != ControlIdle {
		t.Errorf("State() = %v, want Idle", b.stack.Control().State())
	}
}

func TestStack_RequestHandler(t *testing.T) {
	var seen []uint8
	b := newTestBus(t, Options{
		Handler: func(ctl *Control, req *Request) {
			seen = append(seen, req.Setup.Request)
			if req.Setup.IsHostToDevice() {
				if !req.StatusQueued {
					ctl.Ack()
				}
				return
			}
			ctl.Respond([]byte{0xAA})
		},
	})

	b.controlOut(vendorSetup(RequestDirectionHostToDevice, 0x01, 0))
	if got := b.controlIn(vendorSetup(RequestDirectionDeviceToHost, 0x02, 1)); !bytes.Equal(got, []byte{0xAA}) {
		t.Errorf("data stage = %x", got)
	}

	b.setup(vendorSetup(RequestDirectionHostToDevice, 0x03, 3))
	b.out(0, []byte{7, 8, 9})
	if status := b.in(0); len(status) != 0 {
		t.Errorf("status stage = %d bytes", len(status))
	}

	if diff := cmp.Diff([]uint8{0x01, 0x02, 0x03}, seen); diff != "" {
		t.Errorf("handled requests mismatch (-want +got):\n%s", diff)
	}
	if _, ok := b.stack.ReadControl(); ok {
		t.Error("handled request also left for the host")
	}
}

func TestStack_BusReset(t *testing.T) {
	b := newTestBus(t, Options{Descriptors: testDescriptors(t)})

	var setup SetupPacket
	GetSetConfigurationSetup(&setup, 1)
	b.controlOut(setup)
	b.out(2, []byte{1})

	b.hw.HostReset()
	b.pump()

	if _, ok := b.stack.Control().Configuration(); ok {
		t.Error("configuration survived bus reset")
	}
	if b.stack.Endpoints().Held() != 0 {
		t.Error("buffered packet survived bus reset")
	}
	events := b.stack.InterruptEvents(nil)
	if len(events) == 0 || events[len(events)-1].Kind != EventBusReset {
		t.Errorf("InterruptEvents() = %v, want a trailing bus reset", events)
	}
}

func TestStack_QueueFullLeavesInterruptPending(t *testing.T) {
	b := newTestBus(t, Options{QueueDepth: 1})

	b.hw.RaiseUnknown(1 << 10)
	b.hw.HostReset()

	if !b.stack.ServiceInterrupt() {
		t.Fatal("first ServiceInterrupt() = false")
	}
	if b.stack.ServiceInterrupt() {
		t.Fatal("ServiceInterrupt() = true with a full queue")
	}
	if b.hw.Pending() == 0 {
		t.Fatal("pending source lost while the queue was full")
	}
	if b.stack.Queue().Dropped() != 0 {
		t.Errorf("Dropped() = %d, want 0", b.stack.Queue().Dropped())
	}

	if n := b.stack.Poll(); n != 1 {
		t.Errorf("Poll() = %d, want 1", n)
	}
	b.pump()
	if b.hw.Pending() != 0 {
		t.Errorf("pending = %#x after pump", b.hw.Pending())
	}
}

func TestStack_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := pkg.NewMetrics(reg)
	b := newTestBus(t, Options{Metrics: m})

	b.hw.RaiseUnknown(1 << 9)
	b.pump()

	if got := testutil.ToFloat64(m.UnknownInterrupts); got != 1 {
		t.Errorf("unknown interrupts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Events.WithLabelValues(EventUnknownInterrupt.String())); got != 1 {
		t.Errorf("unknown interrupt events = %v, want 1", got)
	}
}

func TestStack_Overflow(t *testing.T) {
	m := pkg.NewMetrics(nil)
	b := newTestBus(t, Options{Metrics: m})

	for ep := uint8(1); ep <= PacketBufferSlots+1; ep++ {
		if err := b.stack.PrimeReceive(ep); err != nil {
			t.Fatalf("PrimeReceive(%d) error = %v", ep, err)
		}
		b.out(ep, make([]byte, PacketSlotSize))
	}

	if b.stack.Endpoints().Held() != PacketBufferSlots {
		t.Errorf("Held() = %d, want %d", b.stack.Endpoints().Held(), PacketBufferSlots)
	}
	if got := testutil.ToFloat64(m.Overflows); got != 1 {
		t.Errorf("overflows = %v, want 1", got)
	}
	if _, ok := b.stack.ReadEndpoint(PacketBufferSlots + 1); ok {
		t.Error("dropped packet is readable")
	}
}

func TestStack_EndpointVerbs(t *testing.T) {
	b := newTestBus(t, Options{})

	if err := b.stack.ConfigureEndpoints(
		EndpointConfig{Address: 0x00, MaxPacketSize: 64},
		EndpointConfig{Address: 0x81, MaxPacketSize: 64},
	); err != nil {
		t.Fatalf("ConfigureEndpoints() error = %v", err)
	}

	n, err := b.stack.WriteEndpoint(context.Background(), 1, []byte{1, 2}, false)
	if err != nil || n != 2 {
		t.Fatalf("WriteEndpoint(1) = %d, %v", n, err)
	}
	if got := b.in(1); !bytes.Equal(got, []byte{1, 2}) {
		t.Errorf("HostIn(1) = %x", got)
	}
	if b.hw.IsTxAckActive(1) {
		t.Error("SendComplete did not clear the tx-ack flag")
	}

	if err := b.stack.StallEndpoint(1, hal.DirectionIn); err != nil {
		t.Fatalf("StallEndpoint() error = %v", err)
	}
	if !b.hw.Stalled(1, hal.DirectionIn) {
		t.Error("EP1 IN not stalled")
	}
	if err := b.stack.ClearHalt(1, hal.DirectionIn); err != nil {
		t.Fatalf("ClearHalt() error = %v", err)
	}
	if b.hw.Stalled(1, hal.DirectionIn) {
		t.Error("EP1 IN still stalled")
	}

	b.hw.HostOut(3, []byte{1})
	if nak := b.stack.NakStatus(); nak != 1<<3 {
		t.Errorf("NakStatus() = %#x, want %#x", nak, 1<<3)
	}

	if err := b.stack.SetAddress(0x80, false); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("SetAddress(0x80) error = %v, want ErrInvalidParameter", err)
	}
	if err := b.stack.SetAddress(21, false); err != nil || b.hw.Address() != 21 {
		t.Errorf("SetAddress(21) = %v, address %d", err, b.hw.Address())
	}
}

func TestStack_ConnectErrors(t *testing.T) {
	hw := eptri.New()
	s, err := NewStack(hw, hw, Options{})
	if err != nil {
		t.Fatalf("NewStack() error = %v", err)
	}
	if err := s.Connect(128, hal.SpeedHigh); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("Connect(128) error = %v, want ErrInvalidParameter", err)
	}
	if err := s.Connect(0, hal.Speed(7)); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("Connect(speed 7) error = %v, want ErrInvalidParameter", err)
	}

	if _, err := NewStack(hw, hw, Options{Descriptors: &Descriptors{}}); !errors.Is(err, pkg.ErrNotConfigured) {
		t.Errorf("NewStack() with an empty table error = %v, want ErrNotConfigured", err)
	}
}

func TestStack_Run(t *testing.T) {
	hw := eptri.New()
	s, err := NewStack(hw, hw, Options{
		Descriptors:  testDescriptors(t),
		PollInterval: 100 * time.Microsecond,
	})
	if err != nil {
		t.Fatalf("NewStack() error = %v", err)
	}
	if err := s.Connect(0, hal.SpeedHigh); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !s.IsRunning() {
		if time.Now().After(deadline) {
			t.Fatal("Run did not start")
		}
		time.Sleep(time.Millisecond)
	}
	if err := s.Run(ctx); !errors.Is(err, pkg.ErrAlreadyRunning) {
		t.Errorf("second Run() error = %v, want ErrAlreadyRunning", err)
	}

	var setup SetupPacket
	GetDescriptorSetup(&setup, DescriptorTypeDevice, 0, 18)
	hw.HostSetup(0, setupBytes(setup))

	var data []byte
	for len(data) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no data stage from the main loop")
		}
		if packet, hs, _ := hw.HostIn(0); hs == eptri.HandshakeACK {
			data = packet
		}
		time.Sleep(100 * time.Microsecond)
	}
	if len(data) != DeviceDescriptorSize {
		t.Errorf("data stage = %d bytes, want %d", len(data), DeviceDescriptorSize)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if s.IsRunning() {
		t.Error("IsRunning() after Run returned")
	}
}
