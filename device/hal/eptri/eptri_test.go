package eptri

import (
	"bytes"
	"errors"
	"slices"
	"testing"

	"github.com/ardnew/moondancer/device/hal"
	"github.com/ardnew/moondancer/pkg"
)

func connected(t *testing.T) *Controller {
	t.Helper()
	c := New()
	if err := c.Connect(hal.SpeedHigh); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return c
}

func TestConnectRejectsBadSpeed(t *testing.T) {
	c := New()
	if err := c.Connect(hal.Speed(9)); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("Connect(9) error = %v, want ErrInvalidParameter", err)
	}
	if c.Connected() {
		t.Error("controller should stay disconnected")
	}
}

func TestHostSetupRequiresConnection(t *testing.T) {
	c := New()
	if _, err := c.HostSetup(0, make([]byte, 8)); !errors.Is(err, pkg.ErrNotConnected) {
		t.Errorf("HostSetup() error = %v, want ErrNotConnected", err)
	}
}

func TestSetupFIFO(t *testing.T) {
	c := connected(t)
	c.StallEndpointIn(0)

	packet := []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00}
	if hs, err := c.HostSetup(0, packet); err != nil || hs != HandshakeACK {
		t.Fatalf("HostSetup() = %v, %v", hs, err)
	}
	if c.Pending()&hal.IntSetup == 0 {
		t.Fatal("setup interrupt not pending")
	}
	if c.Stalled(0, hal.DirectionIn) {
		t.Error("SETUP should clear the EP0 stall")
	}
	if !c.PID(0, hal.DirectionIn) {
		t.Error("SETUP should load DATA1")
	}

	var buf [8]byte
	if n := c.ReadControl(buf[:]); n != 8 || !bytes.Equal(buf[:], packet) {
		t.Errorf("ReadControl() = %d %x", n, buf)
	}
	c.Clear(hal.IntSetup)
	if c.Pending() != 0 {
		t.Errorf("pending = %#x after clear", c.Pending())
	}
}

func TestOutRequiresPrime(t *testing.T) {
	c := connected(t)

	if hs, _ := c.HostOut(2, []byte{1, 2, 3}); hs != HandshakeNAK {
		t.Errorf("unprimed OUT handshake = %v, want NAK", hs)
	}
	if got := c.NakStatus(); got != 1<<2 {
		t.Errorf("NakStatus() = %#x, want %#x", got, 1<<2)
	}
	if got := c.NakStatus(); got != 0 {
		t.Errorf("NakStatus() not cleared: %#x", got)
	}

	c.EpOutPrimeReceive(2)
	if hs, _ := c.HostOut(2, []byte{1, 2, 3}); hs != HandshakeACK {
		t.Fatalf("primed OUT handshake = %v, want ACK", hs)
	}
	if c.Primed(2) {
		t.Error("prime should be consumed by one packet")
	}
	if ep := c.Endpoint(hal.IntOut); ep != 2 {
		t.Errorf("Endpoint(IntOut) = %d, want 2", ep)
	}

	var buf [16]byte
	if n := c.Read(2, buf[:]); n != 3 || !bytes.Equal(buf[:3], []byte{1, 2, 3}) {
		t.Errorf("Read() = %d %v", n, buf[:n])
	}
}

func TestStalledOut(t *testing.T) {
	c := connected(t)
	c.EpOutPrimeReceive(1)
	c.StallEndpointOut(1)
	if hs, _ := c.HostOut(1, nil); hs != HandshakeSTALL {
		t.Errorf("handshake = %v, want STALL", hs)
	}
	c.ClearFeatureEndpointHalt(1, hal.DirectionOut)
	if hs, _ := c.HostOut(1, nil); hs != HandshakeACK {
		t.Errorf("handshake after clear = %v, want ACK", hs)
	}
}

func TestInTransmission(t *testing.T) {
	c := connected(t)

	if _, hs, _ := c.HostIn(1); hs != HandshakeNAK {
		t.Errorf("idle IN handshake = %v, want NAK", hs)
	}

	if n := c.Write(1, slices.Values([]byte{9, 8, 7})); n != 3 {
		t.Fatalf("Write() = %d, want 3", n)
	}
	if !c.IsBusy(1) {
		t.Fatal("IN FIFO should be busy after Write")
	}

	data, hs, err := c.HostIn(1)
	if err != nil || hs != HandshakeACK || !bytes.Equal(data, []byte{9, 8, 7}) {
		t.Fatalf("HostIn() = %v, %v, %v", data, hs, err)
	}
	if c.IsBusy(1) {
		t.Error("IN FIFO should be idle after transmission")
	}
	if c.Pending()&hal.IntIn == 0 || c.Endpoint(hal.IntIn) != 1 {
		t.Error("send-complete interrupt not latched for endpoint 1")
	}
}

func TestLevelTriggeredLatch(t *testing.T) {
	c := connected(t)
	c.Write(1, slices.Values([]byte{1}))
	c.HostIn(1)
	c.Write(2, slices.Values([]byte{2}))
	c.HostIn(2)

	if ep := c.Endpoint(hal.IntIn); ep != 1 {
		t.Fatalf("first latched endpoint = %d, want 1", ep)
	}
	c.Clear(hal.IntIn)
	if c.Pending()&hal.IntIn == 0 {
		t.Fatal("second event should keep the source pending")
	}
	if ep := c.Endpoint(hal.IntIn); ep != 2 {
		t.Errorf("second latched endpoint = %d, want 2", ep)
	}
	c.Clear(hal.IntIn)
	if c.Pending() != 0 {
		t.Errorf("pending = %#x, want 0", c.Pending())
	}
}

func TestHostResetClearsState(t *testing.T) {
	c := connected(t)
	c.SetAddress(12)
	c.EpOutPrimeReceive(3)
	c.Write(1, slices.Values([]byte{1}))

	c.HostReset()

	if c.Address() != 0 {
		t.Errorf("address = %d after reset", c.Address())
	}
	if c.Primed(3) || c.IsBusy(1) {
		t.Error("endpoint state survived reset")
	}
	if c.Pending() != hal.IntBusReset {
		t.Errorf("pending = %#x, want bus reset only", c.Pending())
	}
}

func TestIRQSignalledWhenEnabled(t *testing.T) {
	c := connected(t)
	c.HostReset()

	select {
	case <-c.IRQ():
		t.Fatal("IRQ fired while masked")
	default:
	}

	c.EnableInterrupts()
	select {
	case <-c.IRQ():
	default:
		t.Fatal("enabling with a pending source should fire the IRQ")
	}
}

func TestTxAckFlag(t *testing.T) {
	c := New()
	c.SetTxAckActive(4)
	if !c.IsTxAckActive(4) {
		t.Error("tx ack flag not set")
	}
	c.ClearTxAckActive(4)
	if c.IsTxAckActive(4) {
		t.Error("tx ack flag not cleared")
	}
}
