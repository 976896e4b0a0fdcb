package fifo

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ardnew/moondancer/device/hal"
	"github.com/ardnew/moondancer/device/hal/eptri"
	"github.com/ardnew/moondancer/pkg"
)

type message struct {
	Type    byte
	Payload []byte
}

type stream struct {
	io.Reader
	io.Writer
}

// exchange serves requests through a bridge and returns the replies.
func exchange(t *testing.T, bus Bus, requests ...message) []message {
	t.Helper()

	var in, out bytes.Buffer
	var buf [HeaderSize + MaxPayload]byte
	for _, m := range requests {
		if err := WriteMessage(&in, buf[:], m.Type, m.Payload); err != nil {
			t.Fatalf("WriteMessage() error = %v", err)
		}
	}

	if err := NewBridge(bus).ServeConn(context.Background(), stream{&in, &out}); err != nil {
		t.Fatalf("ServeConn() error = %v", err)
	}

	var replies []message
	for out.Len() > 0 {
		typ, payload, err := ReadMessage(&out, buf[:])
		if err != nil {
			t.Fatalf("ReadMessage() error = %v", err)
		}
		replies = append(replies, message{Type: typ, Payload: slices.Clone(payload)})
	}
	return replies
}

func connectedBus(t *testing.T) *eptri.Controller {
	t.Helper()
	c := eptri.New()
	if err := c.Connect(hal.SpeedHigh); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return c
}

func TestMessageFraming(t *testing.T) {
	var b bytes.Buffer
	var buf [HeaderSize + MaxPayload]byte

	if err := WriteMessage(&b, buf[:], MsgData, []byte{1, 2, 3}); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if want := []byte{MsgData, 3, 0, 1, 2, 3}; !bytes.Equal(b.Bytes(), want) {
		t.Errorf("encoded = %x, want %x", b.Bytes(), want)
	}

	typ, payload, err := ReadMessage(&b, buf[:])
	if err != nil || typ != MsgData || !bytes.Equal(payload, []byte{1, 2, 3}) {
		t.Errorf("ReadMessage() = %#x %x %v", typ, payload, err)
	}
}

func TestMessageFramingErrors(t *testing.T) {
	var buf [HeaderSize + MaxPayload]byte

	if err := WriteMessage(io.Discard, buf[:], MsgData, make([]byte, MaxPayload+1)); !errors.Is(err, pkg.ErrBufferTooSmall) {
		t.Errorf("oversized WriteMessage() error = %v, want ErrBufferTooSmall", err)
	}

	truncated := bytes.NewReader([]byte{MsgData, 4, 0, 1})
	if _, _, err := ReadMessage(truncated, buf[:]); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("truncated ReadMessage() error = %v, want ErrUnexpectedEOF", err)
	}

	long := bytes.NewReader([]byte{MsgData, 0xFF, 0xFF})
	if _, _, err := ReadMessage(long, buf[:]); !errors.Is(err, pkg.ErrBufferTooSmall) {
		t.Errorf("long ReadMessage() error = %v, want ErrBufferTooSmall", err)
	}

	if _, _, err := ReadMessage(bytes.NewReader(nil), buf[:]); err != io.EOF {
		t.Errorf("empty ReadMessage() error = %v, want EOF", err)
	}
}

func TestBridge_Transactions(t *testing.T) {
	bus := connectedBus(t)
	bus.EpOutPrimeReceive(2)
	bus.Write(1, slices.Values([]byte{0xCA, 0xFE}))
	bus.StallEndpointIn(3)

	setup := []byte{0, 0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00}
	got := exchange(t, bus,
		message{Type: MsgSetup, Payload: setup},
		message{Type: MsgData, Payload: []byte{2, 0xAA, 0xBB}},
		message{Type: MsgData, Payload: []byte{2, 0xCC}},
		message{Type: MsgIn, Payload: []byte{1}},
		message{Type: MsgIn, Payload: []byte{1}},
		message{Type: MsgIn, Payload: []byte{3}},
		message{Type: MsgAddress},
		message{Type: MsgConnection},
		message{Type: 0x7F},
	)

	want := []message{
		{Type: MsgAck},
		{Type: MsgAck},
		{Type: MsgNak},
		{Type: MsgData, Payload: []byte{0xCA, 0xFE}},
		{Type: MsgNak},
		{Type: MsgStall},
		{Type: MsgAddress, Payload: []byte{0}},
		{Type: MsgConnection, Payload: []byte{SigConnect}},
		{Type: MsgNak},
	}
	if diff := cmp.Diff(want, got, cmp.Comparer(bytes.Equal)); diff != "" {
		t.Errorf("replies mismatch (-want +got):\n%s", diff)
	}

	var packet [8]byte
	if n := bus.ReadControl(packet[:]); n != 8 || !bytes.Equal(packet[:], setup[1:]) {
		t.Errorf("SETUP FIFO = %x", packet[:n])
	}
	var data [4]byte
	if n := bus.Read(2, data[:]); !bytes.Equal(data[:n], []byte{0xAA, 0xBB}) {
		t.Errorf("EP2 OUT FIFO = %x", data[:n])
	}
	if bus.NakStatus()&(1<<2) == 0 {
		t.Error("second OUT did not NAK")
	}
}

func TestBridge_Reset(t *testing.T) {
	bus := connectedBus(t)
	bus.SetAddress(9)

	got := exchange(t, bus, message{Type: MsgReset}, message{Type: MsgAddress})
	want := []message{{Type: MsgAck}, {Type: MsgAddress, Payload: []byte{0}}}
	if diff := cmp.Diff(want, got, cmp.Comparer(bytes.Equal)); diff != "" {
		t.Errorf("replies mismatch (-want +got):\n%s", diff)
	}
	if bus.Pending()&hal.IntBusReset == 0 {
		t.Error("bus reset interrupt not raised")
	}
}

func TestBridge_Disconnected(t *testing.T) {
	bus := eptri.New()

	got := exchange(t, bus,
		message{Type: MsgSetup, Payload: make([]byte, 9)},
		message{Type: MsgSetup, Payload: make([]byte, 4)},
		message{Type: MsgConnection},
	)
	want := []message{
		{Type: MsgNak},
		{Type: MsgNak},
		{Type: MsgConnection, Payload: []byte{SigDisconnect}},
	}
	if diff := cmp.Diff(want, got, cmp.Comparer(bytes.Equal)); diff != "" {
		t.Errorf("replies mismatch (-want +got):\n%s", diff)
	}
}

func TestBridge_Serve(t *testing.T) {
	bus := connectedBus(t)
	bus.SetAddress(42)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewBridge(bus).Serve(ctx, ln) }()

	nc, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer nc.Close()

	var buf [HeaderSize + MaxPayload]byte
	if err := WriteMessage(nc, buf[:], MsgAddress, nil); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	typ, payload, err := ReadMessage(nc, buf[:])
	if err != nil || typ != MsgAddress || !bytes.Equal(payload, []byte{42}) {
		t.Errorf("reply = %#x %x %v", typ, payload, err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Serve() error = %v", err)
	}
}

func TestOpenPipes(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "bus")
	p, err := OpenPipes(dir)
	if err != nil {
		t.Skipf("named pipes unavailable: %v", err)
	}

	for _, name := range []string{PipeHostToDevice, PipeDeviceToHost} {
		fi, err := os.Stat(p.Path(name))
		if err != nil {
			t.Fatalf("Stat(%s) error = %v", name, err)
		}
		if fi.Mode()&os.ModeNamedPipe == 0 {
			t.Errorf("%s mode = %v, want a named pipe", name, fi.Mode())
		}
	}

	// The bridge side holds both ends open, so its own reply is readable.
	var buf [HeaderSize + MaxPayload]byte
	if err := WriteMessage(p.deviceToHost, buf[:], MsgAck, nil); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if typ, _, err := ReadMessage(p.deviceToHost, buf[:]); err != nil || typ != MsgAck {
		t.Errorf("ReadMessage() = %#x, %v", typ, err)
	}

	if err := p.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if _, err := os.Stat(p.Path(PipeHostToDevice)); !os.IsNotExist(err) {
		t.Errorf("pipe not removed: %v", err)
	}
}
