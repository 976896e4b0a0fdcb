package fifo

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/efficientgo/core/errors"

	"github.com/ardnew/moondancer/device/hal"
	"github.com/ardnew/moondancer/device/hal/eptri"
	"github.com/ardnew/moondancer/pkg"
)

// Message types. Requests flow from the host model to the bridge; every
// request is answered by exactly one message.
const (
	MsgSetup      = 0x01 // [ep][8 setup bytes] → handshake
	MsgData       = 0x02 // OUT: [ep][data] → handshake; IN reply: [data]
	MsgAck        = 0x03
	MsgNak        = 0x04
	MsgStall      = 0x05
	MsgIn         = 0x06 // [ep] → MsgData, MsgNak or MsgStall
	MsgConnection = 0x11 // → MsgConnection [SigConnect or SigDisconnect]
	MsgReset      = 0x12 // → MsgAck
	MsgAddress    = 0x13 // → MsgAddress [address]
)

// Connection state bytes carried by MsgConnection.
const (
	SigConnect    = 0x01
	SigDisconnect = 0x00
)

// HeaderSize is the size of a message header: type (1) + length (2).
const HeaderSize = 3

// MaxPayload is the largest message payload: an endpoint byte and one packet.
const MaxPayload = 1 + hal.MaxPacketSize

// Pipe names inside the bus directory.
const (
	PipeHostToDevice = "host_to_device"
	PipeDeviceToHost = "device_to_host"
)

// Bus is the host side of a controller model.
type Bus interface {
	HostReset()
	HostSetup(endpoint uint8, packet []byte) (eptri.Handshake, error)
	HostOut(endpoint uint8, data []byte) (eptri.Handshake, error)
	HostIn(endpoint uint8) ([]byte, eptri.Handshake, error)
	Address() uint8
	Connected() bool
}

// Bridge plays host transactions received as framed messages onto a [Bus].
// Any number of connections may be served; their transactions are applied
// one at a time.
type Bridge struct {
	bus   Bus
	mutex sync.Mutex
}

// NewBridge creates a bridge for bus.
func NewBridge(bus Bus) *Bridge {
	return &Bridge{bus: bus}
}

// conn holds the per-connection buffers.
type conn struct {
	rw       io.ReadWriter
	readBuf  [HeaderSize + MaxPayload]byte
	writeBuf [HeaderSize + MaxPayload]byte
}

// ReadMessage reads one message into buf and returns its type and payload.
func ReadMessage(r io.Reader, buf []byte) (byte, []byte, error) {
	if len(buf) < HeaderSize {
		return 0, nil, pkg.ErrBufferTooSmall
	}
	if _, err := io.ReadFull(r, buf[:HeaderSize]); err != nil {
		return 0, nil, err
	}
	msgType := buf[0]
	length := int(binary.LittleEndian.Uint16(buf[1:3]))
	if length > len(buf)-HeaderSize {
		return msgType, nil, errors.Wrapf(pkg.ErrBufferTooSmall, "message 0x%02X of %d bytes", msgType, length)
	}
	payload := buf[HeaderSize : HeaderSize+length]
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return msgType, nil, err
	}
	return msgType, payload, nil
}

// WriteMessage writes one message using buf for assembly. Payloads beyond
// [MaxPayload] are rejected.
func WriteMessage(w io.Writer, buf []byte, msgType byte, payload []byte) error {
	n := HeaderSize + len(payload)
	if len(payload) > MaxPayload || len(buf) < n {
		return errors.Wrapf(pkg.ErrBufferTooSmall, "message 0x%02X of %d bytes", msgType, len(payload))
	}
	buf[0] = msgType
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(payload)))
	copy(buf[HeaderSize:], payload)
	_, err := w.Write(buf[:n])
	return err
}

// ServeConn answers messages from rw until it reaches EOF, fails, or ctx is
// done. Closing rw is up to the caller.
func (b *Bridge) ServeConn(ctx context.Context, rw io.ReadWriter) error {
	c := &conn{rw: rw}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgType, payload, err := ReadMessage(rw, c.readBuf[:])
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Wrap(err, "read message")
		}
		if err := b.handle(c, msgType, payload); err != nil {
			return errors.Wrapf(err, "answer message 0x%02X", msgType)
		}
	}
}

func (b *Bridge) handle(c *conn, msgType byte, payload []byte) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	switch msgType {
	case MsgSetup:
		if len(payload) != 1+8 {
			return c.reply(MsgNak, nil)
		}
		hs, err := b.bus.HostSetup(payload[0], payload[1:])
		return c.handshake(hs, err)

	case MsgData:
		if len(payload) < 1 {
			return c.reply(MsgNak, nil)
		}
		hs, err := b.bus.HostOut(payload[0], payload[1:])
		return c.handshake(hs, err)

	case MsgIn:
		if len(payload) != 1 {
			return c.reply(MsgNak, nil)
		}
		data, hs, err := b.bus.HostIn(payload[0])
		if err == nil && hs == eptri.HandshakeACK {
			return c.reply(MsgData, data)
		}
		return c.handshake(hs, err)

	case MsgReset:
		b.bus.HostReset()
		return c.reply(MsgAck, nil)

	case MsgAddress:
		return c.reply(MsgAddress, []byte{b.bus.Address()})

	case MsgConnection:
		sig := byte(SigDisconnect)
		if b.bus.Connected() {
			sig = SigConnect
		}
		return c.reply(MsgConnection, []byte{sig})

	default:
		pkg.LogWarn(pkg.ComponentHAL, "unknown message type", "type", msgType)
		return c.reply(MsgNak, nil)
	}
}

func (c *conn) handshake(hs eptri.Handshake, err error) error {
	if err != nil {
		pkg.LogDebug(pkg.ComponentHAL, "bus transaction refused", "err", err)
		return c.reply(MsgNak, nil)
	}
	switch hs {
	case eptri.HandshakeACK:
		return c.reply(MsgAck, nil)
	case eptri.HandshakeSTALL:
		return c.reply(MsgStall, nil)
	default:
		return c.reply(MsgNak, nil)
	}
}

func (c *conn) reply(msgType byte, payload []byte) error {
	return WriteMessage(c.rw, c.writeBuf[:], msgType, payload)
}

// Serve accepts connections from ln and serves each until ctx is done.
// It closes ln on return.
func (b *Bridge) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept bus connection")
		}
		pkg.LogDebug(pkg.ComponentHAL, "bus connection", "remote", nc.RemoteAddr().String())

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer nc.Close()
			stop := context.AfterFunc(ctx, func() { nc.Close() })
			defer stop()
			if err := b.ServeConn(ctx, nc); err != nil && ctx.Err() == nil {
				pkg.LogWarn(pkg.ComponentHAL, "bus connection closed", "err", err)
			}
		}()
	}
}

// Pipes is a pair of named pipes in a bus directory: the host writes
// host_to_device and reads device_to_host.
type Pipes struct {
	dir          string
	hostToDevice *os.File
	deviceToHost *os.File
}

// OpenPipes creates the bus directory and both named pipes in it, and opens
// them for the bridge side.
func OpenPipes(dir string) (*Pipes, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create bus dir")
	}
	p := &Pipes{dir: dir}
	for _, name := range []string{PipeHostToDevice, PipeDeviceToHost} {
		if err := createFIFO(filepath.Join(dir, name)); err != nil {
			return nil, err
		}
	}

	var err error
	// O_RDWR keeps the open from blocking until the host opens its end.
	if p.hostToDevice, err = os.OpenFile(p.Path(PipeHostToDevice), os.O_RDWR, 0); err != nil {
		p.Close()
		return nil, errors.Wrapf(err, "open %s", PipeHostToDevice)
	}
	if p.deviceToHost, err = os.OpenFile(p.Path(PipeDeviceToHost), os.O_RDWR, 0); err != nil {
		p.Close()
		return nil, errors.Wrapf(err, "open %s", PipeDeviceToHost)
	}
	return p, nil
}

// createFIFO creates a named pipe at path, replacing any existing file.
func createFIFO(path string) error {
	os.Remove(path)
	if err := syscall.Mkfifo(path, 0o666); err != nil {
		return errors.Wrapf(err, "mkfifo %s", filepath.Base(path))
	}
	return nil
}

// Path returns the path of one pipe.
func (p *Pipes) Path(name string) string {
	return filepath.Join(p.dir, name)
}

// Read reads host requests.
func (p *Pipes) Read(b []byte) (int, error) {
	return p.hostToDevice.Read(b)
}

// Write writes replies to the host.
func (p *Pipes) Write(b []byte) (int, error) {
	return p.deviceToHost.Write(b)
}

// Close closes both pipes and removes them from the bus directory.
func (p *Pipes) Close() error {
	var errs []error
	for _, f := range []*os.File{p.hostToDevice, p.deviceToHost} {
		if f != nil {
			if err := f.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	os.Remove(p.Path(PipeHostToDevice))
	os.Remove(p.Path(PipeDeviceToHost))
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

var _ Bus = (*eptri.Controller)(nil)
