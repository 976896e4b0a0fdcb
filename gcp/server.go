package gcp

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/efficientgo/core/errors"

	"github.com/ardnew/moondancer/pkg"
)

// MaxFrameSize bounds the argument and payload length of one frame.
const MaxFrameSize = 16 * 1024

// RequestHeader precedes the arguments of every request frame.
type RequestHeader struct {
	Class  uint32
	Verb   uint32
	Length uint32
}

// ResponseHeader precedes the payload of every response frame.
type ResponseHeader struct {
	Status ErrorCode
	Length uint32
}

// Server answers request frames with the dispatcher.
type Server struct {
	dispatcher *Dispatcher
}

// NewServer creates a server for d.
func NewServer(d *Dispatcher) *Server {
	return &Server{dispatcher: d}
}

// ReadRequest reads one request frame. The arguments are read into buf,
// which must hold [MaxFrameSize] bytes.
func ReadRequest(r io.Reader, buf []byte) (RequestHeader, []byte, error) {
	var h RequestHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return h, nil, err
	}
	if h.Length > MaxFrameSize || int(h.Length) > len(buf) {
		return h, nil, errors.Wrapf(pkg.ErrBufferTooSmall, "request of %d bytes", h.Length)
	}
	args := buf[:h.Length]
	if _, err := io.ReadFull(r, args); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return h, nil, err
	}
	return h, args, nil
}

// WriteRequest writes one request frame.
func WriteRequest(w io.Writer, class uint32, verb Verb, args []byte) error {
	if len(args) > MaxFrameSize {
		return errors.Wrapf(pkg.ErrBufferTooSmall, "request of %d bytes", len(args))
	}
	h := RequestHeader{Class: class, Verb: uint32(verb), Length: uint32(len(args))}
	frame, err := binary.Append(make([]byte, 0, binary.Size(h)+len(args)), binary.LittleEndian, &h)
	if err != nil {
		return err
	}
	_, err = w.Write(append(frame, args...))
	return err
}

// ReadResponse reads one response frame, appending its payload to buf[:0].
func ReadResponse(r io.Reader, buf []byte) (ErrorCode, []byte, error) {
	var h ResponseHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return 0, nil, err
	}
	if h.Length > MaxFrameSize {
		return h.Status, nil, errors.Wrapf(pkg.ErrBufferTooSmall, "response of %d bytes", h.Length)
	}
	payload := append(buf[:0], make([]byte, h.Length)...)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return h.Status, nil, err
	}
	return h.Status, payload, nil
}

func writeResponse(w io.Writer, frame []byte, code ErrorCode, payload []byte) error {
	h := ResponseHeader{Status: code, Length: uint32(len(payload))}
	frame, err := binary.Append(frame[:0], binary.LittleEndian, &h)
	if err != nil {
		return err
	}
	_, err = w.Write(append(frame, payload...))
	return err
}

// Call sends one request on rw and waits for its response. It is the host
// side of [Server.ServeConn].
func Call(rw io.ReadWriter, verb Verb, args []byte) (ErrorCode, []byte, error) {
	if err := WriteRequest(rw, ClassMoondancer, verb, args); err != nil {
		return 0, nil, errors.Wrapf(err, "send %s", verb)
	}
	code, payload, err := ReadResponse(rw, nil)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "receive %s", verb)
	}
	return code, payload, nil
}

// ServeConn answers frames from rw until it reaches EOF, fails, or ctx is
// done. Closing rw is up to the caller.
func (s *Server) ServeConn(ctx context.Context, rw io.ReadWriter) error {
	args := make([]byte, MaxFrameSize)
	resp := make([]byte, 0, MaxFrameSize)
	frame := make([]byte, 0, binary.Size(ResponseHeader{})+MaxFrameSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		h, a, err := ReadRequest(rw, args)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Wrap(err, "read request")
		}

		var derr error
		resp, derr = s.dispatcher.Dispatch(ctx, h.Class, h.Verb, a, resp)
		if err := writeResponse(rw, frame, CodeOf(derr), resp); err != nil {
			return errors.Wrapf(err, "answer %s", Verb(h.Verb))
		}
	}
}

// Serve accepts connections from ln and serves each until ctx is done.
// It closes ln on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
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
			return errors.Wrap(err, "accept rpc connection")
		}
		pkg.LogInfo(pkg.ComponentRPC, "rpc connection", "remote", nc.RemoteAddr().String())

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer nc.Close()
			stop := context.AfterFunc(ctx, func() { nc.Close() })
			defer stop()
			if err := s.ServeConn(ctx, nc); err != nil && ctx.Err() == nil {
				pkg.LogWarn(pkg.ComponentRPC, "rpc connection closed", "err", err)
			}
		}()
	}
}
