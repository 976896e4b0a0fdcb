// Package fifo bridges an external host model to the in-memory eptri
// controller over a framed message stream.
//
// Every message is a header of one type byte and a little-endian 16-bit
// payload length, followed by the payload. The host sends one request and
// reads exactly one reply:
//
//	MsgSetup   [ep][8 setup bytes]   → MsgAck | MsgNak | MsgStall
//	MsgData    [ep][data]            → MsgAck | MsgNak | MsgStall
//	MsgIn      [ep]                  → MsgData [data] | MsgNak | MsgStall
//	MsgReset                         → MsgAck
//	MsgAddress                       → MsgAddress [address]
//	MsgConnection                    → MsgConnection [SigConnect | SigDisconnect]
//
// A bridge serves any [io.ReadWriter]: a network connection accepted by
// [Bridge.Serve], or the named pipes created by [OpenPipes] in a bus
// directory:
//
//	/tmp/usb-bus/
//	├── host_to_device   # requests from the host
//	└── device_to_host   # replies to the host
//
// Named pipes need a platform with mkfifo.
package fifo
