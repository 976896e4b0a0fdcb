// Package gcp exposes the device stack to a host-side tool as a numbered
// verb table in the libgreat style.
//
// Every verb belongs to [ClassMoondancer]. Arguments and responses are
// fixed-layout little-endian structures; a verb that fails answers with an
// errno-style [ErrorCode] instead of payload, except write_endpoint, which
// always reports how many bytes reached the FIFO.
//
// Frames on a stream are:
//
//	request:  [u32 class][u32 verb][u32 length][arguments]
//	response: [u32 status][u32 length][payload]
//
// [Server] answers frames from any [io.ReadWriter] or accepted connection,
// and [Call] is the matching host side.
package gcp
