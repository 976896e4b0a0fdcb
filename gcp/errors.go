package gcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/ardnew/moondancer/pkg"
)

// ErrorCode is the errno-style status returned to the host for every verb.
type ErrorCode uint32

// Status codes, numbered as the host-side tool expects them.
const (
	OK        ErrorCode = 0
	ENOENT    ErrorCode = 2
	EIO       ErrorCode = 5
	EAGAIN    ErrorCode = 11
	ENOMEM    ErrorCode = 12
	EBUSY     ErrorCode = 16
	ENODEV    ErrorCode = 19
	EINVAL    ErrorCode = 22
	EPIPE     ErrorCode = 32
	ENOSYS    ErrorCode = 38
	EPROTO    ErrorCode = 71
	ENOTCONN  ErrorCode = 107
	ETIMEDOUT ErrorCode = 110
	EALREADY  ErrorCode = 114
	ECANCELED ErrorCode = 125
)

var codeNames = map[ErrorCode]string{
	OK:        "OK",
	ENOENT:    "ENOENT",
	EIO:       "EIO",
	EAGAIN:    "EAGAIN",
	ENOMEM:    "ENOMEM",
	EBUSY:     "EBUSY",
	ENODEV:    "ENODEV",
	EINVAL:    "EINVAL",
	EPIPE:     "EPIPE",
	ENOSYS:    "ENOSYS",
	EPROTO:    "EPROTO",
	ENOTCONN:  "ENOTCONN",
	ETIMEDOUT: "ETIMEDOUT",
	EALREADY:  "EALREADY",
	ECANCELED: "ECANCELED",
}

// String returns the errno name.
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", uint32(c))
}

// codeTable maps firmware sentinel errors to status codes. Order matters
// only for errors wrapping more than one sentinel.
var codeTable = []struct {
	err  error
	code ErrorCode
}{
	{pkg.ErrInvalidParameter, EINVAL},
	{pkg.ErrInvalidEndpoint, EINVAL},
	{pkg.ErrInvalidRequest, EINVAL},
	{pkg.ErrDescriptorTooShort, EINVAL},
	{pkg.ErrDescriptorTypeMismatch, EINVAL},
	{pkg.ErrSetupPacketTooShort, EINVAL},
	{pkg.ErrOverflow, ENOMEM},
	{pkg.ErrNoResources, ENOMEM},
	{pkg.ErrBufferTooSmall, ENOMEM},
	{pkg.ErrBusy, EBUSY},
	{pkg.ErrTimeout, ETIMEDOUT},
	{pkg.ErrNotSupported, ENOSYS},
	{pkg.ErrStall, EPIPE},
	{pkg.ErrNotConnected, ENOTCONN},
	{pkg.ErrNotConfigured, ENODEV},
	{pkg.ErrInvalidState, EAGAIN},
	{pkg.ErrProtocol, EPROTO},
	{pkg.ErrAlreadyRunning, EALREADY},
	{pkg.ErrNotRunning, ENODEV},
	{pkg.ErrReset, EIO},
	{context.DeadlineExceeded, ETIMEDOUT},
	{context.Canceled, ECANCELED},
}

// CodeOf maps an error returned by a verb to its status code. Errors
// outside the firmware's sentinel set are EIO.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return OK
	}
	for _, e := range codeTable {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return EIO
}
