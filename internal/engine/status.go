package engine

import (
	"errors"
	"fmt"

	"github.com/srg/bledive/internal/transport"
)

// Status is the result code of a device operation.
type Status int

const (
	StatusSuccess     Status = 0
	StatusDone        Status = 1
	StatusUnsupported Status = -1
	StatusInvalidArgs Status = -2
	StatusNoMemory    Status = -3
	StatusNoDevice    Status = -4
	StatusNoAccess    Status = -5
	StatusIO          Status = -6
	StatusTimeout     Status = -7
	StatusProtocol    Status = -8
	StatusDataFormat  Status = -9
	StatusCancelled   Status = -10
)

var statusNames = map[Status]string{
	StatusSuccess:     "success",
	StatusDone:        "done",
	StatusUnsupported: "unsupported",
	StatusInvalidArgs: "invalid arguments",
	StatusNoMemory:    "out of memory",
	StatusNoDevice:    "no device",
	StatusNoAccess:    "access denied",
	StatusIO:          "input/output error",
	StatusTimeout:     "timeout",
	StatusProtocol:    "protocol error",
	StatusDataFormat:  "data format error",
	StatusCancelled:   "cancelled",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// OK reports whether s is a non-error status.
func (s Status) OK() bool { return s >= 0 }

// Error makes a failing status usable as an error value.
func (s Status) Error() string { return s.String() }

// ErrUnsupported is returned by Parser.Field for absent fields.
var ErrUnsupported = errors.New("unsupported")

// StatusOf maps an error onto a status code. Engines use it to translate
// transport failures.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var st Status
	if errors.As(err, &st) {
		return st
	}
	switch {
	case errors.Is(err, ErrUnsupported), errors.Is(err, transport.ErrUnsupported):
		return StatusUnsupported
	case errors.Is(err, transport.ErrTimeout):
		return StatusTimeout
	default:
		return StatusIO
	}
}
