// Package engine defines the contract between the download pipeline and a
// dive computer protocol engine: device descriptors, the blocking stream the
// engine drives, the device/parser handles it returns, and the tagged event and
// sample variants it emits.
package engine

import (
	"time"

	"github.com/srg/bledive/internal/transport"
)

// Stream is the blocking I/O channel an engine device talks through.
// *transport.Stream implements it.
type Stream interface {
	Configure(baud, dataBits int, parity transport.Parity, stopBits transport.StopBits, flow transport.FlowControl) error
	SetTimeout(d time.Duration) error
	Poll(timeout time.Duration) error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Available() (int, error)
	Ioctl(code transport.IoctlCode, buf []byte) (int, error)
	Purge(dir transport.Direction) error
	Sleep(d time.Duration) error
	Close() error
}

var _ Stream = (*transport.Stream)(nil)

// Engine opens devices for the descriptors it knows.
type Engine interface {
	Name() string
	Descriptors() []Descriptor
	Open(desc Descriptor, stream Stream) (Device, error)
}

// DiveFunc receives one raw dive and its fingerprint. Returning false stops
// enumeration.
type DiveFunc func(data, fingerprint []byte) bool

// Device is an open session with a dive computer.
//
// Foreach delivers dives newest first and stops early at the dive matching the
// fingerprint set with SetFingerprint. It reports progress and device
// information through the handler registered with SetEvents, and polls the
// function registered with SetCancel between protocol steps.
type Device interface {
	SetFingerprint(fp []byte) error
	SetCancel(fn func() bool)
	SetEvents(fn func(Event))
	Foreach(fn DiveFunc) Status
	// NewParser returns a parser bound to one raw dive buffer.
	NewParser(data []byte) (Parser, error)
	Close() error
}

// ParserFactory creates parsers for raw dive buffers.
type ParserFactory interface {
	NewParser(data []byte) (Parser, error)
}

// Parser decodes one raw dive.
//
// Field returns ErrUnsupported for fields the dive does not carry.
type Parser interface {
	DateTime() (time.Time, error)
	Field(kind FieldType, index int) (any, error)
	Samples(fn func(Sample)) error
}
