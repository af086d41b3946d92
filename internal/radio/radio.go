// Package radio is the boundary between the download pipeline and a BLE central
// stack. Backends (go-ble, tinygo bluetooth, the in-process simulator) implement
// Central and Link; everything above this package only sees byte payloads and
// write-completion callbacks.
package radio

import (
	"context"
	"time"
)

// DefaultConnectTimeout bounds link establishment plus GATT discovery.
const DefaultConnectTimeout = 20 * time.Second

// DefaultMTU is the ATT MTU assumed until the link negotiates a larger one.
const DefaultMTU = 23

// WriteMode selects the GATT write procedure used for outbound data.
type WriteMode int

const (
	// WriteAcknowledged uses Write Request; completion is reported by the peer.
	WriteAcknowledged WriteMode = iota
	// WriteUnacknowledged uses Write Command; completion is local.
	WriteUnacknowledged
)

func (m WriteMode) String() string {
	switch m {
	case WriteAcknowledged:
		return "acknowledged"
	case WriteUnacknowledged:
		return "unacknowledged"
	default:
		return "unknown"
	}
}

// Channel identifies the notify/write characteristic pair that carries the
// dive computer's serial protocol.
type Channel struct {
	Service string
	Notify  string
	Write   string
	Mode    WriteMode
}

// Advertisement is a backend-neutral view of a scan result.
type Advertisement struct {
	Address          string
	Name             string
	RSSI             int
	Services         []string
	ManufacturerData []byte
	Connectable      bool
}

// Central discovers and connects peripherals.
type Central interface {
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error
	Connect(ctx context.Context, address string) (Link, error)
}

// Link is one connected peripheral.
//
// Subscribe and Write callbacks are invoked on radio goroutines and must not block.
type Link interface {
	Address() string
	Name() string
	// MTU returns the negotiated ATT MTU, DefaultMTU when unknown.
	MTU() int

	Discover(ctx context.Context) (Channel, error)
	Subscribe(ch Channel, handler func(data []byte)) error
	// Write issues a single chunk. done is called exactly once with the
	// completion result; for WriteUnacknowledged it may be called before
	// Write returns.
	Write(ch Channel, data []byte, mode WriteMode, done func(error)) error

	Disconnect() error
	// Disconnected is closed when the link drops for any reason.
	Disconnected() <-chan struct{}
}

// PayloadSize returns the largest write payload for an ATT MTU.
func PayloadSize(mtu int) int {
	if mtu <= 3 {
		return DefaultMTU - 3
	}
	return mtu - 3
}
