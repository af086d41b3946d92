// Package simlink is an in-process radio backend. Each simulated peripheral
// exposes a Nordic UART service backed by a simproto.Model; requests written
// to the link are answered with notifications sized to the link MTU.
package simlink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/bledive/internal/engine/simproto"
	"github.com/srg/bledive/internal/groutine"
	"github.com/srg/bledive/internal/radio"
)

const (
	nusService = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	nusRX      = "6e400002-b5a3-f393-e0a9-e50e24dcca9e" // host writes
	nusTX      = "6e400003-b5a3-f393-e0a9-e50e24dcca9e" // device notifies

	// DefaultAdvertiseInterval is the period between repeated advertisements.
	DefaultAdvertiseInterval = 100 * time.Millisecond
)

// Peripheral is one simulated dive computer.
type Peripheral struct {
	Address string
	Name    string
	RSSI    int
	// MTU negotiated on connect; radio.DefaultMTU when zero.
	MTU   int
	Model *simproto.Model
	// WriteNoResponse hides the acknowledged write property.
	WriteNoResponse bool
	// NotifyDelay is slept between notifications.
	NotifyDelay time.Duration
	// DropAfter disconnects the link once this many notifications were sent.
	// Zero disables it.
	DropAfter int
	// ConnectErr, when set, is returned by Connect.
	ConnectErr error
}

// Central serves a fixed set of simulated peripherals.
type Central struct {
	logger   *logrus.Logger
	interval time.Duration

	mu          sync.Mutex
	peripherals []*Peripheral
	links       map[string]*Link
}

// NewCentral creates a simulated central. A nil logger discards output.
func NewCentral(logger *logrus.Logger, peripherals ...*Peripheral) *Central {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}
	return &Central{
		logger:      logger,
		interval:    DefaultAdvertiseInterval,
		peripherals: peripherals,
		links:       make(map[string]*Link),
	}
}

// Add registers another peripheral.
func (c *Central) Add(p *Peripheral) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peripherals = append(c.peripherals, p)
}

// SetAdvertiseInterval changes how often advertisements repeat during Scan.
func (c *Central) SetAdvertiseInterval(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interval = d
}

func (c *Central) snapshot() ([]*Peripheral, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Peripheral(nil), c.peripherals...), c.interval
}

// Scan advertises every peripheral until ctx ends. Without allowDup each
// address is reported once.
func (c *Central) Scan(ctx context.Context, allowDup bool, handler func(radio.Advertisement)) error {
	seen := make(map[string]bool)
	for {
		peripherals, interval := c.snapshot()
		for _, p := range peripherals {
			if !allowDup && seen[p.Address] {
				continue
			}
			seen[p.Address] = true
			handler(radio.Advertisement{
				Address:     p.Address,
				Name:        p.Name,
				RSSI:        p.RSSI,
				Services:    []string{radio.NormalizeUUID(nusService)},
				Connectable: true,
			})
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Connect opens a link to the peripheral at address.
func (c *Central) Connect(ctx context.Context, address string) (radio.Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var target *Peripheral
	for _, p := range c.peripherals {
		if radio.SameAddress(p.Address, address) {
			target = p
			break
		}
	}
	if target == nil {
		return nil, &radio.NotFoundError{Resource: "device", UUIDs: []string{address}}
	}
	if target.ConnectErr != nil {
		return nil, target.ConnectErr
	}
	if l, ok := c.links[target.Address]; ok && !l.isGone() {
		return nil, fmt.Errorf("%w: %s", radio.ErrAlreadyConnected, target.Address)
	}

	l := newLink(ctx, c.logger, target)
	c.links[target.Address] = l
	c.logger.WithFields(logrus.Fields{
		"address": target.Address,
		"name":    target.Name,
		"mtu":     l.mtu,
	}).Debug("Simulated link up")
	return l, nil
}

// Link is a connection to a simulated peripheral.
type Link struct {
	logger *logrus.Logger
	p      *Peripheral
	mtu    int

	mu       sync.Mutex
	handler  func([]byte)
	pending  []byte
	sent     int
	gone     chan struct{}
	goneOnce sync.Once

	responses chan []byte
	group     groutine.Group
}

func newLink(ctx context.Context, logger *logrus.Logger, p *Peripheral) *Link {
	mtu := p.MTU
	if mtu <= 0 {
		mtu = radio.DefaultMTU
	}
	l := &Link{
		logger:    logger,
		p:         p,
		mtu:       mtu,
		gone:      make(chan struct{}),
		responses: make(chan []byte, 16),
	}
	l.group.Go(context.WithoutCancel(ctx), "simlink-notify", l.notifyLoop)
	return l
}

func (l *Link) Address() string { return l.p.Address }
func (l *Link) Name() string    { return l.p.Name }
func (l *Link) MTU() int        { return l.mtu }

// Discover reports a GAP service plus the UART service and lets
// radio.SelectChannel pick the pair.
func (l *Link) Discover(ctx context.Context) (radio.Channel, error) {
	if l.isGone() {
		return radio.Channel{}, radio.ErrNotConnected
	}
	writeProps := radio.PropWrite | radio.PropWriteNoResponse
	if l.p.WriteNoResponse {
		writeProps = radio.PropWriteNoResponse
	}
	return radio.SelectChannel([]radio.ServiceInfo{
		{UUID: "1800", Characteristics: []radio.CharacteristicInfo{
			{UUID: "2a00", Properties: radio.PropRead},
		}},
		{UUID: nusService, Characteristics: []radio.CharacteristicInfo{
			{UUID: nusRX, Properties: writeProps},
			{UUID: nusTX, Properties: radio.PropNotify},
		}},
	})
}

func (l *Link) Subscribe(ch radio.Channel, handler func([]byte)) error {
	if l.isGone() {
		return radio.ErrNotConnected
	}
	if !radio.SameUUID(ch.Notify, nusTX) {
		return &radio.NotFoundError{Resource: "characteristic", UUIDs: []string{ch.Service, ch.Notify}}
	}
	l.mu.Lock()
	l.handler = handler
	l.mu.Unlock()
	return nil
}

// Write feeds one chunk to the device. Requests may span several chunks.
func (l *Link) Write(ch radio.Channel, data []byte, mode radio.WriteMode, done func(error)) error {
	if l.isGone() {
		return radio.ErrNotConnected
	}
	if !radio.SameUUID(ch.Write, nusRX) {
		return &radio.NotFoundError{Resource: "characteristic", UUIDs: []string{ch.Service, ch.Write}}
	}
	if mode == radio.WriteAcknowledged && l.p.WriteNoResponse {
		return fmt.Errorf("%w: write request on write-without-response characteristic", radio.ErrUnsupported)
	}

	l.mu.Lock()
	l.pending = append(l.pending, data...)
	frames := l.takeFrames()
	l.mu.Unlock()

	for _, frame := range frames {
		if resp, ok := l.p.Model.Handle(frame); ok {
			select {
			case l.responses <- resp:
			case <-l.gone:
			}
		}
	}

	if mode == radio.WriteUnacknowledged {
		done(nil)
	} else {
		go done(nil)
	}
	return nil
}

// takeFrames extracts complete request frames from the pending bytes,
// skipping bytes that cannot start a frame.
func (l *Link) takeFrames() [][]byte {
	var frames [][]byte
	for len(l.pending) > 0 {
		if l.pending[0] != 0xA5 {
			l.pending = l.pending[1:]
			continue
		}
		if len(l.pending) < 3 {
			break
		}
		n := int(l.pending[2]) + 4
		if len(l.pending) < n {
			break
		}
		frames = append(frames, append([]byte(nil), l.pending[:n]...))
		l.pending = l.pending[n:]
	}
	return frames
}

func (l *Link) notifyLoop(ctx context.Context) {
	size := radio.PayloadSize(l.mtu)
	for {
		select {
		case <-l.gone:
			return
		case resp := <-l.responses:
			for off := 0; off < len(resp); off += size {
				end := off + size
				if end > len(resp) {
					end = len(resp)
				}
				if !l.notify(resp[off:end]) {
					return
				}
			}
		}
	}
}

func (l *Link) notify(chunk []byte) bool {
	if l.p.NotifyDelay > 0 {
		select {
		case <-time.After(l.p.NotifyDelay):
		case <-l.gone:
			return false
		}
	}

	l.mu.Lock()
	if l.isGone() {
		l.mu.Unlock()
		return false
	}
	fn := l.handler
	l.sent++
	drop := l.p.DropAfter > 0 && l.sent >= l.p.DropAfter
	l.mu.Unlock()

	if fn != nil {
		fn(append([]byte(nil), chunk...))
	}
	if drop {
		l.logger.WithField("address", l.p.Address).Debug("Simulated link dropped")
		l.markGone()
		return false
	}
	return true
}

func (l *Link) isGone() bool {
	select {
	case <-l.gone:
		return true
	default:
		return false
	}
}

func (l *Link) markGone() {
	l.goneOnce.Do(func() { close(l.gone) })
}

// Drop simulates the peripheral going out of range.
func (l *Link) Drop() {
	l.markGone()
}

func (l *Link) Disconnect() error {
	l.markGone()
	l.group.Wait()
	return nil
}

func (l *Link) Disconnected() <-chan struct{} { return l.gone }

var _ radio.Central = (*Central)(nil)
var _ radio.Link = (*Link)(nil)
