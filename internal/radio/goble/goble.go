// Package goble implements the radio boundary on top of github.com/go-ble/ble
// (CoreBluetooth on darwin, HCI sockets on linux).
package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/bledive/internal/groutine"
	"github.com/srg/bledive/internal/radio"
)

// requestedMTU is the ATT MTU asked for after connecting.
const requestedMTU = 517

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newDevice

// NormalizeError maps go-ble error strings to radio sentinels, wrapping the
// original error.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "central manager has invalid state"),
		strings.Contains(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: bluetooth is not ready: %v", radio.ErrNotInitialized, err)
	default:
		return radio.NormalizeError(err)
	}
}

// Central wraps one ble.Device, created on first use.
type Central struct {
	logger *logrus.Logger

	mu  sync.Mutex
	dev ble.Device
}

// NewCentral creates a go-ble central. A nil logger discards output.
func NewCentral(logger *logrus.Logger) *Central {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}
	return &Central{logger: logger}
}

func (c *Central) device() (ble.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dev != nil {
		return c.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		c.logger.WithField("error", err).Error("Failed to create BLE device")
		return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	c.dev = dev
	return dev, nil
}

// Scan wraps ble.Device.Scan, converting advertisements.
func (c *Central) Scan(ctx context.Context, allowDup bool, handler func(radio.Advertisement)) error {
	dev, err := c.device()
	if err != nil {
		return err
	}
	err = dev.Scan(ctx, allowDup, func(adv ble.Advertisement) {
		handler(ConvertAdvertisement(adv))
	})
	return NormalizeError(err)
}

// Connect dials address and negotiates the MTU.
func (c *Central) Connect(ctx context.Context, address string) (radio.Link, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}
	dev, err := c.device()
	if err != nil {
		return nil, err
	}

	c.logger.WithField("address", address).Debug("Dialing BLE device...")
	client, err := dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Failed to dial BLE device")
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, NormalizeError(err))
	}
	return newLink(client, address, c.logger), nil
}

// ConvertAdvertisement maps a go-ble advertisement onto the radio type.
func ConvertAdvertisement(adv ble.Advertisement) radio.Advertisement {
	services := make([]string, 0, len(adv.Services()))
	for _, u := range adv.Services() {
		services = append(services, radio.NormalizeUUID(u.String()))
	}
	var addr string
	if a := adv.Addr(); a != nil {
		addr = a.String()
	}
	return radio.Advertisement{
		Address:          addr,
		Name:             adv.LocalName(),
		RSSI:             adv.RSSI(),
		Services:         services,
		ManufacturerData: append([]byte(nil), adv.ManufacturerData()...),
		Connectable:      adv.Connectable(),
	}
}

func convertProperties(p ble.Property) radio.Property {
	var out radio.Property
	if p&ble.CharRead != 0 {
		out |= radio.PropRead
	}
	if p&ble.CharWrite != 0 {
		out |= radio.PropWrite
	}
	if p&ble.CharWriteNR != 0 {
		out |= radio.PropWriteNoResponse
	}
	if p&ble.CharNotify != 0 {
		out |= radio.PropNotify
	}
	if p&ble.CharIndicate != 0 {
		out |= radio.PropIndicate
	}
	return out
}

// Link is a connected go-ble client.
type Link struct {
	client  ble.Client
	address string
	logger  *logrus.Logger
	mtu     int

	mu         sync.Mutex
	chars      map[string]*ble.Characteristic
	subscribed []*ble.Characteristic

	gone     chan struct{}
	goneOnce sync.Once
	group    groutine.Group
}

func newLink(client ble.Client, address string, logger *logrus.Logger) *Link {
	l := &Link{
		client:  client,
		address: address,
		logger:  logger,
		mtu:     radio.DefaultMTU,
		chars:   make(map[string]*ble.Characteristic),
		gone:    make(chan struct{}),
	}

	if mtu, err := client.ExchangeMTU(requestedMTU); err == nil && mtu > 0 {
		l.mtu = mtu
	} else if err != nil {
		logger.WithField("error", err).Debug("MTU exchange not supported, using default")
	}

	// Monitor the client Disconnected() channel; CoreBluetooth reports
	// peer-initiated disconnects only through it.
	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		l.group.Go(context.Background(), "goble-link-monitor", func(context.Context) {
			select {
			case <-dc.Disconnected():
				logger.WithField("address", address).Warn("BLE client reported disconnection")
				l.markGone()
			case <-l.gone:
			}
		})
	}
	return l
}

func (l *Link) Address() string { return l.address }

func (l *Link) Name() string {
	if name := l.client.Name(); name != "" {
		return name
	}
	return l.address
}

func (l *Link) MTU() int { return l.mtu }

// Discover reads the GATT profile and picks the serial channel.
func (l *Link) Discover(ctx context.Context) (radio.Channel, error) {
	if err := ctx.Err(); err != nil {
		return radio.Channel{}, err
	}
	if l.isGone() {
		return radio.Channel{}, radio.ErrNotConnected
	}

	profile, err := l.client.DiscoverProfile(true)
	if err != nil {
		return radio.Channel{}, fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}

	services := make([]radio.ServiceInfo, 0, len(profile.Services))
	l.mu.Lock()
	for _, svc := range profile.Services {
		info := radio.ServiceInfo{UUID: radio.NormalizeUUID(svc.UUID.String())}
		for _, c := range svc.Characteristics {
			uuid := radio.NormalizeUUID(c.UUID.String())
			l.chars[uuid] = c
			info.Characteristics = append(info.Characteristics, radio.CharacteristicInfo{
				UUID:       uuid,
				Properties: convertProperties(c.Property),
			})
		}
		services = append(services, info)
	}
	l.mu.Unlock()

	ch, err := radio.SelectChannel(services)
	if err != nil {
		return radio.Channel{}, err
	}
	l.logger.WithFields(logrus.Fields{
		"address":  l.address,
		"services": len(services),
		"service":  ch.Service,
		"mode":     ch.Mode,
	}).Debug("Serial channel selected")
	return ch, nil
}

func (l *Link) characteristic(service, uuid string) (*ble.Characteristic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.chars[radio.NormalizeUUID(uuid)]
	if !ok {
		return nil, &radio.NotFoundError{Resource: "characteristic", UUIDs: []string{service, uuid}}
	}
	return c, nil
}

// Subscribe enables notifications, falling back to indications when the
// characteristic has no notify property.
func (l *Link) Subscribe(ch radio.Channel, handler func([]byte)) error {
	if l.isGone() {
		return radio.ErrNotConnected
	}
	c, err := l.characteristic(ch.Service, ch.Notify)
	if err != nil {
		return err
	}

	indicate := c.Property&ble.CharNotify == 0
	if err := l.client.Subscribe(c, indicate, func(data []byte) { handler(data) }); err != nil {
		return NormalizeError(err)
	}

	l.mu.Lock()
	l.subscribed = append(l.subscribed, c)
	l.mu.Unlock()
	return nil
}

// Write issues one chunk. Acknowledged writes complete on a separate goroutine.
func (l *Link) Write(ch radio.Channel, data []byte, mode radio.WriteMode, done func(error)) error {
	if l.isGone() {
		return radio.ErrNotConnected
	}
	c, err := l.characteristic(ch.Service, ch.Write)
	if err != nil {
		return err
	}

	buf := append([]byte(nil), data...)
	if mode == radio.WriteUnacknowledged {
		if err := l.client.WriteCharacteristic(c, buf, true); err != nil {
			return NormalizeError(err)
		}
		done(nil)
		return nil
	}

	l.group.Go(context.Background(), "goble-write", func(context.Context) {
		done(NormalizeError(l.client.WriteCharacteristic(c, buf, false)))
	})
	return nil
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

// Disconnect unsubscribes and cancels the connection.
func (l *Link) Disconnect() error {
	if l.isGone() {
		l.group.Wait()
		return nil
	}

	l.mu.Lock()
	subs := l.subscribed
	l.subscribed = nil
	l.mu.Unlock()

	for _, c := range subs {
		indicate := c.Property&ble.CharNotify == 0
		if err := l.client.Unsubscribe(c, indicate); err != nil {
			l.logger.WithFields(logrus.Fields{
				"char_uuid": c.UUID.String(),
				"error":     err,
			}).Warn("Failed to unsubscribe")
		}
	}

	err := l.client.CancelConnection()
	l.markGone()
	l.group.Wait()

	if err != nil {
		l.logger.WithField("error", err).Warn("BLE device disconnected with errors")
		return NormalizeError(err)
	}
	l.logger.WithField("address", l.address).Info("BLE device disconnected successfully")
	return nil
}

func (l *Link) Disconnected() <-chan struct{} { return l.gone }

var _ radio.Central = (*Central)(nil)
var _ radio.Link = (*Link)(nil)
