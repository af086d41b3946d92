// Package tinyble implements the radio boundary on top of tinygo.org/x/bluetooth
// (BlueZ over D-Bus on linux, CoreBluetooth on darwin, WinRT on windows).
//
// The portable tinygo client API only offers Write Command and does not expose
// characteristic properties, so links always write unacknowledged and the
// serial channel is chosen by UUID.
package tinyble

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"github.com/srg/bledive/internal/radio"
)

// Central drives the default tinygo adapter.
type Central struct {
	adapter *bluetooth.Adapter
	logger  *logrus.Logger

	enableOnce sync.Once
	enableErr  error

	mu    sync.Mutex
	links map[string]*Link // keyed by normalized address
}

// NewCentral wraps bluetooth.DefaultAdapter. A nil logger discards output.
func NewCentral(logger *logrus.Logger) *Central {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}
	return &Central{
		adapter: bluetooth.DefaultAdapter,
		logger:  logger,
		links:   make(map[string]*Link),
	}
}

func (c *Central) enable() error {
	c.enableOnce.Do(func() {
		if err := c.adapter.Enable(); err != nil {
			c.enableErr = fmt.Errorf("%w: could not enable the BLE stack: %v", radio.ErrNotInitialized, err)
			return
		}
		// Peer-initiated disconnects are only reported here.
		c.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
			if connected {
				return
			}
			c.mu.Lock()
			l, ok := c.links[radio.NormalizeAddress(device.Address.String())]
			c.mu.Unlock()
			if ok {
				c.logger.WithField("address", l.address).Warn("BLE adapter reported disconnection")
				l.markGone()
			}
		})
	})
	return c.enableErr
}

// Scan runs until ctx ends. Without allowDup each address is reported once.
func (c *Central) Scan(ctx context.Context, allowDup bool, handler func(radio.Advertisement)) error {
	if err := c.enable(); err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			if err := c.adapter.StopScan(); err != nil {
				c.logger.WithField("error", err).Debug("Failed to stop scan")
			}
		case <-done:
		}
	}()

	seen := make(map[string]struct{})
	err := c.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		adv := convertScanResult(result.Address.String(), result.RSSI, result.LocalName(),
			result.HasServiceUUID, result.ManufacturerData())
		if !allowDup {
			key := radio.NormalizeAddress(adv.Address)
			if _, dup := seen[key]; dup {
				return
			}
			seen[key] = struct{}{}
		}
		handler(adv)
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return radio.NormalizeError(err)
}

// Connect blocks in the adapter; ctx cancellation abandons the attempt.
func (c *Central) Connect(ctx context.Context, address string) (radio.Link, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}
	if err := c.enable(); err != nil {
		return nil, err
	}

	var addr bluetooth.Address
	addr.Set(address)

	type result struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		device, err := c.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- result{device, err}
	}()

	c.logger.WithField("address", address).Debug("Connecting to BLE device...")
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			c.logger.WithFields(logrus.Fields{
				"address": address,
				"error":   r.err,
			}).Error("Failed to connect to BLE device")
			return nil, fmt.Errorf("failed to connect to device with address %q: %w", address, radio.NormalizeError(r.err))
		}
		l := &Link{
			central: c,
			device:  r.device,
			address: address,
			logger:  c.logger,
			mtu:     radio.DefaultMTU,
			chars:   make(map[string]bluetooth.DeviceCharacteristic),
			gone:    make(chan struct{}),
		}
		c.mu.Lock()
		c.links[radio.NormalizeAddress(address)] = l
		c.mu.Unlock()
		return l, nil
	}
}

func (c *Central) forget(address string) {
	c.mu.Lock()
	delete(c.links, radio.NormalizeAddress(address))
	c.mu.Unlock()
}

// Link is one connected tinygo device.
type Link struct {
	central *Central
	device  bluetooth.Device
	address string
	logger  *logrus.Logger

	mu    sync.Mutex
	mtu   int
	chars map[string]bluetooth.DeviceCharacteristic

	gone     chan struct{}
	goneOnce sync.Once
}

func (l *Link) Address() string { return l.address }

// Name is the address; tinygo does not expose the GAP name after connecting.
func (l *Link) Name() string { return l.address }

func (l *Link) MTU() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mtu
}

// Discover walks all services and characteristics.
func (l *Link) Discover(ctx context.Context) (radio.Channel, error) {
	if err := ctx.Err(); err != nil {
		return radio.Channel{}, err
	}
	if l.isGone() {
		return radio.Channel{}, radio.ErrNotConnected
	}

	svcs, err := l.device.DiscoverServices(nil)
	if err != nil {
		return radio.Channel{}, fmt.Errorf("failed to discover services: %w", radio.NormalizeError(err))
	}

	infos := make([]radio.ServiceInfo, 0, len(svcs))
	for i := range svcs {
		svc := svcs[i]
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			l.logger.WithFields(logrus.Fields{
				"service": svc.UUID().String(),
				"error":   err,
			}).Warn("Failed to discover characteristics")
			continue
		}
		info := radio.ServiceInfo{UUID: radio.NormalizeUUID(svc.UUID().String())}
		l.mu.Lock()
		for j := range chars {
			uuid := radio.NormalizeUUID(chars[j].UUID().String())
			l.chars[uuid] = chars[j]
			info.Characteristics = append(info.Characteristics, radio.CharacteristicInfo{
				UUID:       uuid,
				Properties: assumedProperties,
			})
		}
		l.mu.Unlock()
		infos = append(infos, info)
	}

	ch, err := selectChannel(infos)
	if err != nil {
		return radio.Channel{}, err
	}

	if c, err := l.characteristic(ch.Service, ch.Write); err == nil {
		if mtu, err := c.GetMTU(); err == nil && mtu > 0 {
			l.mu.Lock()
			l.mtu = int(mtu)
			l.mu.Unlock()
		}
	}

	l.logger.WithFields(logrus.Fields{
		"address":  l.address,
		"services": len(infos),
		"service":  ch.Service,
		"mtu":      l.MTU(),
	}).Debug("Serial channel selected")
	return ch, nil
}

func (l *Link) characteristic(service, uuid string) (bluetooth.DeviceCharacteristic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.chars[radio.NormalizeUUID(uuid)]
	if !ok {
		return bluetooth.DeviceCharacteristic{}, &radio.NotFoundError{Resource: "characteristic", UUIDs: []string{service, uuid}}
	}
	return c, nil
}

func (l *Link) Subscribe(ch radio.Channel, handler func([]byte)) error {
	if l.isGone() {
		return radio.ErrNotConnected
	}
	c, err := l.characteristic(ch.Service, ch.Notify)
	if err != nil {
		return err
	}
	return radio.NormalizeError(c.EnableNotifications(func(buf []byte) {
		handler(append([]byte(nil), buf...))
	}))
}

// Write always uses Write Command; done is called before returning.
func (l *Link) Write(ch radio.Channel, data []byte, _ radio.WriteMode, done func(error)) error {
	if l.isGone() {
		return radio.ErrNotConnected
	}
	c, err := l.characteristic(ch.Service, ch.Write)
	if err != nil {
		return err
	}
	if _, err := c.WriteWithoutResponse(data); err != nil {
		return radio.NormalizeError(err)
	}
	done(nil)
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
	l.goneOnce.Do(func() {
		close(l.gone)
		l.central.forget(l.address)
	})
}

func (l *Link) Disconnect() error {
	if l.isGone() {
		return nil
	}
	err := l.device.Disconnect()
	l.markGone()
	if err != nil {
		l.logger.WithField("error", err).Warn("BLE device disconnected with errors")
		return radio.NormalizeError(err)
	}
	l.logger.WithField("address", l.address).Info("BLE device disconnected successfully")
	return nil
}

func (l *Link) Disconnected() <-chan struct{} { return l.gone }

// assumedProperties is reported for every characteristic since the portable
// API has no property accessor.
const assumedProperties = radio.PropNotify | radio.PropWriteNoResponse

// selectChannel resolves the channel by UUID and forces Write Command.
func selectChannel(services []radio.ServiceInfo) (radio.Channel, error) {
	ch, err := radio.SelectChannel(services)
	if err != nil {
		return radio.Channel{}, err
	}
	ch.Mode = radio.WriteUnacknowledged
	return ch, nil
}

// convertScanResult builds the radio view of a tinygo scan result. The
// advertised service list is recovered by probing the known service table.
func convertScanResult(address string, rssi int16, name string, hasService func(bluetooth.UUID) bool, mfg []bluetooth.ManufacturerDataElement) radio.Advertisement {
	adv := radio.Advertisement{
		Address:     address,
		Name:        name,
		RSSI:        int(rssi),
		Connectable: true,
	}
	for _, ks := range radio.KnownServices {
		u, err := parseUUID(ks.Service)
		if err != nil {
			continue
		}
		if hasService(u) {
			adv.Services = append(adv.Services, radio.NormalizeUUID(ks.Service))
		}
	}
	for _, m := range mfg {
		adv.ManufacturerData = binary.LittleEndian.AppendUint16(adv.ManufacturerData, m.CompanyID)
		adv.ManufacturerData = append(adv.ManufacturerData, m.Data...)
	}
	return adv
}

// parseUUID accepts any notation radio.NormalizeUUID does.
func parseUUID(uuid string) (bluetooth.UUID, error) {
	n := radio.NormalizeUUID(uuid)
	if n == "" {
		return bluetooth.UUID{}, fmt.Errorf("invalid UUID %q", uuid)
	}
	return bluetooth.ParseUUID(radio.ExpandUUID(n))
}

var _ radio.Central = (*Central)(nil)
var _ radio.Link = (*Link)(nil)
