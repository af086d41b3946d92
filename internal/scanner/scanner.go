// Package scanner discovers dive computers and streams discovery events.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/bledive/internal/engine"
	"github.com/srg/bledive/internal/radio"
	"github.com/srg/bledive/internal/ringchan"
)

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// EventType marks if the device was newly discovered or updated
type EventType int

const (
	EventNew EventType = iota
	EventUpdated
)

func (t EventType) String() string {
	if t == EventNew {
		return "new"
	}
	return "updated"
}

// Device is a discovered peripheral.
type Device struct {
	Address     string
	Name        string
	RSSI        int
	Services    []string
	Connectable bool
	// Descriptor is set when the advertised name identifies a supported model.
	Descriptor *engine.Descriptor
	// SerialService names the known dive computer service it advertises.
	SerialService string
	FirstSeen     time.Time
	LastSeen      time.Time
	Seen          int

	order uint64
}

// Supported reports whether a descriptor matched the device.
func (d Device) Supported() bool { return d.Descriptor != nil }

type Event struct {
	Type   EventType
	Device Device
}

// Matcher identifies a model from its advertised name. *session.Controller
// implements it.
type Matcher interface {
	MatchDescriptor(name string) (engine.Descriptor, bool)
}

// Options configures scanning behavior
type Options struct {
	Duration        time.Duration `default:"10s"`
	AllowDuplicates bool
	// SupportedOnly drops devices no descriptor matches.
	SupportedOnly bool
	ServiceUUIDs  []string
	AllowList     []string
	BlockList     []string
	EventBuffer   int `default:"100"`
}

// Scanner handles BLE device discovery
type Scanner struct {
	central radio.Central
	matcher Matcher
	logger  *logrus.Logger
	opts    Options

	devices *hashmap.Map[string, Device]
	events  *ringchan.RingChannel[Event]
	seq     uint64
}

// New creates a scanner. matcher may be nil.
func New(central radio.Central, matcher Matcher, logger *logrus.Logger, opts *Options) *Scanner {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	defaults.SetDefaults(&o)

	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}

	return &Scanner{
		central: central,
		matcher: matcher,
		logger:  logger,
		opts:    o,
		devices: hashmap.New[string, Device](),
		events:  ringchan.New[Event](o.EventBuffer),
	}
}

// Scan runs discovery for the configured duration or until ctx ends and
// returns the devices in discovery order.
func (s *Scanner) Scan(ctx context.Context, progress ProgressCallback) ([]Device, error) {
	if progress == nil {
		progress = func(string) {}
	}
	s.devices = hashmap.New[string, Device]()
	s.seq = 0

	s.logger.WithField("duration", s.opts.Duration).Info("Starting BLE scan...")
	progress("Scanning")

	scanCtx, cancel := context.WithTimeout(ctx, s.opts.Duration)
	defer cancel()

	err := s.central.Scan(scanCtx, s.opts.AllowDuplicates, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", radio.NormalizeError(err))
	}

	s.logger.WithField("device_count", s.devices.Len()).Info("BLE scan completed")
	progress("Processing results")

	return s.Devices(), nil
}

// Devices returns a snapshot of discovered devices in discovery order.
func (s *Scanner) Devices() []Device {
	devs := make([]Device, 0, s.devices.Len())
	s.devices.Range(func(_ string, d Device) bool {
		devs = append(devs, d)
		return true
	})
	sort.Slice(devs, func(i, j int) bool { return devs[i].order < devs[j].order })
	return devs
}

// Events returns a read-only channel of device events. When the consumer
// falls behind, the oldest events are dropped.
func (s *Scanner) Events() <-chan Event {
	return s.events.C()
}

// Dropped counts events lost to a slow consumer.
func (s *Scanner) Dropped() int64 {
	return s.events.Stats().Overwritten
}

// Close ends the event stream.
func (s *Scanner) Close() {
	s.events.Close()
}

// handleAdvertisement updates existing or adds a new device
func (s *Scanner) handleAdvertisement(adv radio.Advertisement) {
	key := radio.NormalizeAddress(adv.Address)
	now := time.Now()

	dev, existing := s.devices.Get(key)
	if !existing {
		if !s.shouldInclude(adv) {
			return
		}
		s.seq++
		dev = Device{Address: adv.Address, FirstSeen: now, order: s.seq}
	}

	dev.LastSeen = now
	dev.Seen++
	dev.RSSI = adv.RSSI
	dev.Connectable = adv.Connectable
	if adv.Name != "" {
		dev.Name = adv.Name
	}
	if len(adv.Services) > 0 {
		dev.Services = append([]string(nil), adv.Services...)
	}
	s.identify(&dev)

	s.devices.Set(key, dev)

	event := Event{Type: EventNew, Device: dev}
	if existing {
		event.Type = EventUpdated
	} else {
		s.logger.WithFields(logrus.Fields{
			"device":    dev.Name,
			"address":   dev.Address,
			"rssi":      dev.RSSI,
			"supported": dev.Supported(),
		}).Info("Discovered new device")
	}

	if s.events.Send(event) {
		s.logger.Debug("Scan event buffer full, dropped oldest")
	}
}

func (s *Scanner) identify(dev *Device) {
	if s.matcher != nil && dev.Descriptor == nil {
		if d, ok := s.matcher.MatchDescriptor(dev.Name); ok {
			dev.Descriptor = &d
		}
	}
	if dev.SerialService == "" {
		for _, uuid := range dev.Services {
			if ks, ok := radio.LookupKnownService(uuid); ok {
				dev.SerialService = ks.Name
				break
			}
		}
	}
}

// shouldInclude applies the allow/block/service/supported filters
func (s *Scanner) shouldInclude(adv radio.Advertisement) bool {
	for _, blocked := range s.opts.BlockList {
		if radio.SameAddress(adv.Address, blocked) {
			return false
		}
	}

	if len(s.opts.AllowList) > 0 {
		allowed := false
		for _, a := range s.opts.AllowList {
			if radio.SameAddress(adv.Address, a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if len(s.opts.ServiceUUIDs) > 0 {
		hasRequired := false
		for _, required := range s.opts.ServiceUUIDs {
			for _, advUUID := range adv.Services {
				if radio.SameUUID(required, advUUID) {
					hasRequired = true
					break
				}
			}
			if hasRequired {
				break
			}
		}
		if !hasRequired {
			return false
		}
	}

	if s.opts.SupportedOnly {
		if s.matcher == nil {
			return false
		}
		if _, ok := s.matcher.MatchDescriptor(adv.Name); !ok {
			return false
		}
	}

	return true
}
