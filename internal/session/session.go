// Package session binds a BLE link, its serial stream and an engine device
// into one download session and owns its lifecycle.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/bledive/internal/dive"
	"github.com/srg/bledive/internal/download"
	"github.com/srg/bledive/internal/engine"
	"github.com/srg/bledive/internal/groutine"
	"github.com/srg/bledive/internal/radio"
	"github.com/srg/bledive/internal/transport"
)

var (
	ErrDescriptorNotFound = errors.New("descriptor not found")
	ErrStreamNotReady     = errors.New("stream not ready")
	ErrNoDevice           = errors.New("no device connected")
	ErrBusy               = errors.New("session busy")
)

// State is the lifecycle stage of the controller.
type State int

const (
	Idle State = iota
	Connecting
	StreamReady
	SessionOpen
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case StreamReady:
		return "stream-ready"
	case SessionOpen:
		return "session-open"
	case Disconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// FingerprintStore persists fingerprints per device serial.
type FingerprintStore interface {
	download.FingerprintStore
	Reset() (int, error)
}

// AccessCodeStore persists pairing access codes per link address.
type AccessCodeStore interface {
	Load(key string) ([]byte, bool, error)
	Save(key string, blob []byte) error
}

// Options tune a Controller.
type Options struct {
	// ConnectTimeout bounds link establishment plus discovery.
	ConnectTimeout time.Duration `default:"20s"`
	// CancelGrace is how long teardown waits for a running download to stop
	// before closing the stream under it.
	CancelGrace time.Duration `default:"2s"`
	Transport   transport.Options
	Download    download.Options
}

type session struct {
	address    string
	link       radio.Link
	stream     *transport.Stream
	device     engine.Device
	desc       engine.Descriptor
	accessCode []byte

	stop chan struct{}
	once sync.Once
	err  error
}

// Controller is the single owner of the active session. All methods are safe
// for concurrent use.
type Controller struct {
	central      radio.Central
	engine       engine.Engine
	fingerprints FingerprintStore
	accessCodes  AccessCodeStore
	logger       *logrus.Logger
	opts         Options

	descriptors *orderedmap.OrderedMap[string, engine.Descriptor]
	downloader  *download.Downloader

	mu    sync.Mutex
	state State
	cur   *session

	monitors groutine.Group
}

// NewController loads the BLE-capable descriptors of eng. Either store may be
// nil.
func NewController(central radio.Central, eng engine.Engine, fingerprints FingerprintStore, accessCodes AccessCodeStore, logger *logrus.Logger, opts *Options) *Controller {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	defaults.SetDefaults(&o)

	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}

	c := &Controller{
		central:      central,
		engine:       eng,
		fingerprints: fingerprints,
		accessCodes:  accessCodes,
		logger:       logger,
		opts:         o,
		descriptors:  orderedmap.New[string, engine.Descriptor](),
	}
	c.downloader = download.New(fingerprints, logger, &o.Download)

	for _, d := range eng.Descriptors() {
		if !d.SupportsBLE() {
			continue
		}
		c.descriptors.Set(d.Key(), d)
	}
	logger.WithFields(logrus.Fields{
		"engine":      eng.Name(),
		"descriptors": c.descriptors.Len(),
	}).Debug("Descriptor table loaded")
	return c
}

// Descriptors lists the BLE-capable descriptors in engine order.
func (c *Controller) Descriptors() []engine.Descriptor {
	out := make([]engine.Descriptor, 0, c.descriptors.Len())
	for p := c.descriptors.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Value)
	}
	return out
}

// LocateDescriptor finds a descriptor by vendor and product, case-insensitively.
func (c *Controller) LocateDescriptor(vendor, product string) (engine.Descriptor, error) {
	d, ok := c.descriptors.Get(engine.DescriptorKey(vendor, product))
	if !ok {
		return engine.Descriptor{}, fmt.Errorf("%w: %s %s", ErrDescriptorNotFound, vendor, product)
	}
	return d, nil
}

// MatchDescriptor returns the first descriptor whose advertised-name prefixes
// match name.
func (c *Controller) MatchDescriptor(name string) (engine.Descriptor, bool) {
	for p := c.descriptors.Oldest(); p != nil; p = p.Next() {
		if p.Value.MatchesName(name) {
			return p.Value, true
		}
	}
	return engine.Descriptor{}, false
}

// State returns the current lifecycle stage.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Descriptor returns the descriptor of the open session.
func (c *Controller) Descriptor() (engine.Descriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return engine.Descriptor{}, false
	}
	return c.cur.desc, true
}

// StreamStats returns the counters of the open session's stream.
func (c *Controller) StreamStats() (transport.Stats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return transport.Stats{}, false
	}
	return c.cur.stream.Stats(), true
}

// Open binds an engine device to a ready stream.
func (c *Controller) Open(desc engine.Descriptor, stream *transport.Stream) (engine.Device, error) {
	if stream == nil || !stream.Ready() {
		return nil, ErrStreamNotReady
	}
	dev, err := c.engine.Open(desc, stream)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", desc, err)
	}
	return dev, nil
}

// Connect runs the whole open sequence for the peripheral at address. On
// failure everything acquired so far is released and the controller returns
// to Idle.
func (c *Controller) Connect(ctx context.Context, address, vendor, product string) error {
	c.mu.Lock()
	if c.state != Idle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBusy, state)
	}
	c.state = Connecting
	c.mu.Unlock()

	s, err := c.open(ctx, address, vendor, product)
	if err != nil {
		c.setState(Idle)
		return err
	}

	c.mu.Lock()
	c.cur = s
	c.state = SessionOpen
	c.mu.Unlock()

	c.monitors.Go(context.Background(), "session-monitor", func(context.Context) {
		c.monitor(s)
	})

	c.logger.WithFields(logrus.Fields{
		"address": address,
		"device":  s.desc.String(),
		"mtu":     s.link.MTU(),
	}).Info("Session open")
	return nil
}

func (c *Controller) open(ctx context.Context, address, vendor, product string) (_ *session, err error) {
	desc, err := c.LocateDescriptor(vendor, product)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	logger := c.logger.WithFields(logrus.Fields{"address": address, "device": desc.String()})
	logger.Info("Connecting...")

	s := &session{address: address, desc: desc, stop: make(chan struct{})}
	defer func() {
		if err != nil {
			if rerr := c.release(s, "connect failed"); rerr != nil {
				logger.WithField("error", rerr).Warn("Cleanup after failed connect")
			}
		}
	}()

	s.link, err = c.central.Connect(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, radio.NormalizeError(err))
	}

	ch, err := s.link.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("service discovery failed: %w", radio.NormalizeError(err))
	}

	s.stream, err = transport.Open(s.link, ch, c.logger, &c.opts.Transport)
	if err != nil {
		return nil, err
	}
	c.setState(StreamReady)

	s.accessCode = c.loadAccessCode(address)
	if s.accessCode != nil {
		s.stream.SetAccessCode(s.accessCode)
	}

	s.device, err = c.Open(desc, s.stream)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func accessKey(address string) string {
	return radio.NormalizeAddress(address)
}

func (c *Controller) loadAccessCode(address string) []byte {
	if c.accessCodes == nil {
		return nil
	}
	code, ok, err := c.accessCodes.Load(accessKey(address))
	if err != nil {
		c.logger.WithFields(logrus.Fields{"address": address, "error": err}).Warn("Failed to load access code")
		return nil
	}
	if !ok {
		return nil
	}
	return code
}

func (c *Controller) saveAccessCode(s *session) {
	if c.accessCodes == nil || s.stream == nil {
		return
	}
	code := s.stream.AccessCode()
	if len(code) == 0 || bytes.Equal(code, s.accessCode) {
		return
	}
	if err := c.accessCodes.Save(accessKey(s.address), code); err != nil {
		c.logger.WithFields(logrus.Fields{"address": s.address, "error": err}).Warn("Failed to save access code")
		return
	}
	c.logger.WithField("address", s.address).Debug("Access code saved")
}

func (c *Controller) monitor(s *session) {
	select {
	case <-s.stop:
	case <-s.link.Disconnected():
		c.logger.WithField("address", s.address).Warn("Link lost, tearing down session")
		_ = c.teardown(s, "link lost")
	}
}

// Disconnect tears down the open session. It is a no-op when idle.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	s := c.cur
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	return c.teardown(s, "host request")
}

// teardown releases s once; concurrent callers block until it completes.
func (c *Controller) teardown(s *session, reason string) error {
	s.once.Do(func() {
		c.setState(Disconnecting)
		s.err = c.release(s, reason)

		c.mu.Lock()
		if c.cur == s {
			c.cur = nil
		}
		c.state = Idle
		c.mu.Unlock()
	})
	return s.err
}

// release undoes the open sequence in reverse: download, device, stream, link.
func (c *Controller) release(s *session, reason string) error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}

	logger := c.logger.WithFields(logrus.Fields{"address": s.address, "reason": reason})

	if s.device != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.CancelGrace)
		if !c.downloader.Stop(ctx) {
			logger.Warn("Download did not stop within grace period, closing stream under it")
		}
		cancel()
	}

	c.saveAccessCode(s)

	var errs []error
	if s.device != nil {
		if err := s.device.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close device: %w", err))
		}
	}
	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stream: %w", err))
		}
	}
	if s.link != nil {
		if err := s.link.Disconnect(); err != nil && !errors.Is(radio.NormalizeError(err), radio.ErrNotConnected) {
			errs = append(errs, fmt.Errorf("disconnect: %w", err))
		}
	}

	logger.Info("Session closed")
	return errors.Join(errs...)
}

// Close disconnects and waits for background goroutines.
func (c *Controller) Close() error {
	err := c.Disconnect()
	c.monitors.Wait()
	c.downloader.Shutdown()
	return err
}

func (c *Controller) openSession() (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil || c.state != SessionOpen {
		return nil, ErrNoDevice
	}
	return c.cur, nil
}

// StartDownload begins a download on the open session.
func (c *Controller) StartDownload(ctx context.Context, force bool) error {
	s, err := c.openSession()
	if err != nil {
		return err
	}
	return c.downloader.Start(ctx, s.device, force)
}

// CancelDownload requests the running download to stop.
func (c *Controller) CancelDownload() error {
	if _, err := c.openSession(); err != nil {
		return err
	}
	c.downloader.Cancel()
	return nil
}

// available reports whether download state can be read: a session is open or
// a download ran earlier.
func (c *Controller) available() error {
	if _, err := c.openSession(); err == nil || c.downloader.Started() {
		return nil
	}
	return ErrNoDevice
}

// Progress returns the download snapshot.
func (c *Controller) Progress() (download.Snapshot, error) {
	if err := c.available(); err != nil {
		return download.Snapshot{}, err
	}
	return c.downloader.Progress(), nil
}

// Results returns the records of the last download.
func (c *Controller) Results() ([]dive.Record, error) {
	if err := c.available(); err != nil {
		return nil, err
	}
	return c.downloader.Results(), nil
}

// Events drains buffered download events, oldest first.
func (c *Controller) Events() ([]download.Event, error) {
	if err := c.available(); err != nil {
		return nil, err
	}
	return c.downloader.DrainEvents(), nil
}

// Wait blocks until the download reports its terminal status.
func (c *Controller) Wait(ctx context.Context) (download.Status, error) {
	if !c.downloader.Started() {
		return download.Status{}, ErrNoDevice
	}
	return c.downloader.Wait(ctx)
}

// ResetFingerprints deletes every stored fingerprint so the next download is
// complete. It needs no session.
func (c *Controller) ResetFingerprints() (int, error) {
	if c.fingerprints == nil {
		return 0, nil
	}
	n, err := c.fingerprints.Reset()
	if err != nil {
		return n, fmt.Errorf("failed to reset fingerprints: %w", err)
	}
	c.logger.WithField("removed", n).Info("Fingerprints reset")
	return n, nil
}
