package simproto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/bledive/internal/engine"
	"github.com/srg/bledive/internal/transport"
)

const (
	// UnitsPerDive is the progress weight of one dive transfer.
	UnitsPerDive = 10000
	// manifestUnits is the progress scale used while the manifest is fetched.
	manifestUnits = 10000

	maxPacket = 512
)

// Device is an open simproto session.
type Device struct {
	stream  engine.Stream
	logger  *logrus.Logger
	desc    engine.Descriptor
	retries int

	mu          sync.Mutex
	fingerprint []byte
	cancel      func() bool
	events      func(engine.Event)
	closed      bool
}

func (d *Device) SetFingerprint(fp []byte) error {
	if len(fp) != 0 && len(fp) != FingerprintSize {
		return fmt.Errorf("%w: fingerprint must be %d bytes, got %d", engine.StatusInvalidArgs, FingerprintSize, len(fp))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fingerprint = append([]byte(nil), fp...)
	return nil
}

func (d *Device) SetCancel(fn func() bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancel = fn
}

func (d *Device) SetEvents(fn func(engine.Event)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = fn
}

func (d *Device) NewParser(data []byte) (engine.Parser, error) {
	return Parsers{}.NewParser(data)
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *Device) emit(ev engine.Event) {
	d.mu.Lock()
	fn := d.events
	d.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (d *Device) cancelled() bool {
	d.mu.Lock()
	fn := d.cancel
	d.mu.Unlock()
	return fn != nil && fn()
}

// Foreach downloads every dive newer than the configured fingerprint, newest
// first.
func (d *Device) Foreach(fn engine.DiveFunc) engine.Status {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return engine.StatusIO
	}

	d.emit(engine.ProgressEvent{Current: 0, Maximum: manifestUnits})

	payload, st := d.transfer(CmdManifest, nil, nil)
	if !st.OK() {
		return st
	}
	manifest, err := decodeManifest(payload)
	if err != nil {
		d.logger.WithField("error", err).Warn("Invalid manifest")
		return engine.StatusProtocol
	}
	d.emit(engine.ProgressEvent{Current: manifestUnits / 2, Maximum: manifestUnits})

	// The event handler may install a fingerprint for this serial.
	d.emit(engine.DevInfoEvent{Model: manifest.Model, Firmware: manifest.Firmware, Serial: manifest.Serial})

	entries := d.pending(manifest.Entries)
	d.logger.WithFields(logrus.Fields{
		"serial":  manifest.Serial,
		"stored":  len(manifest.Entries),
		"pending": len(entries),
	}).Info("Manifest received")

	if len(entries) == 0 {
		d.emit(engine.ProgressEvent{Current: manifestUnits, Maximum: manifestUnits})
		return engine.StatusSuccess
	}

	maximum := uint32(len(entries)) * UnitsPerDive
	d.emit(engine.ProgressEvent{Current: 0, Maximum: maximum})

	for i, entry := range entries {
		if d.cancelled() {
			return engine.StatusCancelled
		}

		base := uint32(i) * UnitsPerDive
		onRead := func(received, total int) {
			d.emit(engine.ProgressEvent{Current: base + uint32(UnitsPerDive*received/total), Maximum: maximum})
		}

		var id [2]byte
		binary.LittleEndian.PutUint16(id[:], entry.ID)
		data, st := d.transfer(CmdDive, id[:], onRead)
		if !st.OK() {
			return st
		}
		if uint32(len(data)) != entry.Size {
			d.logger.WithFields(logrus.Fields{
				"dive":     entry.ID,
				"expected": entry.Size,
				"received": len(data),
			}).Warn("Dive size differs from manifest")
		}

		d.emit(engine.ProgressEvent{Current: base + UnitsPerDive, Maximum: maximum})
		if !fn(data, entry.Fingerprint) {
			return engine.StatusSuccess
		}
	}
	return engine.StatusSuccess
}

// pending returns the entries preceding the one matching the fingerprint.
func (d *Device) pending(entries []ManifestEntry) []ManifestEntry {
	d.mu.Lock()
	fp := d.fingerprint
	d.mu.Unlock()
	if len(fp) == 0 {
		return entries
	}
	for i, e := range entries {
		if bytes.Equal(e.Fingerprint, fp) {
			return entries[:i]
		}
	}
	return entries
}

// transfer sends one request and returns the response body, retrying on
// timeouts and corrupt frames.
func (d *Device) transfer(cmd byte, payload []byte, onRead func(received, total int)) ([]byte, engine.Status) {
	request := EncodeRequest(cmd, payload)

	for attempt := 0; ; attempt++ {
		if d.cancelled() {
			return nil, engine.StatusCancelled
		}
		if attempt > 0 {
			_ = d.stream.Purge(transport.PurgeInput)
		}

		if _, err := d.stream.Write(request); err != nil {
			d.logger.WithFields(logrus.Fields{"cmd": cmd, "error": err}).Warn("Request write failed")
			return nil, engine.StatusOf(err)
		}

		frame, err := d.readFrame(onRead)
		if err == nil {
			var rcmd byte
			var body []byte
			rcmd, body, err = DecodeResponse(frame)
			if err == nil {
				switch {
				case rcmd == CmdError && len(body) > 0:
					return nil, engine.Status(int8(body[0]))
				case rcmd != cmd:
					d.logger.WithFields(logrus.Fields{"cmd": cmd, "reply": rcmd}).Warn("Unexpected response")
					return nil, engine.StatusProtocol
				default:
					return body, engine.StatusSuccess
				}
			}
		}

		retryable := errors.Is(err, transport.ErrTimeout) || errors.Is(err, ErrBadChecksum)
		if !retryable || attempt >= d.retries {
			d.logger.WithFields(logrus.Fields{"cmd": cmd, "attempt": attempt, "error": err}).Warn("Transfer failed")
			if errors.Is(err, ErrBadFrame) || errors.Is(err, ErrBadChecksum) {
				return nil, engine.StatusProtocol
			}
			return nil, engine.StatusOf(err)
		}
		d.logger.WithFields(logrus.Fields{"cmd": cmd, "attempt": attempt, "error": err}).Debug("Retrying request")
	}
}

// readFrame collects notifications until a complete response frame is held.
func (d *Device) readFrame(onRead func(received, total int)) ([]byte, error) {
	buf := make([]byte, maxPacket)
	var frame []byte
	want := -1

	for {
		n, err := d.stream.Read(buf)
		if err != nil {
			return nil, err
		}
		frame = append(frame, buf[:n]...)

		if want < 0 && len(frame) >= responseHeaderLen {
			if want, err = responseLen(frame); err != nil {
				return nil, err
			}
		}
		if want < 0 {
			continue
		}
		if onRead != nil {
			received := len(frame)
			if received > want {
				received = want
			}
			onRead(received, want)
		}
		if len(frame) == want {
			return frame, nil
		}
		if len(frame) > want {
			return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadFrame, len(frame)-want)
		}
	}
}

// Engine opens simproto devices.
type Engine struct {
	logger  *logrus.Logger
	Timeout time.Duration
	Retries int
}

const (
	Family         = "simproto"
	DefaultTimeout = 3 * time.Second
	DefaultRetries = 2
)

// NewEngine creates the engine. A nil logger discards output.
func NewEngine(logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}
	return &Engine{logger: logger, Timeout: DefaultTimeout, Retries: DefaultRetries}
}

func (e *Engine) Name() string { return Family }

// Descriptors lists the models this engine speaks to.
func (e *Engine) Descriptors() []engine.Descriptor {
	return []engine.Descriptor{
		{Vendor: "Simulated", Product: "Reef BLE", Family: Family, Model: 0x10,
			Transports: engine.TransportBLE, NamePrefixes: []string{"Reef"}},
		{Vendor: "Simulated", Product: "Trench BLE", Family: Family, Model: 0x11,
			Transports: engine.TransportBLE | engine.TransportBluetooth, NamePrefixes: []string{"Trench"}},
		{Vendor: "Simulated", Product: "Lagoon USB", Family: Family, Model: 0x20,
			Transports: engine.TransportUSB},
	}
}

// Open binds a device to a ready stream.
func (e *Engine) Open(desc engine.Descriptor, stream engine.Stream) (engine.Device, error) {
	if desc.Family != Family {
		return nil, fmt.Errorf("%w: family %q", engine.StatusUnsupported, desc.Family)
	}
	if stream == nil {
		return nil, fmt.Errorf("%w: nil stream", engine.StatusInvalidArgs)
	}

	if err := stream.SetTimeout(e.Timeout); err != nil {
		return nil, fmt.Errorf("failed to set stream timeout: %w", err)
	}

	name := make([]byte, 64)
	if n, err := stream.Ioctl(transport.IoctlGetName, name); err == nil && n > 0 {
		e.logger.WithFields(logrus.Fields{
			"device": string(bytes.TrimRight(name[:n], "\x00")),
			"model":  desc.Product,
		}).Debug("Opening device")
	}
	if err := stream.Purge(transport.PurgeAll); err != nil {
		return nil, fmt.Errorf("failed to purge stream: %w", err)
	}

	return &Device{
		stream:  stream,
		logger:  e.logger,
		desc:    desc,
		retries: e.Retries,
	}, nil
}

var _ engine.Engine = (*Engine)(nil)
var _ engine.Device = (*Device)(nil)
