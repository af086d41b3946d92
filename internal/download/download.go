// Package download runs one dive enumeration on a background worker and
// exposes its progress as a polled snapshot plus a lossy event stream.
package download

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/bledive/internal/dive"
	"github.com/srg/bledive/internal/engine"
	"github.com/srg/bledive/internal/groutine"
)

// PerDiveUnit is the progress weight engines assign to one dive. The total
// estimate derived from it is approximate.
const PerDiveUnit = 10000

var (
	ErrAlreadyActive = errors.New("download already in progress")
	ErrNotStarted    = errors.New("download not started")
)

// FingerprintStore persists the newest downloaded fingerprint per serial.
// *store.BlobStore implements it.
type FingerprintStore interface {
	Load(key string) ([]byte, bool, error)
	Save(key string, blob []byte) error
}

// Options tune a Downloader.
type Options struct {
	// EventBuffer is the capacity of the event ring; older events are
	// overwritten when it is full.
	EventBuffer uint32 `default:"256"`
}

// Snapshot is a copy of the download state. Pointer fields are nil until known.
type Snapshot struct {
	Active          bool
	Progress        float64
	DivesDownloaded int
	EstimatedTotal  *int
	Serial          *uint32
	Firmware        *uint32
	Model           *uint32
	Status          *Status
}

// Downloader drives engine.Device.Foreach on a dedicated goroutine. A
// Downloader may be reused for successive downloads, one at a time.
type Downloader struct {
	logger *logrus.Logger
	store  FingerprintStore
	opts   Options

	mu       sync.Mutex
	started  bool
	active   bool
	progress float64
	maximum  uint32
	dives    int
	estimate *int
	serial   *uint32
	firmware *uint32
	model    *uint32
	status   *Status
	results  []dive.Record
	done     chan struct{}

	cancelled atomic.Bool

	events      mpmc.RichOverlappedRingBuffer[Event]
	overwritten atomic.Uint64

	group groutine.Group
}

// New creates a Downloader. store may be nil to disable fingerprints.
func New(store FingerprintStore, logger *logrus.Logger, opts *Options) *Downloader {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	defaults.SetDefaults(&o)

	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}
	return &Downloader{
		logger: logger,
		store:  store,
		opts:   o,
		events: mpmc.NewOverlappedRingBuffer[Event](o.EventBuffer),
	}
}

// Start begins downloading from dev. Unless force is set, the fingerprint
// stored for the device serial is applied once the device reports it.
// Cancelling ctx has the same effect as Cancel.
func (d *Downloader) Start(ctx context.Context, dev engine.Device, force bool) error {
	if dev == nil {
		return engine.StatusInvalidArgs
	}

	d.mu.Lock()
	if d.active {
		d.mu.Unlock()
		return ErrAlreadyActive
	}
	d.cancelled.Store(false)
	d.started = true
	d.active = true
	d.progress = 0
	d.maximum = 0
	d.dives = 0
	d.estimate = nil
	d.serial, d.firmware, d.model = nil, nil, nil
	d.status = nil
	d.results = nil
	d.done = make(chan struct{})
	d.mu.Unlock()

	dev.SetCancel(func() bool {
		return d.cancelled.Load() || ctx.Err() != nil
	})
	dev.SetEvents(func(ev engine.Event) {
		d.handleEvent(dev, force, ev)
	})

	d.logger.WithField("force", force).Info("Download started")
	d.group.Go(ctx, "download-worker", func(ctx context.Context) {
		d.run(dev)
	})
	return nil
}

// Cancel asks the running download to stop at the engine's next checkpoint.
func (d *Downloader) Cancel() {
	if d.cancelled.CompareAndSwap(false, true) {
		d.logger.Info("Download cancel requested")
	}
}

func (d *Downloader) isCancelled() bool { return d.cancelled.Load() }

func (d *Downloader) handleEvent(dev engine.Device, force bool, ev engine.Event) {
	switch ev := ev.(type) {
	case engine.ProgressEvent:
		if ev.Maximum == 0 {
			return
		}
		fraction := float64(ev.Current) / float64(ev.Maximum)
		if fraction > 1 {
			fraction = 1
		}

		d.mu.Lock()
		d.maximum = ev.Maximum
		advanced := fraction > d.progress
		if advanced {
			d.progress = fraction
		}
		d.mu.Unlock()

		if advanced {
			d.publish(ProgressEvent{Progress: fraction})
		}

	case engine.DevInfoEvent:
		d.mu.Lock()
		serial, firmware, model := ev.Serial, ev.Firmware, ev.Model
		d.serial, d.firmware, d.model = &serial, &firmware, &model
		d.mu.Unlock()

		d.logger.WithFields(logrus.Fields{
			"serial":   ev.Serial,
			"firmware": ev.Firmware,
			"model":    ev.Model,
		}).Info("Device info")
		d.publish(DeviceInfoEvent{Serial: ev.Serial, Firmware: ev.Firmware, Model: ev.Model})

		if !force {
			d.applyFingerprint(dev, ev.Serial)
		}

	case engine.ClockEvent:
		d.logger.WithFields(logrus.Fields{
			"ticks": ev.DeviceTicks,
			"host":  ev.HostUnix,
		}).Debug("Device clock")

	case engine.VendorEvent:
		d.logger.WithField("bytes", len(ev.Data)).Debug("Vendor event")
	}
}

// FingerprintKey is the store key for a device serial.
func FingerprintKey(serial uint32) string {
	return strconv.FormatUint(uint64(serial), 10)
}

func (d *Downloader) applyFingerprint(dev engine.Device, serial uint32) {
	if d.store == nil {
		return
	}
	fp, ok, err := d.store.Load(FingerprintKey(serial))
	if err != nil {
		d.logger.WithFields(logrus.Fields{"serial": serial, "error": err}).Warn("Failed to load fingerprint")
		return
	}
	if !ok {
		d.logger.WithField("serial", serial).Debug("No stored fingerprint, full download")
		return
	}
	if err := dev.SetFingerprint(fp); err != nil {
		d.logger.WithFields(logrus.Fields{"serial": serial, "error": err}).Warn("Device rejected fingerprint")
		return
	}
	d.logger.WithFields(logrus.Fields{"serial": serial, "fingerprint": fp}).Debug("Fingerprint applied")
}

func (d *Downloader) saveFingerprint(serial *uint32, fp []byte) {
	if d.store == nil || serial == nil || len(fp) == 0 {
		return
	}
	if err := d.store.Save(FingerprintKey(*serial), fp); err != nil {
		d.logger.WithFields(logrus.Fields{"serial": *serial, "error": err}).Warn("Failed to save fingerprint")
	}
}

func (d *Downloader) onDive(dev engine.Device, data, fp []byte) bool {
	d.mu.Lock()
	d.dives++
	number := d.dives
	first := number == 1
	if first && d.maximum > 0 {
		estimate := int(d.maximum / PerDiveUnit)
		d.estimate = &estimate
	}
	serial := d.serial
	d.mu.Unlock()

	// Enumeration is newest first, so the first fingerprint is the resume point.
	if first {
		d.saveFingerprint(serial, fp)
	}

	rec, err := dive.Build(dev, number, data, fp, d.logger)
	if err != nil {
		d.logger.WithFields(logrus.Fields{"dive": number, "bytes": len(data), "error": err}).Warn("Failed to decode dive")
		rec = dive.Failed(number, err)
	} else {
		d.logger.WithFields(logrus.Fields{"dive": number, "samples": len(rec.Samples)}).Debug("Dive decoded")
	}

	d.mu.Lock()
	d.results = append(d.results, *rec)
	d.mu.Unlock()
	d.publish(DiveEvent{Record: *rec})

	return !d.isCancelled()
}

func (d *Downloader) run(dev engine.Device) {
	code := dev.Foreach(func(data, fp []byte) bool {
		return d.onDive(dev, data, fp)
	})
	if d.isCancelled() && code.OK() {
		code = engine.StatusCancelled
	}
	status := StatusFrom(code)

	d.mu.Lock()
	d.active = false
	d.status = &status
	if status.OK() {
		d.progress = 1
	}
	dives := d.dives
	done := d.done
	d.mu.Unlock()

	d.logger.WithFields(logrus.Fields{"status": status.String(), "dives": dives}).Info("Download finished")
	d.publish(CompleteEvent{Status: status, Dives: dives})
	close(done)
}

func (d *Downloader) publish(ev Event) {
	overwrites, err := d.events.EnqueueM(ev)
	if err != nil {
		d.logger.WithField("error", err).Warn("Failed to queue download event")
		return
	}
	if overwrites > 0 {
		d.overwritten.Add(uint64(overwrites))
	}
}

// Progress returns a copy of the current state.
func (d *Downloader) Progress() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Snapshot{
		Active:          d.active,
		Progress:        d.progress,
		DivesDownloaded: d.dives,
		EstimatedTotal:  clone(d.estimate),
		Serial:          clone(d.serial),
		Firmware:        clone(d.firmware),
		Model:           clone(d.model),
		Status:          clone(d.status),
	}
	return s
}

// Results returns the records built so far, in enumeration order.
func (d *Downloader) Results() []dive.Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dive.Record(nil), d.results...)
}

// Wait blocks until the current download publishes its terminal status.
func (d *Downloader) Wait(ctx context.Context) (Status, error) {
	d.mu.Lock()
	started, done := d.started, d.done
	d.mu.Unlock()
	if !started {
		return Status{}, ErrNotStarted
	}

	select {
	case <-done:
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return *d.status, nil
}

// Stop cancels any running download and waits for the worker to exit or ctx
// to end. It reports whether the worker exited.
func (d *Downloader) Stop(ctx context.Context) bool {
	d.Cancel()
	return d.group.WaitContext(ctx)
}

// Shutdown cancels any running download and waits for the worker to exit.
func (d *Downloader) Shutdown() {
	d.Cancel()
	d.group.Wait()
}

// Started reports whether Start was ever called.
func (d *Downloader) Started() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started
}

// DrainEvents removes and returns all buffered events, oldest first.
func (d *Downloader) DrainEvents() []Event {
	var out []Event
	for !d.events.IsEmpty() {
		ev, err := d.events.Dequeue()
		if err != nil {
			break
		}
		out = append(out, ev)
	}
	return out
}

// EventsOverwritten counts events lost because the ring was full.
func (d *Downloader) EventsOverwritten() uint64 {
	return d.overwritten.Load()
}

func clone[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
