// Package transport exposes a connected BLE serial channel as the blocking,
// packet-oriented stream that dive computer protocol drivers expect.
//
// Inbound notifications land in a packetq.Queue from the radio goroutine; Read
// hands them out one packet per call and never merges or splits them. Outbound
// data is chunked to the link's write payload size and, in acknowledged mode,
// each chunk waits for the radio's completion callback.
package transport

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/bledive/internal/packetq"
	"github.com/srg/bledive/internal/radio"
)

// Forever disables the read timeout.
const Forever = packetq.Forever

// DefaultPollInterval is the spin interval used by Poll.
const DefaultPollInterval = 5 * time.Millisecond

var (
	ErrClosed         = errors.New("stream closed")
	ErrTimeout        = errors.New("timeout")
	ErrWriteTimeout   = fmt.Errorf("write acknowledgement %w", ErrTimeout)
	ErrWriteFailed    = errors.New("write failed")
	ErrTruncated      = errors.New("packet larger than read buffer")
	ErrUnsupported    = errors.New("unsupported")
	ErrBufferTooSmall = errors.New("buffer too small")
)

// Options tune a Stream. Zero values are replaced by the tag defaults.
type Options struct {
	WriteAckTimeout time.Duration `default:"5s"`
	QueueCapacity   int           `default:"1024"`
	TraceBytes      int           `default:"512"`
	PollInterval    time.Duration `default:"5ms"`
	// ChunkDelay is slept between unacknowledged chunks.
	ChunkDelay time.Duration
}

// Stats are cumulative stream counters.
type Stats struct {
	PacketsIn  uint64
	BytesIn    uint64
	PacketsOut uint64
	BytesOut   uint64
	Dropped    uint64
	Truncated  uint64
}

// Stream is the BLE serial stream. All methods are safe for concurrent use;
// HandleNotification and HandleWriteComplete never block.
type Stream struct {
	link    radio.Link
	channel radio.Channel
	logger  *logrus.Logger
	opts    Options

	queue       *packetq.Queue
	readTimeout atomic.Int64

	writeMu sync.Mutex
	// pending receives the completion of the chunk in flight.
	pendingMu sync.Mutex
	pending   chan error

	subscribed atomic.Bool
	closed     atomic.Bool
	done       chan struct{}
	closeOnce  sync.Once

	mu         sync.Mutex
	accessCode []byte
	trace      *ringbuffer.RingBuffer

	packetsIn, bytesIn   atomic.Uint64
	packetsOut, bytesOut atomic.Uint64
	dropped, truncated   atomic.Uint64
}

// New builds a stream over an already discovered channel. It does not
// subscribe; use Open for the normal path.
func New(link radio.Link, ch radio.Channel, logger *logrus.Logger, opts *Options) *Stream {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	defaults.SetDefaults(&o)

	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}

	s := &Stream{
		link:    link,
		channel: ch,
		logger:  logger,
		opts:    o,
		queue:   packetq.New(o.QueueCapacity),
		done:    make(chan struct{}),
		trace:   ringbuffer.New(o.TraceBytes),
	}
	s.readTimeout.Store(int64(Forever))
	return s
}

// Open builds a stream and subscribes it to the channel's notify
// characteristic. The returned stream is ready for I/O.
func Open(link radio.Link, ch radio.Channel, logger *logrus.Logger, opts *Options) (*Stream, error) {
	s := New(link, ch, logger, opts)
	if err := link.Subscribe(ch, s.HandleNotification); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", ch.Notify, radio.NormalizeError(err))
	}
	s.subscribed.Store(true)

	s.logger.WithFields(logrus.Fields{
		"address": link.Address(),
		"service": ch.Service,
		"notify":  ch.Notify,
		"write":   ch.Write,
		"mode":    ch.Mode,
		"mtu":     link.MTU(),
	}).Debug("BLE stream ready")
	return s, nil
}

// Channel returns the characteristic pair this stream is bound to.
func (s *Stream) Channel() radio.Channel { return s.channel }

// Configure accepts serial line parameters and ignores them.
func (s *Stream) Configure(baud, dataBits int, parity Parity, stopBits StopBits, flow FlowControl) error {
	s.logger.WithFields(logrus.Fields{
		"baud":      baud,
		"data_bits": dataBits,
		"parity":    parity,
		"stop_bits": stopBits,
		"flow":      flow,
	}).Debug("Ignoring serial line configuration on BLE stream")
	return nil
}

// SetTimeout sets the Read timeout: negative waits forever, zero never waits.
func (s *Stream) SetTimeout(d time.Duration) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if d < 0 {
		d = Forever
	}
	s.readTimeout.Store(int64(d))
	return nil
}

// Timeout returns the current Read timeout.
func (s *Stream) Timeout() time.Duration {
	return time.Duration(s.readTimeout.Load())
}

// Poll waits until at least one packet is queued. It never consumes data.
func (s *Stream) Poll(timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if s.closed.Load() {
			return ErrClosed
		}
		if s.queue.Len() > 0 {
			return nil
		}
		if timeout == 0 || (timeout > 0 && !time.Now().Before(deadline)) {
			return ErrTimeout
		}

		select {
		case <-s.done:
			return ErrClosed
		case <-time.After(s.opts.PollInterval):
		}
	}
}

// Read copies the next notification payload into p. A payload longer than p
// is cut to len(p) and reported with ErrTruncated; the remainder is lost.
func (s *Stream) Read(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	pkt, err := s.queue.Take(s.Timeout())
	if err != nil {
		switch {
		case errors.Is(err, packetq.ErrClosed):
			return 0, ErrClosed
		case errors.Is(err, packetq.ErrTimeout), errors.Is(err, packetq.ErrNoData):
			return 0, ErrTimeout
		default:
			return 0, err
		}
	}

	n := copy(p, pkt)
	if len(pkt) > len(p) {
		s.truncated.Add(1)
		s.logger.WithFields(logrus.Fields{
			"packet": len(pkt),
			"buffer": len(p),
		}).Warn("Notification truncated to read buffer")
		s.dumpTrace("truncated read")
		return n, ErrTruncated
	}
	return n, nil
}

// Write sends p as a sequence of chunks no larger than the link's write
// payload. It returns the number of bytes whose chunks were accepted.
func (s *Stream) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	size := radio.PayloadSize(s.link.MTU())
	written := 0
	for written < len(p) {
		if s.closed.Load() {
			return written, ErrClosed
		}

		end := written + size
		if end > len(p) {
			end = len(p)
		}
		chunk := p[written:end]

		// Each chunk gets its own completion channel, so a late completion
		// of an earlier timed-out chunk cannot acknowledge this one.
		ack := make(chan error, 1)
		s.setPending(ack)
		complete := func(err error) { signal(ack, err) }

		if err := s.link.Write(s.channel, chunk, s.channel.Mode, complete); err != nil {
			s.setPending(nil)
			s.logger.WithFields(logrus.Fields{
				"written": written,
				"chunk":   len(chunk),
				"error":   err,
			}).Warn("BLE write rejected")
			return written, fmt.Errorf("%w: %v", ErrWriteFailed, radio.NormalizeError(err))
		}

		if s.channel.Mode == radio.WriteAcknowledged {
			err := s.awaitWrite(ack)
			s.setPending(nil)
			if err != nil {
				s.logger.WithFields(logrus.Fields{
					"written": written,
					"chunk":   len(chunk),
					"error":   err,
				}).Warn("BLE write not acknowledged")
				return written, err
			}
		} else {
			s.setPending(nil)
			if s.opts.ChunkDelay > 0 && end < len(p) {
				time.Sleep(s.opts.ChunkDelay)
			}
		}

		written = end
		s.packetsOut.Add(1)
		s.bytesOut.Add(uint64(len(chunk)))
	}

	return written, nil
}

func (s *Stream) setPending(ch chan error) {
	s.pendingMu.Lock()
	s.pending = ch
	s.pendingMu.Unlock()
}

func signal(ch chan error, err error) {
	select {
	case ch <- err:
	default:
	}
}

func (s *Stream) awaitWrite(ack <-chan error) error {
	timer := time.NewTimer(s.opts.WriteAckTimeout)
	defer timer.Stop()

	select {
	case err := <-ack:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrWriteFailed, err)
		}
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-s.done:
		return ErrClosed
	}
}

// Available returns the number of bytes waiting across all queued packets.
func (s *Stream) Available() (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	return s.queue.Bytes(), nil
}

// Ioctl handles the BLE control requests. Unknown codes return ErrUnsupported.
func (s *Stream) Ioctl(code IoctlCode, buf []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	switch code {
	case IoctlGetName:
		name := s.link.Name()
		if name == "" {
			return 0, ErrUnsupported
		}
		if len(buf) < len(name)+1 {
			return 0, ErrBufferTooSmall
		}
		n := copy(buf, name)
		buf[n] = 0
		return n + 1, nil

	case IoctlGetAccessCode:
		s.mu.Lock()
		defer s.mu.Unlock()
		if len(buf) < len(s.accessCode) {
			return 0, ErrBufferTooSmall
		}
		return copy(buf, s.accessCode), nil

	case IoctlSetAccessCode:
		s.mu.Lock()
		s.accessCode = append(s.accessCode[:0:0], buf...)
		s.mu.Unlock()
		s.logger.WithField("bytes", len(buf)).Debug("Access code updated")
		return len(buf), nil

	default:
		return 0, fmt.Errorf("%w: ioctl 0x%08x", ErrUnsupported, uint32(code))
	}
}

// AccessCode returns a copy of the cached access code, nil if none.
func (s *Stream) AccessCode() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accessCode == nil {
		return nil
	}
	return append([]byte(nil), s.accessCode...)
}

// SetAccessCode seeds the cached access code, typically from persistent storage.
func (s *Stream) SetAccessCode(code []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessCode = append([]byte(nil), code...)
}

// Purge discards buffered input. Output is unbuffered so purging it is a no-op.
func (s *Stream) Purge(dir Direction) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if dir&PurgeInput != 0 {
		if n := s.queue.Clear(); n > 0 {
			s.logger.WithField("packets", n).Debug("Purged queued notifications")
		}
	}
	return nil
}

// Sleep pauses the caller; protocol drivers use it for inter-command delays.
func (s *Stream) Sleep(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// Close marks the stream closed and wakes every blocked reader and writer.
// Notifications arriving afterwards are discarded. Safe to call repeatedly.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.queue.Close()
		s.logger.WithFields(logrus.Fields{
			"packets_in":  s.packetsIn.Load(),
			"bytes_in":    s.bytesIn.Load(),
			"packets_out": s.packetsOut.Load(),
			"bytes_out":   s.bytesOut.Load(),
			"dropped":     s.dropped.Load(),
		}).Debug("BLE stream closed")
	})
	return nil
}

// Ready reports whether the notify subscription completed and the stream is
// still open.
func (s *Stream) Ready() bool { return s.subscribed.Load() && !s.closed.Load() }

// IsClosed reports whether Close has been called.
func (s *Stream) IsClosed() bool { return s.closed.Load() }

// Done is closed when the stream closes.
func (s *Stream) Done() <-chan struct{} { return s.done }

// HandleNotification is the radio-side entry point for inbound payloads.
func (s *Stream) HandleNotification(data []byte) {
	if s.closed.Load() {
		s.dropped.Add(1)
		return
	}

	s.recordTrace(data)
	if err := s.queue.Push(data); err != nil {
		s.dropped.Add(1)
		s.logger.WithFields(logrus.Fields{
			"bytes": len(data),
			"error": err,
		}).Warn("Dropping BLE notification")
		return
	}
	s.packetsIn.Add(1)
	s.bytesIn.Add(uint64(len(data)))
}

// HandleWriteComplete is the radio-side entry point for write completions.
// It completes the chunk currently in flight; with none in flight it is a no-op.
func (s *Stream) HandleWriteComplete(err error) {
	s.pendingMu.Lock()
	ch := s.pending
	s.pendingMu.Unlock()
	if ch != nil {
		signal(ch, err)
	}
}

// Stats returns a snapshot of the stream counters.
func (s *Stream) Stats() Stats {
	return Stats{
		PacketsIn:  s.packetsIn.Load(),
		BytesIn:    s.bytesIn.Load(),
		PacketsOut: s.packetsOut.Load(),
		BytesOut:   s.bytesOut.Load(),
		Dropped:    s.dropped.Load(),
		Truncated:  s.truncated.Load(),
	}
}
