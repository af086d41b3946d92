// Package packetq holds inbound BLE notification payloads until the protocol
// reader asks for them.
//
// Every Push posts exactly one arrival token on a counting channel, so a waiting
// reader wakes once per packet and never loses an arrival that happened while
// nobody was waiting. Packets are stored whole: the queue never splits or merges
// payloads.
package packetq

import (
	"errors"
	"sync"
	"time"
)

// Forever makes Take block until a packet arrives or the queue is closed.
const Forever time.Duration = -1

// DefaultCapacity bounds the number of queued packets.
const DefaultCapacity = 1024

var (
	ErrFull    = errors.New("packet queue full")
	ErrClosed  = errors.New("packet queue closed")
	ErrNoData  = errors.New("no packet available")
	ErrTimeout = errors.New("timeout waiting for packet")
)

// Packet is one notification payload as it arrived from the radio.
type Packet []byte

// Queue is a bounded FIFO of packets safe for one radio producer and any number
// of consumers.
type Queue struct {
	mu      sync.Mutex
	packets []Packet
	bytes   int
	closed  bool

	// signal holds one token per queued packet. Tokens are only posted while
	// mu is held, so len(signal) <= len(packets) at every unlock.
	signal chan struct{}
	done   chan struct{}
}

// New creates a queue holding at most capacity packets. Non-positive capacity
// selects DefaultCapacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		packets: make([]Packet, 0, 16),
		signal:  make(chan struct{}, capacity),
		done:    make(chan struct{}),
	}
}

// Push appends a copy of p and posts one arrival token. It never blocks.
func (q *Queue) Push(p []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if len(q.packets) >= cap(q.signal) {
		return ErrFull
	}

	pkt := make(Packet, len(p))
	copy(pkt, p)
	q.packets = append(q.packets, pkt)
	q.bytes += len(pkt)

	// Cannot block: tokens never outnumber packets and packets < cap(signal).
	q.signal <- struct{}{}
	return nil
}

// Take removes and returns the oldest packet.
//
// timeout == Forever (or any negative value) waits without bound, 0 returns
// ErrNoData immediately when empty, and a positive timeout returns ErrTimeout
// once it elapses. A closed queue yields ErrClosed.
func (q *Queue) Take(timeout time.Duration) (Packet, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		if timeout == 0 {
			select {
			case <-q.signal:
			default:
				if q.IsClosed() {
					return nil, ErrClosed
				}
				return nil, ErrNoData
			}
		} else {
			select {
			case <-q.signal:
			case <-q.done:
				return nil, ErrClosed
			case <-deadline:
				return nil, ErrTimeout
			}
		}

		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if len(q.packets) == 0 {
			// Clear ran between our token and the lock.
			q.mu.Unlock()
			if timeout == 0 {
				return nil, ErrNoData
			}
			continue
		}
		pkt := q.packets[0]
		q.packets[0] = nil
		q.packets = q.packets[1:]
		q.bytes -= len(pkt)
		q.mu.Unlock()
		return pkt, nil
	}
}

// Peek returns a copy of the oldest packet without consuming it or its token.
func (q *Queue) Peek() (Packet, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.packets) == 0 {
		return nil, false
	}
	pkt := make(Packet, len(q.packets[0]))
	copy(pkt, q.packets[0])
	return pkt, true
}

// Len returns the number of queued packets.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.packets)
}

// Bytes returns the total payload size of all queued packets.
func (q *Queue) Bytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// Clear discards every queued packet together with its arrival token.
// It returns the number of packets dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.packets)
	q.packets = q.packets[:0]
	q.bytes = 0
	for {
		select {
		case <-q.signal:
			continue
		default:
		}
		break
	}
	return n
}

// Close releases every blocked Take with ErrClosed. Safe to call repeatedly.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.packets = nil
	q.bytes = 0
	close(q.done)
}

// IsClosed reports whether Close has been called.
func (q *Queue) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
