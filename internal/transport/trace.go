package transport

import (
	"encoding/hex"

	"github.com/sirupsen/logrus"
)

// recordTrace keeps the most recent inbound bytes, overwriting the oldest.
func (s *Stream) recordTrace(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	capacity := s.trace.Capacity()
	if capacity == 0 {
		return
	}
	if len(data) > capacity {
		data = data[len(data)-capacity:]
	}
	if free := s.trace.Free(); free < len(data) {
		discard := make([]byte, len(data)-free)
		_, _ = s.trace.TryRead(discard)
	}
	_, _ = s.trace.Write(data)
}

// Trace returns the most recent inbound bytes, oldest first.
func (s *Stream) Trace() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.trace.Length()
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	read, _ := s.trace.TryRead(buf)
	buf = buf[:read]
	// Put it back so later dumps still see it.
	_, _ = s.trace.Write(buf)
	return buf
}

func (s *Stream) dumpTrace(reason string) {
	if !s.logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"reason": reason,
		"rx":     hex.EncodeToString(s.Trace()),
	}).Debug("Recent BLE inbound bytes")
}
