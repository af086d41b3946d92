// Package simproto is a reference engine for a small framed request/response
// dive log protocol, together with the device-side model that answers it.
//
// Requests are [0xA5 cmd len payload xor]. Responses are
// [0x5A cmd lenLo lenHi payload xor] and may span several notifications; the
// reader reassembles them from the length header.
//
// The host first asks for the manifest (device identity plus dive index,
// newest first), then fetches each dive by id. Dive bodies are tag-length-value
// records, see encoder.go.
package simproto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	requestMagic  = 0xA5
	responseMagic = 0x5A

	CmdManifest byte = 0x10
	CmdDive     byte = 0x20
	CmdError    byte = 0xEE

	responseHeaderLen = 4
	// MaxPayload bounds one response body.
	MaxPayload = 0xFFFF

	FingerprintSize = 4
	manifestHeader  = 13
	manifestEntry   = 2 + 4 + FingerprintSize
)

var (
	ErrBadFrame    = errors.New("malformed frame")
	ErrBadChecksum = errors.New("checksum mismatch")
)

func xorSum(b []byte) byte {
	var x byte
	for _, c := range b {
		x ^= c
	}
	return x
}

// EncodeRequest builds a host request frame.
func EncodeRequest(cmd byte, payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+4)
	frame = append(frame, requestMagic, cmd, byte(len(payload)))
	frame = append(frame, payload...)
	return append(frame, xorSum(frame))
}

// DecodeRequest validates a host request frame.
func DecodeRequest(frame []byte) (cmd byte, payload []byte, err error) {
	if len(frame) < 4 || frame[0] != requestMagic {
		return 0, nil, ErrBadFrame
	}
	n := int(frame[2])
	if len(frame) != n+4 {
		return 0, nil, fmt.Errorf("%w: length %d, want %d", ErrBadFrame, len(frame), n+4)
	}
	if xorSum(frame[:len(frame)-1]) != frame[len(frame)-1] {
		return 0, nil, ErrBadChecksum
	}
	return frame[1], frame[3 : 3+n], nil
}

// EncodeResponse builds a device response frame.
func EncodeResponse(cmd byte, payload []byte) []byte {
	frame := make([]byte, responseHeaderLen, len(payload)+responseHeaderLen+1)
	frame[0] = responseMagic
	frame[1] = cmd
	binary.LittleEndian.PutUint16(frame[2:], uint16(len(payload)))
	frame = append(frame, payload...)
	return append(frame, xorSum(frame))
}

// responseLen returns the full frame length announced by a response header.
func responseLen(header []byte) (int, error) {
	if len(header) < responseHeaderLen || header[0] != responseMagic {
		return 0, ErrBadFrame
	}
	return responseHeaderLen + int(binary.LittleEndian.Uint16(header[2:])) + 1, nil
}

// DecodeResponse validates a complete response frame.
func DecodeResponse(frame []byte) (cmd byte, payload []byte, err error) {
	n, err := responseLen(frame)
	if err != nil {
		return 0, nil, err
	}
	if len(frame) != n {
		return 0, nil, fmt.Errorf("%w: length %d, want %d", ErrBadFrame, len(frame), n)
	}
	if xorSum(frame[:n-1]) != frame[n-1] {
		return 0, nil, ErrBadChecksum
	}
	return frame[1], frame[responseHeaderLen : n-1], nil
}

// ManifestEntry indexes one dive stored on the device.
type ManifestEntry struct {
	ID          uint16
	Size        uint32
	Fingerprint []byte
}

// Manifest is the device identity plus its dive index, newest first.
type Manifest struct {
	Serial   uint32
	Firmware uint32
	Model    uint32
	Entries  []ManifestEntry
}

func (m Manifest) encode() []byte {
	buf := make([]byte, manifestHeader, manifestHeader+len(m.Entries)*manifestEntry)
	binary.LittleEndian.PutUint32(buf[0:], m.Serial)
	binary.LittleEndian.PutUint32(buf[4:], m.Firmware)
	binary.LittleEndian.PutUint32(buf[8:], m.Model)
	buf[12] = byte(len(m.Entries))
	for _, e := range m.Entries {
		var entry [manifestEntry]byte
		binary.LittleEndian.PutUint16(entry[0:], e.ID)
		binary.LittleEndian.PutUint32(entry[2:], e.Size)
		copy(entry[6:], e.Fingerprint)
		buf = append(buf, entry[:]...)
	}
	return buf
}

func decodeManifest(payload []byte) (Manifest, error) {
	if len(payload) < manifestHeader {
		return Manifest{}, fmt.Errorf("%w: manifest too short", ErrBadFrame)
	}
	m := Manifest{
		Serial:   binary.LittleEndian.Uint32(payload[0:]),
		Firmware: binary.LittleEndian.Uint32(payload[4:]),
		Model:    binary.LittleEndian.Uint32(payload[8:]),
	}
	count := int(payload[12])
	if len(payload) != manifestHeader+count*manifestEntry {
		return Manifest{}, fmt.Errorf("%w: manifest holds %d bytes for %d entries", ErrBadFrame, len(payload), count)
	}
	for i := 0; i < count; i++ {
		e := payload[manifestHeader+i*manifestEntry:]
		m.Entries = append(m.Entries, ManifestEntry{
			ID:          binary.LittleEndian.Uint16(e[0:]),
			Size:        binary.LittleEndian.Uint32(e[2:]),
			Fingerprint: append([]byte(nil), e[6:6+FingerprintSize]...),
		})
	}
	return m, nil
}
