package simproto

import (
	"encoding/binary"
	"hash/crc32"
	"sync"
	"time"

	"github.com/srg/bledive/internal/engine"
)

// StoredDive is one dive held by a Model.
type StoredDive struct {
	ID          uint16
	Fingerprint []byte
	Data        []byte
}

// Model is the device side of the protocol: it answers request frames with
// response frames. Safe for concurrent use.
type Model struct {
	Serial   uint32
	Firmware uint32
	Number   uint32

	mu     sync.Mutex
	dives  []StoredDive // newest first
	nextID uint16

	// Fault injection.
	failDive map[uint16]engine.Status
	mute     int
	corrupt  int
	requests int
}

// NewModel creates an empty device.
func NewModel(serial, firmware, model uint32) *Model {
	return &Model{Serial: serial, Firmware: firmware, Number: model, nextID: 1}
}

// FingerprintOf derives the fingerprint the device reports for a dive body.
func FingerprintOf(data []byte) []byte {
	fp := make([]byte, FingerprintSize)
	binary.BigEndian.PutUint32(fp, crc32.ChecksumIEEE(data))
	return fp
}

// AddDive stores a new dive as the most recent one and returns its id.
func (m *Model) AddDive(data []byte) uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	dive := StoredDive{ID: id, Fingerprint: FingerprintOf(data), Data: append([]byte(nil), data...)}
	m.dives = append([]StoredDive{dive}, m.dives...)
	return id
}

// Dives returns the stored dives, newest first.
func (m *Model) Dives() []StoredDive {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StoredDive(nil), m.dives...)
}

// FailDive makes requests for id answer with an error status.
func (m *Model) FailDive(id uint16, st engine.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDive == nil {
		m.failDive = make(map[uint16]engine.Status)
	}
	m.failDive[id] = st
}

// Mute drops the next n requests without answering.
func (m *Model) Mute(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mute = n
}

// Corrupt flips the checksum of the next n responses.
func (m *Model) Corrupt(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.corrupt = n
}

// Requests returns how many request frames were received.
func (m *Model) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

// Handle answers one request frame. ok is false when the device stays silent.
func (m *Model) Handle(frame []byte) (response []byte, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests++
	if m.mute > 0 {
		m.mute--
		return nil, false
	}

	cmd, payload, err := DecodeRequest(frame)
	if err != nil {
		return nil, false
	}

	switch cmd {
	case CmdManifest:
		manifest := Manifest{Serial: m.Serial, Firmware: m.Firmware, Model: m.Number}
		for _, d := range m.dives {
			manifest.Entries = append(manifest.Entries, ManifestEntry{
				ID:          d.ID,
				Size:        uint32(len(d.Data)),
				Fingerprint: d.Fingerprint,
			})
		}
		response = EncodeResponse(CmdManifest, manifest.encode())

	case CmdDive:
		if len(payload) != 2 {
			response = errorResponse(engine.StatusInvalidArgs)
			break
		}
		id := binary.LittleEndian.Uint16(payload)
		if st, failing := m.failDive[id]; failing {
			response = errorResponse(st)
			break
		}
		response = errorResponse(engine.StatusInvalidArgs)
		for _, d := range m.dives {
			if d.ID == id {
				response = EncodeResponse(CmdDive, d.Data)
				break
			}
		}

	default:
		response = errorResponse(engine.StatusUnsupported)
	}

	if m.corrupt > 0 {
		m.corrupt--
		response[len(response)-1] ^= 0xFF
	}
	return response, true
}

func errorResponse(st engine.Status) []byte {
	return EncodeResponse(CmdError, []byte{byte(int8(st))})
}

// DemoModel returns a device preloaded with a handful of plausible dives,
// oldest added first.
func DemoModel(serial uint32, dives int, start time.Time) *Model {
	m := NewModel(serial, 0x0102, 0x10)
	for i := 0; i < dives; i++ {
		m.AddDive(DemoDive(start.Add(time.Duration(i)*26*time.Hour), 18+float64(i%4)*3.5, 42+i%3*5))
	}
	return m
}

// DemoDive encodes a square-profile recreational dive.
func DemoDive(at time.Time, maxDepth float64, minutes int) []byte {
	duration := time.Duration(minutes) * time.Minute
	enc := NewDiveEncoder().
		DateTime(at).
		DiveTime(duration).
		MaxDepth(maxDepth).
		AvgDepth(maxDepth*0.62).
		TemperatureSurface(24.5).
		TemperatureMin(17.2).
		Mode(engine.DiveModeOpenCircuit).
		Atmospheric(1.013).
		Salinity(1025).
		GasMix(32, 0).
		Tank(0, 11.1, 232, 210, 60)

	const step = time.Minute
	for t := time.Duration(0); t <= duration; t += step {
		depth := maxDepth
		switch {
		case t < 3*step:
			depth = maxDepth * float64(t) / float64(3*step)
		case t > duration-5*step:
			depth = maxDepth * float64(duration-t) / float64(5*step)
		}
		enc.Time(t).Depth(depth).Temperature(17.2 + (maxDepth-depth)*0.2)
		if t%(5*step) == 0 {
			enc.Pressure(0, 210-150*float64(t)/float64(duration))
		}
		if t == 0 {
			enc.SwitchGas(0)
		}
		ndl := 99*time.Minute - t
		if ndl < 0 {
			ndl = 0
		}
		enc.Deco(engine.DecoNDL, 0, ndl, 0)
	}
	return enc.Bytes()
}
