package simproto

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srg/bledive/internal/engine"
	"github.com/srg/bledive/internal/packetq"
	"github.com/srg/bledive/internal/testutils"
	"github.com/srg/bledive/internal/transport"
)

// modelStream feeds requests to a Model and replays its answers as 20-byte
// notifications, the way a default-MTU link would.
type modelStream struct {
	model   *Model
	queue   *packetq.Queue
	timeout time.Duration

	mu     sync.Mutex
	purges int
	writes int
}

func newModelStream(m *Model) *modelStream {
	return &modelStream{model: m, queue: packetq.New(packetq.DefaultCapacity), timeout: 50 * time.Millisecond}
}

func (s *modelStream) Configure(int, int, transport.Parity, transport.StopBits, transport.FlowControl) error {
	return nil
}
func (s *modelStream) SetTimeout(d time.Duration) error { s.timeout = d; return nil }
func (s *modelStream) Poll(time.Duration) error         { return nil }
func (s *modelStream) Available() (int, error)          { return s.queue.Bytes(), nil }
func (s *modelStream) Sleep(time.Duration) error        { return nil }
func (s *modelStream) Close() error                     { s.queue.Close(); return nil }

func (s *modelStream) Ioctl(code transport.IoctlCode, buf []byte) (int, error) {
	if code != transport.IoctlGetName {
		return 0, transport.ErrUnsupported
	}
	return copy(buf, "Reef 0042\x00"), nil
}

func (s *modelStream) Purge(transport.Direction) error {
	s.mu.Lock()
	s.purges++
	s.mu.Unlock()
	s.queue.Clear()
	return nil
}

func (s *modelStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	s.writes++
	s.mu.Unlock()
	resp, ok := s.model.Handle(p)
	if !ok {
		return len(p), nil
	}
	for off := 0; off < len(resp); off += 20 {
		end := off + 20
		if end > len(resp) {
			end = len(resp)
		}
		if err := s.queue.Push(resp[off:end]); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (s *modelStream) Read(p []byte) (int, error) {
	pkt, err := s.queue.Take(s.timeout)
	switch err {
	case nil:
	case packetq.ErrTimeout, packetq.ErrNoData:
		return 0, transport.ErrTimeout
	default:
		return 0, transport.ErrClosed
	}
	return copy(p, pkt), nil
}

func TestRequestFraming(t *testing.T) {
	frame := EncodeRequest(CmdDive, []byte{0x03, 0x00})
	assert.Equal(t, []byte{0xA5, 0x20, 0x02, 0x03, 0x00}, frame[:5])

	cmd, payload, err := DecodeRequest(frame)
	require.NoError(t, err)
	assert.Equal(t, CmdDive, cmd)
	assert.Equal(t, []byte{0x03, 0x00}, payload)

	frame[3] ^= 0x01
	_, _, err = DecodeRequest(frame)
	assert.ErrorIs(t, err, ErrBadChecksum)

	_, _, err = DecodeRequest([]byte{0xA5, 0x10})
	assert.ErrorIs(t, err, ErrBadFrame)
}

func TestResponseFraming(t *testing.T) {
	body := make([]byte, 300)
	for i := range body {
		body[i] = byte(i)
	}
	frame := EncodeResponse(CmdDive, body)

	n, err := responseLen(frame[:4])
	require.NoError(t, err)
	assert.Equal(t, len(frame), n)
	assert.Equal(t, 4+300+1, n)

	cmd, payload, err := DecodeResponse(frame)
	require.NoError(t, err)
	assert.Equal(t, CmdDive, cmd)
	assert.Equal(t, body, payload)

	_, _, err = DecodeResponse(frame[:len(frame)-1])
	assert.ErrorIs(t, err, ErrBadFrame)
}

func TestManifestCodec(t *testing.T) {
	m := Manifest{Serial: 42, Firmware: 7, Model: 0x10, Entries: []ManifestEntry{
		{ID: 2, Size: 100, Fingerprint: []byte{1, 2, 3, 4}},
		{ID: 1, Size: 80, Fingerprint: []byte{5, 6, 7, 8}},
	}}
	got, err := decodeManifest(m.encode())
	require.NoError(t, err)
	assert.Equal(t, m, got)

	_, err = decodeManifest(m.encode()[:20])
	assert.ErrorIs(t, err, ErrBadFrame)
}

func TestParser_FieldsAndSamples(t *testing.T) {
	at := time.Date(2024, 3, 9, 10, 15, 0, 0, time.UTC)
	data := NewDiveEncoder().
		DateTime(at).
		DiveTime(41*time.Minute).
		MaxDepth(23.4).
		TemperatureMin(-1.5).
		GasMix(32, 0).
		GasMix(50, 0).
		Tank(-1, 12, 232, 200, 70).
		Salinity(1000).
		Time(0).Depth(0).
		Time(10*time.Second).Depth(2.5).Temperature(19.3).Pressure(0, 199.5).
		Raw(0x7F, 0x01, 0xAA). // unknown sample tag
		Deco(engine.DecoStop, 3, 2*time.Minute, 6*time.Minute).
		Bytes()

	p, err := NewParser(data)
	require.NoError(t, err)

	dt, err := p.DateTime()
	require.NoError(t, err)
	assert.Equal(t, at, dt)

	v, err := p.Field(engine.FieldDiveTime, 0)
	require.NoError(t, err)
	assert.Equal(t, 41*time.Minute, v)

	v, err = p.Field(engine.FieldMaxDepth, 0)
	require.NoError(t, err)
	assert.InDelta(t, 23.4, v, 0.001)

	v, err = p.Field(engine.FieldTemperatureMinimum, 0)
	require.NoError(t, err)
	assert.InDelta(t, -1.5, v, 0.001)

	v, err = p.Field(engine.FieldGasMixCount, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	v, err = p.Field(engine.FieldGasMix, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, v.(engine.GasMix).Oxygen, 0.001)
	assert.InDelta(t, 0.5, v.(engine.GasMix).Nitrogen, 0.001)

	v, err = p.Field(engine.FieldTank, 0)
	require.NoError(t, err)
	tank := v.(engine.Tank)
	assert.Equal(t, -1, tank.GasMix)
	assert.Equal(t, engine.TankVolumeMetric, tank.Type)
	assert.InDelta(t, 70.0, tank.EndPressure, 0.001)

	v, err = p.Field(engine.FieldSalinity, 0)
	require.NoError(t, err)
	assert.True(t, v.(engine.Salinity).Fresh)

	_, err = p.Field(engine.FieldAvgDepth, 0)
	assert.ErrorIs(t, err, engine.ErrUnsupported)

	var samples []engine.Sample
	require.NoError(t, p.Samples(func(s engine.Sample) { samples = append(samples, s) }))
	require.Len(t, samples, 7)
	assert.Equal(t, engine.TimeSample{Time: 10 * time.Second}, samples[2])
	assert.Equal(t, engine.PressureSample{Tank: 0, Pressure: 199.5}, samples[5])
	assert.Equal(t, engine.DecoSample{Type: engine.DecoStop, Depth: 3, Time: 2 * time.Minute, TTS: 6 * time.Minute}, samples[6])
}

func TestParser_TruncatedBody(t *testing.T) {
	data := NewDiveEncoder().MaxDepth(10).Raw(tagSampleDepth, 4, 0x01).Bytes()
	_, err := NewParser(data)
	assert.ErrorIs(t, err, engine.StatusDataFormat)
}

type DeviceTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	model  *Model
	stream *modelStream
	device engine.Device
	events []engine.Event
}

func (s *DeviceTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.model = NewModel(42, 0x0102, 0x10)
	for i := 0; i < 3; i++ {
		s.model.AddDive(DemoDive(time.Date(2024, 1, 1+i, 9, 0, 0, 0, time.UTC), 12+float64(i), 30))
	}
	s.stream = newModelStream(s.model)
	s.events = nil

	eng := NewEngine(s.helper.Logger)
	eng.Timeout = 30 * time.Millisecond
	desc := eng.Descriptors()[0]

	device, err := eng.Open(desc, s.stream)
	s.Require().NoError(err)
	s.device = device
	s.device.SetEvents(func(ev engine.Event) { s.events = append(s.events, ev) })
}

func (s *DeviceTestSuite) collect() ([][]byte, engine.Status) {
	var dives [][]byte
	st := s.device.Foreach(func(data, fp []byte) bool {
		s.Equal(FingerprintOf(data), fp)
		dives = append(dives, data)
		return true
	})
	return dives, st
}

func (s *DeviceTestSuite) TestForeach_NewestFirst() {
	dives, st := s.collect()
	s.Equal(engine.StatusSuccess, st)
	s.Require().Len(dives, 3)

	stored := s.model.Dives()
	for i := range stored {
		s.Equal(stored[i].Data, dives[i])
	}

	var devinfo *engine.DevInfoEvent
	var last engine.ProgressEvent
	for _, ev := range s.events {
		switch ev := ev.(type) {
		case engine.DevInfoEvent:
			devinfo = &ev
		case engine.ProgressEvent:
			last = ev
		}
	}
	s.Require().NotNil(devinfo)
	s.Equal(uint32(42), devinfo.Serial)
	s.Equal(engine.ProgressEvent{Current: 3 * UnitsPerDive, Maximum: 3 * UnitsPerDive}, last)
}

func (s *DeviceTestSuite) TestForeach_StopsAtFingerprint() {
	// GOAL: only dives newer than the stored fingerprint are downloaded
	//
	// TEST SCENARIO: fingerprint of the second-newest dive → only the newest is delivered
	stored := s.model.Dives()
	s.Require().NoError(s.device.SetFingerprint(stored[1].Fingerprint))

	dives, st := s.collect()
	s.Equal(engine.StatusSuccess, st)
	s.Require().Len(dives, 1)
	s.Equal(stored[0].Data, dives[0])
}

func (s *DeviceTestSuite) TestForeach_FingerprintFromDevInfo() {
	// GOAL: a fingerprint installed while handling DevInfo applies to this download
	//
	// TEST SCENARIO: event handler sets newest fingerprint on DevInfo → nothing pending, success
	newest := s.model.Dives()[0].Fingerprint
	s.device.SetEvents(func(ev engine.Event) {
		if _, ok := ev.(engine.DevInfoEvent); ok {
			s.NoError(s.device.SetFingerprint(newest))
		}
	})

	dives, st := s.collect()
	s.Equal(engine.StatusSuccess, st)
	s.Empty(dives)
}

func (s *DeviceTestSuite) TestForeach_CallbackStops() {
	n := 0
	st := s.device.Foreach(func([]byte, []byte) bool {
		n++
		return false
	})
	s.Equal(engine.StatusSuccess, st)
	s.Equal(1, n)
}

func (s *DeviceTestSuite) TestForeach_Cancel() {
	n := 0
	s.device.SetCancel(func() bool { return n >= 2 })
	st := s.device.Foreach(func([]byte, []byte) bool {
		n++
		return true
	})
	s.Equal(engine.StatusCancelled, st)
	s.Equal(2, n)
}

func (s *DeviceTestSuite) TestForeach_RetriesSilentDevice() {
	s.model.Mute(1)
	s.model.Corrupt(1)

	dives, st := s.collect()
	s.Equal(engine.StatusSuccess, st)
	s.Len(dives, 3)
	// manifest: muted, corrupt, ok; then three dives
	s.Equal(6, s.model.Requests())
	s.GreaterOrEqual(s.stream.purges, 2)
}

func (s *DeviceTestSuite) TestForeach_GivesUpAfterRetries() {
	s.model.Mute(10)
	_, st := s.collect()
	s.Equal(engine.StatusTimeout, st)
	s.Equal(1+DefaultRetries, s.model.Requests())
}

func (s *DeviceTestSuite) TestForeach_DeviceError() {
	stored := s.model.Dives()
	s.model.FailDive(stored[1].ID, engine.StatusNoAccess)

	dives, st := s.collect()
	s.Equal(engine.StatusNoAccess, st)
	s.Len(dives, 1)
}

func (s *DeviceTestSuite) TestSetFingerprint_Size() {
	s.ErrorIs(s.device.SetFingerprint([]byte{1, 2}), engine.StatusInvalidArgs)
	s.NoError(s.device.SetFingerprint(nil))
}

func (s *DeviceTestSuite) TestClosedDevice() {
	s.Require().NoError(s.device.Close())
	s.Equal(engine.StatusIO, s.device.Foreach(func([]byte, []byte) bool { return true }))
}

func TestDeviceTestSuite(t *testing.T) {
	suite.Run(t, new(DeviceTestSuite))
}

func TestEngine_OpenRejectsForeignFamily(t *testing.T) {
	eng := NewEngine(nil)
	_, err := eng.Open(engine.Descriptor{Family: "other"}, newModelStream(NewModel(1, 1, 1)))
	assert.ErrorIs(t, err, engine.StatusUnsupported)
}

func TestDemoDive_Parses(t *testing.T) {
	m := DemoModel(7, 4, time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC))
	require.Len(t, m.Dives(), 4)

	p, err := NewParser(m.Dives()[0].Data)
	require.NoError(t, err)
	mode, err := p.Field(engine.FieldDiveMode, 0)
	require.NoError(t, err)
	assert.Equal(t, engine.DiveModeOpenCircuit, mode)

	times := 0
	require.NoError(t, p.Samples(func(s engine.Sample) {
		if _, ok := s.(engine.TimeSample); ok {
			times++
		}
	}))
	assert.Greater(t, times, 30)
}
