package simlink

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srg/bledive/internal/engine"
	"github.com/srg/bledive/internal/engine/simproto"
	"github.com/srg/bledive/internal/radio"
	"github.com/srg/bledive/internal/testutils"
	"github.com/srg/bledive/internal/transport"
)

type SimlinkTestSuite struct {
	suite.Suite
	helper     *testutils.TestHelper
	model      *simproto.Model
	peripheral *Peripheral
	central    *Central
}

func (s *SimlinkTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.model = simproto.DemoModel(4242, 3, time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	s.peripheral = &Peripheral{Address: "C0:FF:EE:00:00:01", Name: "Reef 4242", RSSI: -60, Model: s.model}
	s.central = NewCentral(s.helper.Logger, s.peripheral)
	s.central.SetAdvertiseInterval(5 * time.Millisecond)
}

func (s *SimlinkTestSuite) connect() (radio.Link, radio.Channel) {
	link, err := s.central.Connect(context.Background(), "c0:ff:ee:00:00:01")
	s.Require().NoError(err)
	ch, err := link.Discover(context.Background())
	s.Require().NoError(err)
	return link, ch
}

func (s *SimlinkTestSuite) TestScan_Deduplicates() {
	s.central.Add(&Peripheral{Address: "C0:FF:EE:00:00:02", Name: "Trench 7", Model: simproto.NewModel(7, 1, 0x11)})

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	var ads []radio.Advertisement
	err := s.central.Scan(ctx, false, func(a radio.Advertisement) { ads = append(ads, a) })
	s.ErrorIs(err, context.DeadlineExceeded)
	s.Require().Len(ads, 2)
	s.Equal("Reef 4242", ads[0].Name)
	s.Equal(-60, ads[0].RSSI)
	s.Equal([]string{"6e400001b5a3f393e0a9e50e24dcca9e"}, ads[0].Services)
}

func (s *SimlinkTestSuite) TestScan_AllowDuplicates() {
	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	n := 0
	_ = s.central.Scan(ctx, true, func(radio.Advertisement) { n++ })
	s.Greater(n, 1)
}

func (s *SimlinkTestSuite) TestConnect_Errors() {
	_, err := s.central.Connect(context.Background(), "00:00:00:00:00:00")
	var nf *radio.NotFoundError
	s.ErrorAs(err, &nf)

	link, _ := s.connect()
	_, err = s.central.Connect(context.Background(), s.peripheral.Address)
	s.ErrorIs(err, radio.ErrAlreadyConnected)

	s.Require().NoError(link.Disconnect())
	link, err = s.central.Connect(context.Background(), s.peripheral.Address)
	s.Require().NoError(err)
	s.NoError(link.Disconnect())
}

func (s *SimlinkTestSuite) TestDiscover_WriteModes() {
	link, ch := s.connect()
	defer link.Disconnect()
	s.Equal(radio.WriteAcknowledged, ch.Mode)
	s.Equal("6e400003b5a3f393e0a9e50e24dcca9e", ch.Notify)

	s.peripheral.WriteNoResponse = true
	ch, err := link.Discover(context.Background())
	s.Require().NoError(err)
	s.Equal(radio.WriteUnacknowledged, ch.Mode)
}

func (s *SimlinkTestSuite) TestRequestSpanningChunks() {
	// GOAL: a request split over several writes is reassembled before the device answers
	//
	// TEST SCENARIO: manifest request written byte by byte → one manifest response arrives
	link, ch := s.connect()
	defer link.Disconnect()

	var mu sync.Mutex
	var got []byte
	s.Require().NoError(link.Subscribe(ch, func(b []byte) {
		mu.Lock()
		got = append(got, b...)
		mu.Unlock()
	}))

	req := simproto.EncodeRequest(simproto.CmdManifest, nil)
	for _, b := range req {
		s.Require().NoError(link.Write(ch, []byte{b}, radio.WriteUnacknowledged, func(error) {}))
	}

	s.True(s.helper.WaitFor(time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		cmd, _, err := simproto.DecodeResponse(got)
		return err == nil && cmd == simproto.CmdManifest
	}))
	s.Equal(1, s.model.Requests())
}

func (s *SimlinkTestSuite) TestNotificationsSizedToMTU() {
	s.peripheral.MTU = 63
	link, ch := s.connect()
	defer link.Disconnect()

	var mu sync.Mutex
	var sizes []int
	s.Require().NoError(link.Subscribe(ch, func(b []byte) {
		mu.Lock()
		sizes = append(sizes, len(b))
		mu.Unlock()
	}))
	req := simproto.EncodeRequest(simproto.CmdDive, []byte{1, 0})
	s.Require().NoError(link.Write(ch, req, radio.WriteAcknowledged, func(error) {}))

	want := len(s.model.Dives()[2].Data) + 5
	s.True(s.helper.WaitFor(time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		total := 0
		for _, n := range sizes {
			total += n
		}
		return total == want
	}))
	mu.Lock()
	defer mu.Unlock()
	for _, n := range sizes {
		s.LessOrEqual(n, 60)
	}
}

func (s *SimlinkTestSuite) TestDropAfter() {
	s.peripheral.DropAfter = 2
	link, ch := s.connect()
	s.Require().NoError(link.Subscribe(ch, func([]byte) {}))
	s.Require().NoError(link.Write(ch, simproto.EncodeRequest(simproto.CmdDive, []byte{1, 0}), radio.WriteUnacknowledged, func(error) {}))

	select {
	case <-link.Disconnected():
	case <-time.After(time.Second):
		s.Fail("link did not drop")
	}
	err := link.Write(ch, []byte{0xA5}, radio.WriteUnacknowledged, func(error) {})
	s.ErrorIs(err, radio.ErrNotConnected)
	s.NoError(link.Disconnect())
}

func (s *SimlinkTestSuite) TestEngineOverTransport() {
	// GOAL: the simproto engine downloads every dive through a real transport stream
	//
	// TEST SCENARIO: link → transport.Open → engine.Open → Foreach returns 3 dives newest first
	s.peripheral.MTU = 185
	link, ch := s.connect()
	defer link.Disconnect()

	stream, err := transport.Open(link, ch, s.helper.Logger, nil)
	s.Require().NoError(err)
	defer stream.Close()

	eng := simproto.NewEngine(s.helper.Logger)
	dev, err := eng.Open(eng.Descriptors()[0], stream)
	s.Require().NoError(err)
	defer dev.Close()

	var dives [][]byte
	st := dev.Foreach(func(data, fp []byte) bool {
		dives = append(dives, data)
		return true
	})
	s.Equal(engine.StatusSuccess, st)
	s.Require().Len(dives, 3)
	s.Equal(s.model.Dives()[0].Data, dives[0])
	s.Greater(stream.Stats().PacketsIn, uint64(3))
}

func TestSimlinkTestSuite(t *testing.T) {
	suite.Run(t, new(SimlinkTestSuite))
}

func TestConnect_InjectedError(t *testing.T) {
	c := NewCentral(nil, &Peripheral{Address: "01:02:03:04:05:06", ConnectErr: radio.ErrNotInitialized})
	_, err := c.Connect(context.Background(), "01:02:03:04:05:06")
	require.Error(t, err)
	assert.True(t, radio.IsConnectionState(err, radio.NotInitialized))
}
