package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/srg/bledive/internal/download"
	"github.com/srg/bledive/internal/engine"
	"github.com/srg/bledive/internal/engine/simproto"
	"github.com/srg/bledive/internal/radio"
	"github.com/srg/bledive/internal/radio/simlink"
	"github.com/srg/bledive/internal/store"
	"github.com/srg/bledive/internal/testutils"
	"github.com/srg/bledive/internal/transport"
)

const (
	testAddress = "C0:FF:EE:00:00:01"
	testVendor  = "Simulated"
	testProduct = "Reef BLE"
)

type SessionTestSuite struct {
	suite.Suite
	helper       *testutils.TestHelper
	model        *simproto.Model
	peripheral   *simlink.Peripheral
	central      *simlink.Central
	engine       *simproto.Engine
	fingerprints *store.BlobStore
	accessCodes  *store.BlobStore
	controller   *Controller
}

func smallDive(at time.Time, depth float64) []byte {
	return simproto.NewDiveEncoder().
		DateTime(at).
		DiveTime(time.Minute).
		MaxDepth(depth).
		Time(0).Depth(0).
		Time(30 * time.Second).Depth(depth).
		Time(60 * time.Second).Depth(0).
		Bytes()
}

func (s *SessionTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())

	s.model = simproto.NewModel(4242, 0x0102, 0x10)
	s.model.AddDive(smallDive(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC), 12))
	s.model.AddDive(smallDive(time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC), 18))

	s.peripheral = &simlink.Peripheral{Address: testAddress, Name: "Reef 4242", MTU: 247, Model: s.model}
	s.central = simlink.NewCentral(s.helper.Logger, s.peripheral)

	s.engine = simproto.NewEngine(s.helper.Logger)
	s.engine.Timeout = 200 * time.Millisecond

	var err error
	s.fingerprints, err = store.Open(s.helper.DataDir(), s.helper.Logger)
	s.Require().NoError(err)
	s.accessCodes, err = store.Open(s.helper.DataDir(), s.helper.Logger)
	s.Require().NoError(err)

	s.controller = NewController(s.central, s.engine, s.fingerprints, s.accessCodes, s.helper.Logger, &Options{
		ConnectTimeout: time.Second,
		CancelGrace:    time.Second,
	})
}

func (s *SessionTestSuite) TearDownTest() {
	s.NoError(s.controller.Close())
}

func (s *SessionTestSuite) connect() {
	s.Require().NoError(s.controller.Connect(context.Background(), testAddress, testVendor, testProduct))
	s.Require().Equal(SessionOpen, s.controller.State())
}

func (s *SessionTestSuite) download(force bool) download.Status {
	s.Require().NoError(s.controller.StartDownload(context.Background(), force))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := s.controller.Wait(ctx)
	s.Require().NoError(err)
	return st
}

func (s *SessionTestSuite) TestDescriptorTable() {
	// GOAL: only BLE-capable descriptors are loaded, in engine order
	//
	// TEST SCENARIO: simproto lists Reef BLE, Trench BLE and Lagoon USB → Lagoon is filtered out
	descs := s.controller.Descriptors()
	s.Require().Len(descs, 2)
	s.Equal("Reef BLE", descs[0].Product)
	s.Equal("Trench BLE", descs[1].Product)

	d, err := s.controller.LocateDescriptor("simulated", "  TRENCH ble ")
	s.Require().NoError(err)
	s.Equal(uint32(0x11), d.Model)

	_, err = s.controller.LocateDescriptor(testVendor, "Lagoon USB")
	s.ErrorIs(err, ErrDescriptorNotFound)

	d, ok := s.controller.MatchDescriptor("Reef 4242")
	s.True(ok)
	s.Equal(testProduct, d.Product)

	_, ok = s.controller.MatchDescriptor("Heart Rate")
	s.False(ok)
}

func (s *SessionTestSuite) TestConnect_Lifecycle() {
	s.Equal(Idle, s.controller.State())
	s.connect()

	d, ok := s.controller.Descriptor()
	s.True(ok)
	s.Equal(testProduct, d.Product)

	err := s.controller.Connect(context.Background(), testAddress, testVendor, testProduct)
	s.ErrorIs(err, ErrBusy)

	s.NoError(s.controller.Disconnect())
	s.Equal(Idle, s.controller.State())
	s.NoError(s.controller.Disconnect())

	_, ok = s.controller.Descriptor()
	s.False(ok)

	// The link was released, so the same peripheral accepts a new connection.
	s.connect()
}

func (s *SessionTestSuite) TestConnect_FailuresReturnToIdle() {
	tests := []struct {
		name    string
		address string
		product string
		check   func(error)
	}{
		{
			name:    "unknown descriptor",
			address: testAddress,
			product: "Lagoon USB",
			check:   func(err error) { s.ErrorIs(err, ErrDescriptorNotFound) },
		},
		{
			name:    "unknown peripheral",
			address: "00:00:00:00:00:00",
			product: testProduct,
			check: func(err error) {
				var nf *radio.NotFoundError
				s.ErrorAs(err, &nf)
			},
		},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			err := s.controller.Connect(context.Background(), tt.address, testVendor, tt.product)
			s.Require().Error(err)
			tt.check(err)
			s.Equal(Idle, s.controller.State())
		})
	}

	s.peripheral.ConnectErr = radio.ErrNotInitialized
	err := s.controller.Connect(context.Background(), testAddress, testVendor, testProduct)
	s.True(radio.IsConnectionState(err, radio.NotInitialized))
	s.Equal(Idle, s.controller.State())

	s.peripheral.ConnectErr = nil
	s.connect()
}

func (s *SessionTestSuite) TestOpen_RequiresReadyStream() {
	// GOAL: a device is only opened on a subscribed stream
	//
	// TEST SCENARIO: nil stream and an unsubscribed stream → ErrStreamNotReady
	desc, err := s.controller.LocateDescriptor(testVendor, testProduct)
	s.Require().NoError(err)

	_, err = s.controller.Open(desc, nil)
	s.ErrorIs(err, ErrStreamNotReady)

	link, err := s.central.Connect(context.Background(), testAddress)
	s.Require().NoError(err)
	defer link.Disconnect()
	ch, err := link.Discover(context.Background())
	s.Require().NoError(err)

	stream := transport.New(link, ch, s.helper.Logger, nil)
	_, err = s.controller.Open(desc, stream)
	s.ErrorIs(err, ErrStreamNotReady)

	ready, err := transport.Open(link, ch, s.helper.Logger, nil)
	s.Require().NoError(err)
	dev, err := s.controller.Open(desc, ready)
	s.Require().NoError(err)
	s.NoError(dev.Close())

	s.Require().NoError(ready.Close())
	_, err = s.controller.Open(desc, ready)
	s.ErrorIs(err, ErrStreamNotReady)
}

func (s *SessionTestSuite) TestHostSurface_NoDevice() {
	s.ErrorIs(s.controller.StartDownload(context.Background(), false), ErrNoDevice)
	s.ErrorIs(s.controller.CancelDownload(), ErrNoDevice)

	_, err := s.controller.Progress()
	s.ErrorIs(err, ErrNoDevice)
	_, err = s.controller.Results()
	s.ErrorIs(err, ErrNoDevice)
	_, err = s.controller.Events()
	s.ErrorIs(err, ErrNoDevice)
	_, err = s.controller.Wait(context.Background())
	s.ErrorIs(err, ErrNoDevice)
}

func (s *SessionTestSuite) TestDownload_EndToEnd() {
	// GOAL: a full session downloads every dive over the simulated link and
	// persists the newest fingerprint
	//
	// TEST SCENARIO: MTU fits each response in one notification, two dives →
	// three notifications, success, stored fingerprint equals the first record's
	s.connect()

	st := s.download(false)
	s.True(st.OK())
	s.Equal(download.OutcomeSuccess, st.Outcome)

	results, err := s.controller.Results()
	s.Require().NoError(err)
	s.Require().Len(results, 2)
	s.Equal(1, results[0].Number)
	s.Equal(18.0, *results[0].MaxDepth)
	s.Equal(12.0, *results[1].MaxDepth)
	s.Len(results[0].Samples, 3)

	stats, ok := s.controller.StreamStats()
	s.Require().True(ok)
	s.Equal(uint64(3), stats.PacketsIn)
	s.Equal(3, s.model.Requests())

	fp, ok, err := s.fingerprints.Load(download.FingerprintKey(4242))
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Equal(results[0].Fingerprint, fp)
	s.Equal(s.model.Dives()[0].Fingerprint, fp)

	snap, err := s.controller.Progress()
	s.Require().NoError(err)
	s.False(snap.Active)
	s.Equal(1.0, snap.Progress)
	s.Equal(2, snap.DivesDownloaded)
	s.Require().NotNil(snap.Serial)
	s.Equal(uint32(4242), *snap.Serial)

	events, err := s.controller.Events()
	s.Require().NoError(err)
	s.Require().NotEmpty(events)
	s.IsType(download.CompleteEvent{}, events[len(events)-1])

	// State outlives the session.
	s.Require().NoError(s.controller.Disconnect())
	results, err = s.controller.Results()
	s.NoError(err)
	s.Len(results, 2)
}

func (s *SessionTestSuite) TestDownload_Incremental() {
	// GOAL: the stored fingerprint limits the next download to new dives
	//
	// TEST SCENARIO: full download, add one dive, download again → 1 dive; force → 3 dives
	s.connect()
	s.Require().True(s.download(false).OK())

	s.model.AddDive(smallDive(time.Date(2024, 5, 3, 9, 0, 0, 0, time.UTC), 21))

	st := s.download(false)
	s.True(st.OK())
	results, _ := s.controller.Results()
	s.Require().Len(results, 1)
	s.Equal(21.0, *results[0].MaxDepth)

	st = s.download(true)
	s.True(st.OK())
	results, _ = s.controller.Results()
	s.Len(results, 3)

	s.peripheral.NotifyDelay = 50 * time.Millisecond
	s.NoError(s.controller.StartDownload(context.Background(), false))
	s.ErrorIs(s.controller.StartDownload(context.Background(), false), download.ErrAlreadyActive)
	_, err := s.controller.Wait(context.Background())
	s.NoError(err)
}

func (s *SessionTestSuite) TestLinkLoss_TearsDown() {
	// GOAL: a radio-initiated disconnect tears the session down
	//
	// TEST SCENARIO: the link drops after the manifest notification → download
	// ends with an error status and the controller returns to Idle
	s.peripheral.DropAfter = 1
	s.connect()

	st := s.download(false)
	s.False(st.OK())

	s.True(s.helper.WaitFor(2*time.Second, func() bool {
		return s.controller.State() == Idle
	}))
	s.ErrorIs(s.controller.StartDownload(context.Background(), false), ErrNoDevice)

	s.peripheral.DropAfter = 0
	s.connect()
}

func (s *SessionTestSuite) TestDisconnect_CancelsDownload() {
	s.peripheral.NotifyDelay = 50 * time.Millisecond
	s.connect()
	s.Require().NoError(s.controller.StartDownload(context.Background(), false))

	s.NoError(s.controller.Disconnect())
	s.Equal(Idle, s.controller.State())

	snap, err := s.controller.Progress()
	s.Require().NoError(err)
	s.False(snap.Active)
	s.Require().NotNil(snap.Status)
	s.False(snap.Status.OK())
	s.Equal(engine.StatusCancelled, snap.Status.Code)
}

func (s *SessionTestSuite) TestAccessCode_LoadedAndPersisted() {
	// GOAL: a stored access code seeds the stream and a changed one is saved on teardown
	//
	// TEST SCENARIO: stored {1,2,3} → stream holds it; set {9,9} → store holds {9,9} after Disconnect
	key := radio.NormalizeAddress(testAddress)
	s.Require().NoError(s.accessCodes.Save(key, []byte{1, 2, 3}))

	s.connect()
	s.controller.mu.Lock()
	stream := s.controller.cur.stream
	s.controller.mu.Unlock()
	s.Equal([]byte{1, 2, 3}, stream.AccessCode())

	stream.SetAccessCode([]byte{9, 9})
	s.Require().NoError(s.controller.Disconnect())

	code, ok, err := s.accessCodes.Load(key)
	s.Require().NoError(err)
	s.True(ok)
	s.Equal([]byte{9, 9}, code)
}

func (s *SessionTestSuite) TestResetFingerprints() {
	s.connect()
	s.Require().True(s.download(false).OK())
	s.Require().NoError(s.controller.Disconnect())

	n, err := s.controller.ResetFingerprints()
	s.Require().NoError(err)
	s.Equal(1, n)

	_, ok, err := s.fingerprints.Load(download.FingerprintKey(4242))
	s.NoError(err)
	s.False(ok)
}

func TestSessionTestSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "session-open", SessionOpen.String())
	assert.Equal(t, "state(42)", State(42).String())
}
