package scanner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/bledive/internal/engine"
	"github.com/srg/bledive/internal/engine/simproto"
	"github.com/srg/bledive/internal/radio/simlink"
	"github.com/srg/bledive/internal/testutils"
)

type descriptorMatcher []engine.Descriptor

func (m descriptorMatcher) MatchDescriptor(name string) (engine.Descriptor, bool) {
	for _, d := range m {
		if d.MatchesName(name) {
			return d, true
		}
	}
	return engine.Descriptor{}, false
}

func newCentral(t *testing.T) *simlink.Central {
	h := testutils.NewTestHelper(t)
	c := simlink.NewCentral(h.Logger,
		&simlink.Peripheral{Address: "C0:FF:EE:00:00:01", Name: "Reef 4242", RSSI: -55, Model: simproto.NewModel(4242, 1, 0x10)},
		&simlink.Peripheral{Address: "C0:FF:EE:00:00:02", Name: "Band 7", RSSI: -80, Model: simproto.NewModel(7, 1, 0)},
	)
	c.SetAdvertiseInterval(5 * time.Millisecond)
	return c
}

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestScan_IdentifiesSupportedDevices(t *testing.T) {
	// GOAL: discovered devices come back in discovery order with the matching descriptor attached
	//
	// TEST SCENARIO: Reef 4242 and Band 7 advertise → Reef matches the simproto descriptor, Band does not
	h := testutils.NewTestHelper(t)
	matcher := descriptorMatcher(simproto.NewEngine(nil).Descriptors())
	s := New(newCentral(t), matcher, h.Logger, &Options{Duration: 40 * time.Millisecond})

	var phases []string
	devs, err := s.Scan(context.Background(), func(p string) { phases = append(phases, p) })
	require.NoError(t, err)
	assert.Equal(t, []string{"Scanning", "Processing results"}, phases)

	require.Len(t, devs, 2)
	assert.Equal(t, "Reef 4242", devs[0].Name)
	assert.True(t, devs[0].Supported())
	assert.Equal(t, "Reef BLE", devs[0].Descriptor.Product)
	assert.Equal(t, "Nordic UART", devs[0].SerialService)
	assert.Equal(t, -55, devs[0].RSSI)
	assert.False(t, devs[1].Supported())

	events := drain(s.Events())
	require.Len(t, events, 2)
	assert.Equal(t, EventNew, events[0].Type)
	assert.Equal(t, "Reef 4242", events[0].Device.Name)
}

func TestScan_DuplicatesUpdate(t *testing.T) {
	s := New(newCentral(t), nil, nil, &Options{Duration: 40 * time.Millisecond, AllowDuplicates: true})

	devs, err := s.Scan(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, devs, 2)
	assert.Greater(t, devs[0].Seen, 1)
	assert.True(t, devs[0].LastSeen.After(devs[0].FirstSeen))

	var updated int
	for _, ev := range drain(s.Events()) {
		if ev.Type == EventUpdated {
			updated++
		}
	}
	assert.Positive(t, updated)
}

func TestScan_Filters(t *testing.T) {
	matcher := descriptorMatcher(simproto.NewEngine(nil).Descriptors())
	tests := []struct {
		name string
		opts Options
		want []string
	}{
		{
			name: "supported only",
			opts: Options{SupportedOnly: true},
			want: []string{"Reef 4242"},
		},
		{
			name: "block list",
			opts: Options{BlockList: []string{"c0ffee000001"}},
			want: []string{"Band 7"},
		},
		{
			name: "allow list",
			opts: Options{AllowList: []string{"C0-FF-EE-00-00-02"}},
			want: []string{"Band 7"},
		},
		{
			name: "service filter",
			opts: Options{ServiceUUIDs: []string{"6E400001-B5A3-F393-E0A9-E50E24DCCA9E"}},
			want: []string{"Reef 4242", "Band 7"},
		},
		{
			name: "service filter without match",
			opts: Options{ServiceUUIDs: []string{"180d"}},
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := tt.opts
			opts.Duration = 30 * time.Millisecond
			s := New(newCentral(t), matcher, nil, &opts)

			devs, err := s.Scan(context.Background(), nil)
			require.NoError(t, err)

			var names []string
			for _, d := range devs {
				names = append(names, d.Name)
			}
			assert.Equal(t, tt.want, names)
		})
	}
}

func TestScan_SlowConsumerDropsOldest(t *testing.T) {
	s := New(newCentral(t), nil, nil, &Options{Duration: 40 * time.Millisecond, AllowDuplicates: true, EventBuffer: 1})

	_, err := s.Scan(context.Background(), nil)
	require.NoError(t, err)
	assert.Positive(t, s.Dropped())

	s.Close()
	events := drain(s.Events())
	assert.Len(t, events, 1)
}

func TestScan_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(newCentral(t), nil, nil, &Options{Duration: time.Second})
	start := time.Now()
	_, err := s.Scan(ctx, nil)
	assert.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
