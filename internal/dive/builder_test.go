package dive

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/bledive/internal/engine"
	"github.com/srg/bledive/internal/engine/simproto"
	"github.com/srg/bledive/internal/testutils"
)

// scriptedParser answers field queries from a map and replays a fixed sample list.
type scriptedParser struct {
	when    *time.Time
	fields  map[engine.FieldType][]any
	fail    map[engine.FieldType]error
	samples []engine.Sample
	err     error
}

func (p *scriptedParser) DateTime() (time.Time, error) {
	if p.when == nil {
		return time.Time{}, engine.ErrUnsupported
	}
	return *p.when, nil
}

func (p *scriptedParser) Field(kind engine.FieldType, index int) (any, error) {
	if err, ok := p.fail[kind]; ok {
		return nil, err
	}
	values, ok := p.fields[kind]
	if !ok || index >= len(values) {
		return nil, engine.ErrUnsupported
	}
	return values[index], nil
}

func (p *scriptedParser) Samples(fn func(engine.Sample)) error {
	for _, s := range p.samples {
		fn(s)
	}
	return p.err
}

// failingClockParser reports a decode error for the dive date.
type failingClockParser struct {
	scriptedParser
}

func (p *failingClockParser) DateTime() (time.Time, error) {
	return time.Time{}, engine.StatusDataFormat
}

type parserFactory struct {
	parser engine.Parser
	err    error
}

func (f parserFactory) NewParser([]byte) (engine.Parser, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.parser, nil
}

func TestBuild_SampleFlushOnTimeMarker(t *testing.T) {
	// GOAL: every time marker flushes the sample in progress and the last one is flushed at the end
	//
	// TEST SCENARIO: [time=0, depth=10, time=30, depth=12, temp=20] → {0,10} and {30,12,20}
	p := &scriptedParser{samples: []engine.Sample{
		engine.TimeSample{Time: 0},
		engine.DepthSample{Depth: 10},
		engine.TimeSample{Time: 30 * time.Second},
		engine.DepthSample{Depth: 12},
		engine.TemperatureSample{Temperature: 20},
	}}

	r, err := Build(parserFactory{parser: p}, 1, []byte{0x01}, nil, nil)
	require.NoError(t, err)
	require.Len(t, r.Samples, 2)

	assert.Equal(t, Sample{Time: 0, Depth: ptr(10.0)}, r.Samples[0])
	assert.Equal(t, Sample{Time: 30 * time.Second, Depth: ptr(12.0), Temperature: ptr(20.0)}, r.Samples[1])
}

func TestBuild_ImplicitFirstSample(t *testing.T) {
	p := &scriptedParser{samples: []engine.Sample{
		engine.DepthSample{Depth: 1.5},
		engine.GasMixSample{Index: 0},
		engine.TimeSample{Time: 10*time.Second + 400*time.Microsecond},
		engine.PressureSample{Tank: 0, Pressure: 200},
		engine.PressureSample{Tank: 1, Pressure: 180},
	}}

	r, err := Build(parserFactory{parser: p}, 1, nil, nil, nil)
	require.NoError(t, err)
	require.Len(t, r.Samples, 2)
	assert.Equal(t, time.Duration(0), r.Samples[0].Time)
	assert.Equal(t, 0, *r.Samples[0].GasMix)
	assert.Equal(t, 10*time.Second, r.Samples[1].Time)
	assert.Equal(t, []TankPressure{{0, 200}, {1, 180}}, r.Samples[1].Pressures)
}

func TestBuild_AbsentFieldsStayNil(t *testing.T) {
	// GOAL: unsupported fields are absent, while zero readings are kept
	//
	// TEST SCENARIO: only maxdepth=0 and temperature_minimum reported → others nil
	p := &scriptedParser{fields: map[engine.FieldType][]any{
		engine.FieldMaxDepth:           {0.0},
		engine.FieldTemperatureMinimum: {4.0},
	}}

	r, err := Build(parserFactory{parser: p}, 3, nil, []byte{9, 9, 9, 9}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, r.Number)
	require.NotNil(t, r.MaxDepth)
	assert.Equal(t, 0.0, *r.MaxDepth)
	assert.Nil(t, r.AvgDepth)
	assert.Nil(t, r.DateTime)
	assert.Nil(t, r.Duration)
	assert.Nil(t, r.Mode)
	assert.Empty(t, r.GasMixes)
	assert.Equal(t, []byte{9, 9, 9, 9}, r.Fingerprint)
	assert.True(t, r.OK())
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name    string
		factory parserFactory
		wantErr error
	}{
		{
			name:    "parser creation",
			factory: parserFactory{err: engine.StatusDataFormat},
			wantErr: engine.StatusDataFormat,
		},
		{
			name:    "sample failure",
			factory: parserFactory{parser: &scriptedParser{err: engine.StatusProtocol}},
			wantErr: engine.StatusProtocol,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Build(tt.factory, 1, nil, nil, nil)
			assert.Nil(t, r)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestBuild_FieldErrorsLeaveFieldAbsent(t *testing.T) {
	// GOAL: a failing or mistyped field accessor drops only that field, never the dive
	//
	// TEST SCENARIO: atmospheric → data format error, maxdepth → wrong type, second of
	// two gas mixes unsupported; datetime, avgdepth, first gas mix and samples survive
	at := time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)
	p := &scriptedParser{
		when: &at,
		fields: map[engine.FieldType][]any{
			engine.FieldMaxDepth:    {"deep"},
			engine.FieldAvgDepth:    {14.2},
			engine.FieldGasMixCount: {2},
			engine.FieldGasMix:      {engine.GasMix{Oxygen: 0.32, Nitrogen: 0.68}},
		},
		fail: map[engine.FieldType]error{engine.FieldAtmospheric: engine.StatusDataFormat},
		samples: []engine.Sample{
			engine.TimeSample{Time: 0},
			engine.DepthSample{Depth: 10},
		},
	}

	r, err := Build(parserFactory{parser: p}, 2, nil, nil, testutils.NewTestHelper(t).Logger)
	require.NoError(t, err)
	assert.True(t, r.OK())
	assert.Nil(t, r.Atmospheric)
	assert.Nil(t, r.MaxDepth)
	require.NotNil(t, r.DateTime)
	assert.Equal(t, at, *r.DateTime)
	require.NotNil(t, r.AvgDepth)
	assert.Equal(t, 14.2, *r.AvgDepth)
	assert.Equal(t, []engine.GasMix{{Oxygen: 0.32, Nitrogen: 0.68}}, r.GasMixes)
	assert.Equal(t, []Sample{{Time: 0, Depth: ptr(10.0)}}, r.Samples)
}

func TestBuild_DateTimeErrorLeavesDateAbsent(t *testing.T) {
	p := &failingClockParser{scriptedParser: scriptedParser{
		fields: map[engine.FieldType][]any{engine.FieldMaxDepth: {21.0}},
	}}

	r, err := Build(parserFactory{parser: p}, 1, nil, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, r.DateTime)
	require.NotNil(t, r.MaxDepth)
	assert.Equal(t, 21.0, *r.MaxDepth)
}

func TestBuild_TimeOnlySamplesSkipped(t *testing.T) {
	// GOAL: a time marker with no fields after it does not produce a sample
	//
	// TEST SCENARIO: [time=0, time=10, depth=3, time=20, time=30, temp=18, time=40] → {10,3} and {30,18}
	p := &scriptedParser{samples: []engine.Sample{
		engine.TimeSample{Time: 0},
		engine.TimeSample{Time: 10 * time.Second},
		engine.DepthSample{Depth: 3},
		engine.TimeSample{Time: 20 * time.Second},
		engine.TimeSample{Time: 30 * time.Second},
		engine.TemperatureSample{Temperature: 18},
		engine.TimeSample{Time: 40 * time.Second},
	}}

	r, err := Build(parserFactory{parser: p}, 1, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []Sample{
		{Time: 10 * time.Second, Depth: ptr(3.0)},
		{Time: 30 * time.Second, Temperature: ptr(18.0)},
	}, r.Samples)
}

func TestFailed(t *testing.T) {
	r := Failed(4, errors.New("parser: bad header"))
	assert.Equal(t, 4, r.Number)
	assert.False(t, r.OK())
	assert.Nil(t, r.MaxDepth)
	assert.Empty(t, r.Samples)
}

func TestBuild_SimprotoDive(t *testing.T) {
	at := time.Date(2024, 2, 3, 11, 0, 0, 0, time.UTC)
	data := simproto.NewDiveEncoder().
		DateTime(at).
		DiveTime(2*time.Minute).
		MaxDepth(6).
		GasMix(21, 0).
		Tank(0, 12, 200, 200, 150).
		Time(0).Depth(0).
		Time(60*time.Second).Depth(6).Deco(engine.DecoNDL, 0, 90*time.Minute, 0).
		Time(120 * time.Second).Depth(0).
		Bytes()

	r, err := Build(simproto.Parsers{}, 1, data, []byte{1, 2, 3, 4}, nil)
	require.NoError(t, err)

	out, err := json.Marshal(r)
	require.NoError(t, err)

	testutils.NewJSONAsserter(t).Assert(string(out), `{
		"number": 1,
		"datetime": "2024-02-03T11:00:00Z",
		"duration": 120,
		"maxdepth": 6,
		"gasmixes": [{"oxygen": 0.21, "helium": 0, "nitrogen": 0.79}],
		"tanks": [{"gasmix": 0, "type": 1, "volume": 12, "workpressure": 200, "beginpressure": 200, "endpressure": 150}],
		"samples": [
			{"time": 0, "depth": 0},
			{"time": 60, "depth": 6, "deco": {"type": "ndl", "depth": 0, "time": 5400}},
			{"time": 120, "depth": 0}
		],
		"fingerprint": "AQIDBA=="
	}`)
}
