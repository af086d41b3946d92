package simproto

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/srg/bledive/internal/engine"
)

type record struct {
	tag   byte
	value []byte
}

// Parser decodes one dive body.
type Parser struct {
	records []record
}

// NewParser splits data into records. A truncated record is a data format error.
func NewParser(data []byte) (*Parser, error) {
	p := &Parser{}
	for off := 0; off < len(data); {
		if off+2 > len(data) {
			return nil, fmt.Errorf("%w: truncated record header at %d", engine.StatusDataFormat, off)
		}
		tag, n := data[off], int(data[off+1])
		if off+2+n > len(data) {
			return nil, fmt.Errorf("%w: record 0x%02x at %d overruns body", engine.StatusDataFormat, tag, off)
		}
		p.records = append(p.records, record{tag: tag, value: data[off+2 : off+2+n]})
		off += 2 + n
	}
	return p, nil
}

// Parsers creates simproto parsers without an open device.
type Parsers struct{}

func (Parsers) NewParser(data []byte) (engine.Parser, error) {
	p, err := NewParser(data)
	if err != nil {
		return nil, err
	}
	return p, nil
}

var _ engine.ParserFactory = Parsers{}

func (p *Parser) find(tag byte, index int) ([]byte, bool) {
	seen := 0
	for _, r := range p.records {
		if r.tag != tag {
			continue
		}
		if seen == index {
			return r.value, true
		}
		seen++
	}
	return nil, false
}

func (p *Parser) count(tag byte) int {
	n := 0
	for _, r := range p.records {
		if r.tag == tag {
			n++
		}
	}
	return n
}

func le16(b []byte) int    { return int(binary.LittleEndian.Uint16(b)) }
func le16s(b []byte) int   { return int(int16(binary.LittleEndian.Uint16(b))) }
func le32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

func need(b []byte, n int) error {
	if len(b) < n {
		return fmt.Errorf("%w: record holds %d bytes, need %d", engine.StatusDataFormat, len(b), n)
	}
	return nil
}

func (p *Parser) DateTime() (time.Time, error) {
	v, ok := p.find(tagDateTime, 0)
	if !ok {
		return time.Time{}, engine.ErrUnsupported
	}
	if err := need(v, 4); err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(le32(v)), 0).UTC(), nil
}

func (p *Parser) Field(kind engine.FieldType, index int) (any, error) {
	switch kind {
	case engine.FieldGasMixCount:
		return p.count(tagGasMix), nil
	case engine.FieldTankCount:
		return p.count(tagTank), nil
	}

	tag, ok := fieldTags[kind]
	if !ok {
		return nil, engine.ErrUnsupported
	}
	if kind != engine.FieldGasMix && kind != engine.FieldTank {
		index = 0
	}
	v, ok := p.find(tag, index)
	if !ok {
		return nil, engine.ErrUnsupported
	}

	switch kind {
	case engine.FieldDiveTime:
		if err := need(v, 4); err != nil {
			return nil, err
		}
		return time.Duration(le32(v)) * time.Second, nil
	case engine.FieldMaxDepth, engine.FieldAvgDepth:
		if err := need(v, 2); err != nil {
			return nil, err
		}
		return float64(le16(v)) / 100, nil
	case engine.FieldTemperatureSurface, engine.FieldTemperatureMinimum, engine.FieldTemperatureMaximum:
		if err := need(v, 2); err != nil {
			return nil, err
		}
		return float64(le16s(v)) / 10, nil
	case engine.FieldDiveMode:
		if err := need(v, 1); err != nil {
			return nil, err
		}
		return engine.DiveMode(v[0]), nil
	case engine.FieldAtmospheric:
		if err := need(v, 2); err != nil {
			return nil, err
		}
		return float64(le16(v)) / 1000, nil
	case engine.FieldSalinity:
		if err := need(v, 2); err != nil {
			return nil, err
		}
		density := float64(le16(v))
		return engine.Salinity{Fresh: density < 1010, Density: density}, nil
	case engine.FieldGasMix:
		if err := need(v, 2); err != nil {
			return nil, err
		}
		o2, he := float64(v[0])/100, float64(v[1])/100
		return engine.GasMix{Oxygen: o2, Helium: he, Nitrogen: 1 - o2 - he}, nil
	case engine.FieldTank:
		if err := need(v, 9); err != nil {
			return nil, err
		}
		mix := int(v[0])
		if v[0] == noGasMix {
			mix = -1
		}
		tank := engine.Tank{
			GasMix:        mix,
			Volume:        float64(le16(v[1:])) / 10,
			WorkPressure:  float64(le16(v[3:])) / 10,
			BeginPressure: float64(le16(v[5:])) / 10,
			EndPressure:   float64(le16(v[7:])) / 10,
		}
		if tank.Volume > 0 {
			tank.Type = engine.TankVolumeMetric
		}
		return tank, nil
	}
	return nil, engine.ErrUnsupported
}

var fieldTags = map[engine.FieldType]byte{
	engine.FieldDiveTime:           tagDiveTime,
	engine.FieldMaxDepth:           tagMaxDepth,
	engine.FieldAvgDepth:           tagAvgDepth,
	engine.FieldGasMix:             tagGasMix,
	engine.FieldSalinity:           tagSalinity,
	engine.FieldAtmospheric:        tagAtmospheric,
	engine.FieldTemperatureSurface: tagTempSurface,
	engine.FieldTemperatureMinimum: tagTempMin,
	engine.FieldTemperatureMaximum: tagTempMax,
	engine.FieldTank:               tagTank,
	engine.FieldDiveMode:           tagDiveMode,
}

// Samples replays profile records in body order.
func (p *Parser) Samples(fn func(engine.Sample)) error {
	for _, r := range p.records {
		if r.tag < tagSampleTime {
			continue
		}
		s, err := decodeSample(r)
		if err != nil {
			return err
		}
		if s != nil {
			fn(s)
		}
	}
	return nil
}

func decodeSample(r record) (engine.Sample, error) {
	v := r.value
	switch r.tag {
	case tagSampleTime:
		if err := need(v, 4); err != nil {
			return nil, err
		}
		return engine.TimeSample{Time: time.Duration(le32(v)) * time.Millisecond}, nil
	case tagSampleDepth:
		if err := need(v, 2); err != nil {
			return nil, err
		}
		return engine.DepthSample{Depth: float64(le16(v)) / 100}, nil
	case tagSampleTemp:
		if err := need(v, 2); err != nil {
			return nil, err
		}
		return engine.TemperatureSample{Temperature: float64(le16s(v)) / 10}, nil
	case tagSamplePressure:
		if err := need(v, 3); err != nil {
			return nil, err
		}
		return engine.PressureSample{Tank: int(v[0]), Pressure: float64(le16(v[1:])) / 10}, nil
	case tagSampleSetpoint:
		if err := need(v, 1); err != nil {
			return nil, err
		}
		return engine.SetpointSample{Setpoint: float64(v[0]) / 100}, nil
	case tagSamplePPO2:
		if err := need(v, 1); err != nil {
			return nil, err
		}
		return engine.PPO2Sample{Sensor: -1, PPO2: float64(v[0]) / 100}, nil
	case tagSampleCNS:
		if err := need(v, 1); err != nil {
			return nil, err
		}
		return engine.CNSSample{CNS: float64(v[0]) / 100}, nil
	case tagSampleDeco:
		if err := need(v, 7); err != nil {
			return nil, err
		}
		return engine.DecoSample{
			Type:  engine.DecoType(v[0]),
			Depth: float64(le16(v[1:])) / 100,
			Time:  time.Duration(le16(v[3:])) * time.Second,
			TTS:   time.Duration(le16(v[5:])) * time.Second,
		}, nil
	case tagSampleHeartbeat:
		if err := need(v, 1); err != nil {
			return nil, err
		}
		return engine.HeartbeatSample{BPM: int(v[0])}, nil
	case tagSampleGasMix:
		if err := need(v, 1); err != nil {
			return nil, err
		}
		return engine.GasMixSample{Index: int(v[0])}, nil
	default:
		// Unknown sample tags are skipped.
		return nil, nil
	}
}
