package dive

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/bledive/internal/engine"
)

// Build decodes one raw dive. A field the parser cannot report, for any
// reason, stays nil; only a parser that cannot be created or a profile that
// cannot be iterated fails the whole dive.
func Build(factory engine.ParserFactory, number int, data, fingerprint []byte, logger *logrus.Logger) (*Record, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}

	parser, err := factory.NewParser(data)
	if err != nil {
		return nil, fmt.Errorf("failed to create parser: %w", err)
	}

	r := &Record{Number: number}
	if len(fingerprint) > 0 {
		r.Fingerprint = append([]byte(nil), fingerprint...)
	}

	q := fieldQuery{parser: parser, logger: logger.WithField("dive", number)}
	dt, err := parser.DateTime()
	if q.present("datetime", err) {
		r.DateTime = &dt
	}
	r.queryFields(q)

	var b sampleBuilder
	if err := parser.Samples(b.handle); err != nil {
		return nil, fmt.Errorf("samples: %w", err)
	}
	r.Samples = b.finish()

	return r, nil
}

type fieldQuery struct {
	parser engine.Parser
	logger *logrus.Entry
}

// present reports whether an accessor succeeded. ErrUnsupported is silent;
// other errors are logged and the value is dropped.
func (q fieldQuery) present(name string, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, engine.ErrUnsupported):
		return false
	default:
		q.logger.WithFields(logrus.Fields{"field": name, "error": err}).Warn("Dive field unavailable")
		return false
	}
}

func field[T any](q fieldQuery, kind engine.FieldType, index int) *T {
	v, err := q.parser.Field(kind, index)
	if !q.present(kind.String(), err) {
		return nil
	}
	t, ok := v.(T)
	if !ok {
		q.logger.WithFields(logrus.Fields{"field": kind.String(), "type": fmt.Sprintf("%T", v)}).Warn("Unexpected dive field type")
		return nil
	}
	return &t
}

func (r *Record) queryFields(q fieldQuery) {
	r.Duration = field[time.Duration](q, engine.FieldDiveTime, 0)
	r.MaxDepth = field[float64](q, engine.FieldMaxDepth, 0)
	r.AvgDepth = field[float64](q, engine.FieldAvgDepth, 0)
	r.TempSurface = field[float64](q, engine.FieldTemperatureSurface, 0)
	r.TempMin = field[float64](q, engine.FieldTemperatureMinimum, 0)
	r.TempMax = field[float64](q, engine.FieldTemperatureMaximum, 0)
	r.Mode = field[engine.DiveMode](q, engine.FieldDiveMode, 0)
	r.Atmospheric = field[float64](q, engine.FieldAtmospheric, 0)
	r.Salinity = field[engine.Salinity](q, engine.FieldSalinity, 0)

	if mixes := field[int](q, engine.FieldGasMixCount, 0); mixes != nil {
		for i := 0; i < *mixes; i++ {
			if mix := field[engine.GasMix](q, engine.FieldGasMix, i); mix != nil {
				r.GasMixes = append(r.GasMixes, *mix)
			}
		}
	}

	if tanks := field[int](q, engine.FieldTankCount, 0); tanks != nil {
		for i := 0; i < *tanks; i++ {
			if tank := field[engine.Tank](q, engine.FieldTank, i); tank != nil {
				r.Tanks = append(r.Tanks, *tank)
			}
		}
	}
}

// sampleBuilder accumulates profile events. A time marker starts a new
// sample; the one in progress is flushed first.
type sampleBuilder struct {
	cur     *Sample
	samples []Sample
}

// flush emits the sample in progress if any field besides its time was set.
func (b *sampleBuilder) flush() {
	if b.cur != nil && !b.cur.timeOnly() {
		b.samples = append(b.samples, *b.cur)
	}
	b.cur = nil
}

// current returns the sample in progress, starting one at t=0 for events
// that precede the first time marker.
func (b *sampleBuilder) current() *Sample {
	if b.cur == nil {
		b.cur = &Sample{}
	}
	return b.cur
}

func (b *sampleBuilder) handle(s engine.Sample) {
	switch s := s.(type) {
	case engine.TimeSample:
		b.flush()
		b.cur = &Sample{Time: s.Time.Truncate(time.Millisecond)}
	case engine.DepthSample:
		b.current().Depth = ptr(s.Depth)
	case engine.TemperatureSample:
		b.current().Temperature = ptr(s.Temperature)
	case engine.PressureSample:
		cur := b.current()
		cur.Pressures = append(cur.Pressures, TankPressure{Tank: s.Tank, Pressure: s.Pressure})
	case engine.SetpointSample:
		b.current().Setpoint = ptr(s.Setpoint)
	case engine.PPO2Sample:
		b.current().PPO2 = ptr(s.PPO2)
	case engine.CNSSample:
		b.current().CNS = ptr(s.CNS)
	case engine.DecoSample:
		b.current().Deco = &Deco{Type: s.Type, Depth: s.Depth, Time: s.Time, TTS: s.TTS}
	case engine.HeartbeatSample:
		b.current().HeartRate = ptr(s.BPM)
	case engine.GasMixSample:
		b.current().GasMix = ptr(s.Index)
	}
}

// finish flushes the last sample, which has no trailing time marker.
func (b *sampleBuilder) finish() []Sample {
	b.flush()
	return b.samples
}

func ptr[T any](v T) *T { return &v }

func (s *Sample) timeOnly() bool {
	return s.Depth == nil && s.Temperature == nil && len(s.Pressures) == 0 &&
		s.Setpoint == nil && s.PPO2 == nil && s.CNS == nil && s.Deco == nil &&
		s.HeartRate == nil && s.GasMix == nil
}
