package engine

import "time"

// Sample is one profile event reported by Parser.Samples. A TimeSample starts
// a new profile point; the others describe the current point.
type Sample interface {
	isSample()
}

type TimeSample struct{ Time time.Duration }

// DepthSample is in metres.
type DepthSample struct{ Depth float64 }

// TemperatureSample is in °C.
type TemperatureSample struct{ Temperature float64 }

// PressureSample is a tank pressure in bar.
type PressureSample struct {
	Tank     int
	Pressure float64
}

// SetpointSample is the CCR ppO2 setpoint in bar.
type SetpointSample struct{ Setpoint float64 }

// PPO2Sample is a measured ppO2 in bar. Sensor is -1 for the combined value.
type PPO2Sample struct {
	Sensor int
	PPO2   float64
}

// CNSSample is the CNS oxygen toxicity fraction [0,1].
type CNSSample struct{ CNS float64 }

// DecoType is the kind of ceiling reported by a DecoSample.
type DecoType int

const (
	DecoNDL DecoType = iota
	DecoSafetyStop
	DecoStop
	DecoDeepStop
)

func (d DecoType) String() string {
	switch d {
	case DecoNDL:
		return "ndl"
	case DecoSafetyStop:
		return "safetystop"
	case DecoStop:
		return "decostop"
	case DecoDeepStop:
		return "deepstop"
	default:
		return "unknown"
	}
}

// MarshalText renders the type by name in JSON output.
func (d DecoType) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// DecoSample describes the decompression state. Depth is in metres.
type DecoSample struct {
	Type  DecoType
	Depth float64
	Time  time.Duration
	TTS   time.Duration
}

type HeartbeatSample struct{ BPM int }

// GasMixSample switches to the gas mix at the given index.
type GasMixSample struct{ Index int }

func (TimeSample) isSample()        {}
func (DepthSample) isSample()       {}
func (TemperatureSample) isSample() {}
func (PressureSample) isSample()    {}
func (SetpointSample) isSample()    {}
func (PPO2Sample) isSample()        {}
func (CNSSample) isSample()         {}
func (DecoSample) isSample()        {}
func (HeartbeatSample) isSample()   {}
func (GasMixSample) isSample()      {}
