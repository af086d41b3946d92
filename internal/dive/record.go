// Package dive turns one raw dive buffer into a structured Record by querying
// an engine parser.
package dive

import (
	"encoding/json"
	"time"

	"github.com/srg/bledive/internal/engine"
)

// Record is one decoded dive. When Error is set only Number and Error are
// meaningful. Absent fields stay nil; zero is a legitimate reading.
type Record struct {
	Number      int
	DateTime    *time.Time
	Duration    *time.Duration
	MaxDepth    *float64
	AvgDepth    *float64
	TempSurface *float64
	TempMin     *float64
	TempMax     *float64
	Mode        *engine.DiveMode
	Atmospheric *float64
	Salinity    *engine.Salinity
	GasMixes    []engine.GasMix
	Tanks       []engine.Tank
	Samples     []Sample
	Fingerprint []byte
	Error       string
}

// Failed returns the record for a dive that could not be decoded.
func Failed(number int, err error) *Record {
	return &Record{Number: number, Error: err.Error()}
}

// OK reports whether the record decoded.
func (r *Record) OK() bool { return r.Error == "" }

// TankPressure is one tank reading inside a sample.
type TankPressure struct {
	Tank     int     `json:"tank"`
	Pressure float64 `json:"pressure"`
}

// Deco is the decompression state at a sample.
type Deco struct {
	Type  engine.DecoType `json:"type"`
	Depth float64         `json:"depth"`
	Time  time.Duration   `json:"-"`
	TTS   time.Duration   `json:"-"`
}

// Sample is one profile point. Time is relative to dive start with
// millisecond precision.
type Sample struct {
	Time        time.Duration
	Depth       *float64
	Temperature *float64
	Pressures   []TankPressure
	Setpoint    *float64
	PPO2        *float64
	CNS         *float64
	Deco        *Deco
	HeartRate   *int
	GasMix      *int
}

type decoJSON struct {
	Type  engine.DecoType `json:"type"`
	Depth float64         `json:"depth"`
	Time  float64         `json:"time"`
	TTS   float64         `json:"tts,omitempty"`
}

type sampleJSON struct {
	Time        float64        `json:"time"`
	Depth       *float64       `json:"depth,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	Pressures   []TankPressure `json:"pressure,omitempty"`
	Setpoint    *float64       `json:"setpoint,omitempty"`
	PPO2        *float64       `json:"ppo2,omitempty"`
	CNS         *float64       `json:"cns,omitempty"`
	Deco        *decoJSON      `json:"deco,omitempty"`
	HeartRate   *int           `json:"heartrate,omitempty"`
	GasMix      *int           `json:"gasmix,omitempty"`
}

// MarshalJSON writes times in seconds.
func (s Sample) MarshalJSON() ([]byte, error) {
	out := sampleJSON{
		Time:        s.Time.Seconds(),
		Depth:       s.Depth,
		Temperature: s.Temperature,
		Pressures:   s.Pressures,
		Setpoint:    s.Setpoint,
		PPO2:        s.PPO2,
		CNS:         s.CNS,
		HeartRate:   s.HeartRate,
		GasMix:      s.GasMix,
	}
	if s.Deco != nil {
		out.Deco = &decoJSON{
			Type:  s.Deco.Type,
			Depth: s.Deco.Depth,
			Time:  s.Deco.Time.Seconds(),
			TTS:   s.Deco.TTS.Seconds(),
		}
	}
	return json.Marshal(out)
}

type recordJSON struct {
	Number      int              `json:"number"`
	DateTime    *time.Time       `json:"datetime,omitempty"`
	Duration    *float64         `json:"duration,omitempty"`
	MaxDepth    *float64         `json:"maxdepth,omitempty"`
	AvgDepth    *float64         `json:"avgdepth,omitempty"`
	TempSurface *float64         `json:"temperature_surface,omitempty"`
	TempMin     *float64         `json:"temperature_min,omitempty"`
	TempMax     *float64         `json:"temperature_max,omitempty"`
	Mode        *engine.DiveMode `json:"divemode,omitempty"`
	Atmospheric *float64         `json:"atmospheric,omitempty"`
	Salinity    *engine.Salinity `json:"salinity,omitempty"`
	GasMixes    []engine.GasMix  `json:"gasmixes,omitempty"`
	Tanks       []engine.Tank    `json:"tanks,omitempty"`
	Samples     []Sample         `json:"samples,omitempty"`
	Fingerprint []byte           `json:"fingerprint,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// MarshalJSON writes the duration in seconds and omits absent fields.
func (r Record) MarshalJSON() ([]byte, error) {
	out := recordJSON{
		Number:      r.Number,
		DateTime:    r.DateTime,
		MaxDepth:    r.MaxDepth,
		AvgDepth:    r.AvgDepth,
		TempSurface: r.TempSurface,
		TempMin:     r.TempMin,
		TempMax:     r.TempMax,
		Mode:        r.Mode,
		Atmospheric: r.Atmospheric,
		Salinity:    r.Salinity,
		GasMixes:    r.GasMixes,
		Tanks:       r.Tanks,
		Samples:     r.Samples,
		Fingerprint: r.Fingerprint,
		Error:       r.Error,
	}
	if r.Duration != nil {
		secs := r.Duration.Seconds()
		out.Duration = &secs
	}
	return json.Marshal(out)
}
