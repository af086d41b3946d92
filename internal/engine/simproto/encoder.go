package simproto

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/srg/bledive/internal/engine"
)

// Dive body tags. Header tags may appear anywhere; sample tags are replayed in
// order by Parser.Samples.
const (
	tagDateTime    byte = 0x01 // u32 unix seconds
	tagDiveTime    byte = 0x02 // u32 seconds
	tagMaxDepth    byte = 0x03 // u16 cm
	tagAvgDepth    byte = 0x04 // u16 cm
	tagTempSurface byte = 0x05 // i16 0.1 °C
	tagTempMin     byte = 0x06
	tagTempMax     byte = 0x07
	tagDiveMode    byte = 0x08 // u8
	tagAtmospheric byte = 0x09 // u16 mbar
	tagGasMix      byte = 0x0A // u8 O2 %, u8 He %
	tagTank        byte = 0x0B // u8 mix, u16 dl volume, u16×3 0.1 bar
	tagSalinity    byte = 0x0C // u16 kg/m³

	tagSampleTime      byte = 0x10 // u32 ms
	tagSampleDepth     byte = 0x11 // u16 cm
	tagSampleTemp      byte = 0x12 // i16 0.1 °C
	tagSamplePressure  byte = 0x13 // u8 tank, u16 0.1 bar
	tagSampleSetpoint  byte = 0x14 // u8 cbar
	tagSamplePPO2      byte = 0x15 // u8 cbar
	tagSampleCNS       byte = 0x16 // u8 %
	tagSampleDeco      byte = 0x17 // u8 type, u16 cm, u16 s, u16 s
	tagSampleHeartbeat byte = 0x18 // u8 bpm
	tagSampleGasMix    byte = 0x19 // u8 index

	noGasMix = 0xFF
)

// DiveEncoder builds a dive body. Methods append in call order.
type DiveEncoder struct {
	buf []byte
}

func NewDiveEncoder() *DiveEncoder {
	return &DiveEncoder{}
}

func (e *DiveEncoder) put(tag byte, value []byte) *DiveEncoder {
	e.buf = append(e.buf, tag, byte(len(value)))
	e.buf = append(e.buf, value...)
	return e
}

func u16(v int) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, uint16(v))
	return b
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func cm(m float64) int    { return int(math.Round(m * 100)) }
func deci(v float64) int  { return int(math.Round(v * 10)) }
func centi(v float64) int { return int(math.Round(v * 100)) }

func (e *DiveEncoder) DateTime(t time.Time) *DiveEncoder {
	return e.put(tagDateTime, u32(uint32(t.Unix())))
}

func (e *DiveEncoder) DiveTime(d time.Duration) *DiveEncoder {
	return e.put(tagDiveTime, u32(uint32(d/time.Second)))
}

func (e *DiveEncoder) MaxDepth(m float64) *DiveEncoder { return e.put(tagMaxDepth, u16(cm(m))) }
func (e *DiveEncoder) AvgDepth(m float64) *DiveEncoder { return e.put(tagAvgDepth, u16(cm(m))) }

func (e *DiveEncoder) TemperatureSurface(c float64) *DiveEncoder {
	return e.put(tagTempSurface, u16(deci(c)))
}

func (e *DiveEncoder) TemperatureMin(c float64) *DiveEncoder {
	return e.put(tagTempMin, u16(deci(c)))
}

func (e *DiveEncoder) TemperatureMax(c float64) *DiveEncoder {
	return e.put(tagTempMax, u16(deci(c)))
}

func (e *DiveEncoder) Mode(m engine.DiveMode) *DiveEncoder {
	return e.put(tagDiveMode, []byte{byte(m)})
}

// Atmospheric is in bar.
func (e *DiveEncoder) Atmospheric(bar float64) *DiveEncoder {
	return e.put(tagAtmospheric, u16(int(math.Round(bar*1000))))
}

// GasMix takes whole-percent O2 and He.
func (e *DiveEncoder) GasMix(o2, he int) *DiveEncoder {
	return e.put(tagGasMix, []byte{byte(o2), byte(he)})
}

// Tank takes gasmix index (-1 for none), volume in litres and pressures in bar.
func (e *DiveEncoder) Tank(gasmix int, volume, work, begin, end float64) *DiveEncoder {
	mix := byte(noGasMix)
	if gasmix >= 0 {
		mix = byte(gasmix)
	}
	v := []byte{mix}
	v = append(v, u16(deci(volume))...)
	v = append(v, u16(deci(work))...)
	v = append(v, u16(deci(begin))...)
	v = append(v, u16(deci(end))...)
	return e.put(tagTank, v)
}

func (e *DiveEncoder) Salinity(density float64) *DiveEncoder {
	return e.put(tagSalinity, u16(int(math.Round(density))))
}

// Time starts a new profile sample.
func (e *DiveEncoder) Time(t time.Duration) *DiveEncoder {
	return e.put(tagSampleTime, u32(uint32(t/time.Millisecond)))
}

func (e *DiveEncoder) Depth(m float64) *DiveEncoder { return e.put(tagSampleDepth, u16(cm(m))) }

func (e *DiveEncoder) Temperature(c float64) *DiveEncoder {
	return e.put(tagSampleTemp, u16(deci(c)))
}

func (e *DiveEncoder) Pressure(tank int, bar float64) *DiveEncoder {
	return e.put(tagSamplePressure, append([]byte{byte(tank)}, u16(deci(bar))...))
}

func (e *DiveEncoder) Setpoint(bar float64) *DiveEncoder {
	return e.put(tagSampleSetpoint, []byte{byte(centi(bar))})
}

func (e *DiveEncoder) PPO2(bar float64) *DiveEncoder {
	return e.put(tagSamplePPO2, []byte{byte(centi(bar))})
}

// CNS takes a fraction in [0,1].
func (e *DiveEncoder) CNS(fraction float64) *DiveEncoder {
	return e.put(tagSampleCNS, []byte{byte(centi(fraction))})
}

func (e *DiveEncoder) Deco(kind engine.DecoType, depth float64, stop, tts time.Duration) *DiveEncoder {
	v := []byte{byte(kind)}
	v = append(v, u16(cm(depth))...)
	v = append(v, u16(int(stop/time.Second))...)
	v = append(v, u16(int(tts/time.Second))...)
	return e.put(tagSampleDeco, v)
}

func (e *DiveEncoder) Heartbeat(bpm int) *DiveEncoder {
	return e.put(tagSampleHeartbeat, []byte{byte(bpm)})
}

func (e *DiveEncoder) SwitchGas(index int) *DiveEncoder {
	return e.put(tagSampleGasMix, []byte{byte(index)})
}

// Raw appends arbitrary bytes, for building corrupt bodies in tests.
func (e *DiveEncoder) Raw(b ...byte) *DiveEncoder {
	e.buf = append(e.buf, b...)
	return e
}

func (e *DiveEncoder) Bytes() []byte {
	return append([]byte(nil), e.buf...)
}
