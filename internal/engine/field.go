package engine

// FieldType selects a dive summary field queried through Parser.Field.
type FieldType int

const (
	FieldDiveTime           FieldType = iota // time.Duration
	FieldMaxDepth                            // float64 metres
	FieldAvgDepth                            // float64 metres
	FieldGasMixCount                         // int
	FieldGasMix                              // GasMix, indexed
	FieldSalinity                            // Salinity
	FieldAtmospheric                         // float64 bar
	FieldTemperatureSurface                  // float64 °C
	FieldTemperatureMinimum                  // float64 °C
	FieldTemperatureMaximum                  // float64 °C
	FieldTankCount                           // int
	FieldTank                                // Tank, indexed
	FieldDiveMode                            // DiveMode
)

var fieldNames = [...]string{
	"divetime", "maxdepth", "avgdepth", "gasmix_count", "gasmix", "salinity", "atmospheric",
	"temperature_surface", "temperature_minimum", "temperature_maximum", "tank_count", "tank", "divemode",
}

func (f FieldType) String() string {
	if f >= 0 && int(f) < len(fieldNames) {
		return fieldNames[f]
	}
	return "unknown"
}

// GasMix fractions are in the range [0,1].
type GasMix struct {
	Oxygen   float64 `json:"oxygen"`
	Helium   float64 `json:"helium"`
	Nitrogen float64 `json:"nitrogen"`
}

// TankVolumeType tells how Tank.Volume is expressed.
type TankVolumeType int

const (
	TankVolumeNone TankVolumeType = iota
	TankVolumeMetric
	TankVolumeImperial
)

// Tank pressures are in bar, volume in litres.
type Tank struct {
	GasMix        int            `json:"gasmix"` // index into the dive's gas mixes, -1 if unknown
	Type          TankVolumeType `json:"type"`
	Volume        float64        `json:"volume"`
	WorkPressure  float64        `json:"workpressure"`
	BeginPressure float64        `json:"beginpressure"`
	EndPressure   float64        `json:"endpressure"`
}

// DiveMode is the breathing mode of a dive.
type DiveMode int

const (
	DiveModeFreedive DiveMode = iota
	DiveModeGauge
	DiveModeOpenCircuit
	DiveModeClosedCircuit
	DiveModeSemiClosed
)

func (m DiveMode) String() string {
	switch m {
	case DiveModeFreedive:
		return "freedive"
	case DiveModeGauge:
		return "gauge"
	case DiveModeOpenCircuit:
		return "oc"
	case DiveModeClosedCircuit:
		return "ccr"
	case DiveModeSemiClosed:
		return "scr"
	default:
		return "unknown"
	}
}

// MarshalText renders the mode by name in JSON output.
func (m DiveMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Salinity of the water the dive took place in.
type Salinity struct {
	Fresh   bool    `json:"fresh"`
	Density float64 `json:"density"`
}
