package device

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Field identifies one field of State. Values are single bits so sets of
// fields fit in a FieldSet.
type Field uint16

// State fields.
const (
	FieldSoilMoisture1 Field = 1 << iota
	FieldSoilMoisture2
	FieldWaterLevel
	FieldTemperature
	FieldHumidity
	FieldLastWatered
	FieldAutoMode
	FieldSchedMode
	FieldRelayStatus
)

// AllFields lists every field in declaration order.
var AllFields = []Field{
	FieldSoilMoisture1,
	FieldSoilMoisture2,
	FieldWaterLevel,
	FieldTemperature,
	FieldHumidity,
	FieldLastWatered,
	FieldAutoMode,
	FieldSchedMode,
	FieldRelayStatus,
}

var fieldNames = map[Field]string{
	FieldSoilMoisture1: "soilMoisture1",
	FieldSoilMoisture2: "soilMoisture2",
	FieldWaterLevel:    "waterLevel",
	FieldTemperature:   "temperature",
	FieldHumidity:      "humidity",
	FieldLastWatered:   "lastWatered",
	FieldAutoMode:      "autoMode",
	FieldSchedMode:     "schedMode",
	FieldRelayStatus:   "relayStatus",
}

// String returns the JSON name of the field.
func (f Field) String() string {
	if name, ok := fieldNames[f]; ok {
		return name
	}
	return fmt.Sprintf("field(%d)", uint16(f))
}

// ParseField returns the field with the given JSON name.
func ParseField(name string) (Field, error) {
	for f, n := range fieldNames {
		if n == name {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownField, name)
}

// IsBool reports whether the field holds a boolean.
func (f Field) IsBool() bool {
	return f == FieldAutoMode || f == FieldSchedMode || f == FieldRelayStatus
}

// FieldSet is a set of fields.
type FieldSet uint16

// Has reports whether f is in the set.
func (s FieldSet) Has(f Field) bool {
	return s&FieldSet(f) != 0
}

// With returns the set with f added.
func (s FieldSet) With(f Field) FieldSet {
	return s | FieldSet(f)
}

// Fields returns the members in declaration order.
func (s FieldSet) Fields() []Field {
	var out []Field
	for _, f := range AllFields {
		if s.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

// String renders the set as a comma-separated list of names.
func (s FieldSet) String() string {
	fields := s.Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.String()
	}
	return strings.Join(names, ",")
}

// LastWatered is the time of the last watering. The zero value means the
// device has never reported one and is rendered as "never".
type LastWatered time.Time

// Never is the "never watered" value.
var Never LastWatered

// IsNever reports whether no watering time is known.
func (l LastWatered) IsNever() bool {
	return time.Time(l).IsZero()
}

// Time returns the watering time.
func (l LastWatered) Time() time.Time {
	return time.Time(l)
}

// Equal reports whether both values denote the same instant (or both never).
func (l LastWatered) Equal(o LastWatered) bool {
	return time.Time(l).Equal(time.Time(o))
}

func (l LastWatered) String() string {
	if l.IsNever() {
		return "never"
	}
	return time.Time(l).UTC().Format(time.RFC3339)
}

// MarshalJSON implements json.Marshaler.
func (l LastWatered) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON implements json.Unmarshaler. It accepts everything
// ParseLastWatered does.
func (l *LastWatered) UnmarshalJSON(data []byte) error {
	v, err := parseLastWateredJSON(data)
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// State is the merged view of the irrigation device.
//
// The zero value is the state on first attach: zero readings, all modes
// off, relay off, never watered. State is a value type; the reconciler
// publishes copies and never mutates one after publishing it.
type State struct {
	SoilMoisture1 float64     `json:"soilMoisture1"`
	SoilMoisture2 float64     `json:"soilMoisture2"`
	WaterLevel    float64     `json:"waterLevel"`
	Temperature   float64     `json:"temperature"`
	Humidity      float64     `json:"humidity"`
	AutoMode      bool        `json:"autoMode"`
	SchedMode     bool        `json:"schedMode"`
	RelayStatus   bool        `json:"relayStatus"`
	LastWatered   LastWatered `json:"lastWatered"`
}

// Value returns the value of f as float64, bool or LastWatered.
func (s State) Value(f Field) any {
	switch f {
	case FieldSoilMoisture1:
		return s.SoilMoisture1
	case FieldSoilMoisture2:
		return s.SoilMoisture2
	case FieldWaterLevel:
		return s.WaterLevel
	case FieldTemperature:
		return s.Temperature
	case FieldHumidity:
		return s.Humidity
	case FieldLastWatered:
		return s.LastWatered
	case FieldAutoMode:
		return s.AutoMode
	case FieldSchedMode:
		return s.SchedMode
	case FieldRelayStatus:
		return s.RelayStatus
	}
	return nil
}

// Bool returns a boolean field. Non-boolean fields report false.
func (s State) Bool(f Field) bool {
	b, _ := s.Value(f).(bool)
	return b
}

// Mode names the active control mode.
type Mode string

// Control modes.
const (
	ModeManual    Mode = "manual"
	ModeAuto      Mode = "auto"
	ModeScheduled Mode = "scheduled"
)

// Mode returns the active control mode.
func (s State) Mode() Mode {
	switch {
	case s.AutoMode:
		return ModeAuto
	case s.SchedMode:
		return ModeScheduled
	default:
		return ModeManual
	}
}
