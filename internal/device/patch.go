package device

import "fmt"

// Patch is a partial update. A nil field is absent and leaves the
// current value alone.
type Patch struct {
	SoilMoisture1 *float64
	SoilMoisture2 *float64
	WaterLevel    *float64
	Temperature   *float64
	Humidity      *float64
	LastWatered   *LastWatered
	AutoMode      *bool
	SchedMode     *bool
	RelayStatus   *bool
}

// Fields returns the set of fields present in the patch.
func (p Patch) Fields() FieldSet {
	var s FieldSet
	if p.SoilMoisture1 != nil {
		s = s.With(FieldSoilMoisture1)
	}
	if p.SoilMoisture2 != nil {
		s = s.With(FieldSoilMoisture2)
	}
	if p.WaterLevel != nil {
		s = s.With(FieldWaterLevel)
	}
	if p.Temperature != nil {
		s = s.With(FieldTemperature)
	}
	if p.Humidity != nil {
		s = s.With(FieldHumidity)
	}
	if p.LastWatered != nil {
		s = s.With(FieldLastWatered)
	}
	if p.AutoMode != nil {
		s = s.With(FieldAutoMode)
	}
	if p.SchedMode != nil {
		s = s.With(FieldSchedMode)
	}
	if p.RelayStatus != nil {
		s = s.With(FieldRelayStatus)
	}
	return s
}

// IsEmpty reports whether the patch carries no fields.
func (p Patch) IsEmpty() bool {
	return p.Fields() == 0
}

// Only returns a copy of p restricted to the given fields.
func (p Patch) Only(fields FieldSet) Patch {
	var out Patch
	if fields.Has(FieldSoilMoisture1) {
		out.SoilMoisture1 = p.SoilMoisture1
	}
	if fields.Has(FieldSoilMoisture2) {
		out.SoilMoisture2 = p.SoilMoisture2
	}
	if fields.Has(FieldWaterLevel) {
		out.WaterLevel = p.WaterLevel
	}
	if fields.Has(FieldTemperature) {
		out.Temperature = p.Temperature
	}
	if fields.Has(FieldHumidity) {
		out.Humidity = p.Humidity
	}
	if fields.Has(FieldLastWatered) {
		out.LastWatered = p.LastWatered
	}
	if fields.Has(FieldAutoMode) {
		out.AutoMode = p.AutoMode
	}
	if fields.Has(FieldSchedMode) {
		out.SchedMode = p.SchedMode
	}
	if fields.Has(FieldRelayStatus) {
		out.RelayStatus = p.RelayStatus
	}
	return out
}

// PatchOf builds a single-field patch. The value must match the field's
// type: bool for modes and relay, a number for readings, LastWatered for
// lastWatered.
func PatchOf(f Field, v any) (Patch, error) {
	var p Patch
	switch f {
	case FieldAutoMode, FieldSchedMode, FieldRelayStatus:
		b, ok := v.(bool)
		if !ok {
			return Patch{}, fmt.Errorf("%w: %s wants bool, got %T", ErrInvalidValue, f, v)
		}
		switch f {
		case FieldAutoMode:
			p.AutoMode = &b
		case FieldSchedMode:
			p.SchedMode = &b
		default:
			p.RelayStatus = &b
		}
	case FieldLastWatered:
		lw, ok := v.(LastWatered)
		if !ok {
			return Patch{}, fmt.Errorf("%w: %s wants LastWatered, got %T", ErrInvalidValue, f, v)
		}
		p.LastWatered = &lw
	case FieldSoilMoisture1, FieldSoilMoisture2, FieldWaterLevel, FieldTemperature, FieldHumidity:
		n, ok := toFloat(v)
		if !ok {
			return Patch{}, fmt.Errorf("%w: %s wants number, got %T", ErrInvalidValue, f, v)
		}
		if f != FieldTemperature {
			n = clampPercent(n)
		}
		switch f {
		case FieldSoilMoisture1:
			p.SoilMoisture1 = &n
		case FieldSoilMoisture2:
			p.SoilMoisture2 = &n
		case FieldWaterLevel:
			p.WaterLevel = &n
		case FieldTemperature:
			p.Temperature = &n
		default:
			p.Humidity = &n
		}
	default:
		return Patch{}, fmt.Errorf("%w: %s", ErrUnknownField, f)
	}
	return p, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Merge applies p to prev and returns the result. Only fields present in
// p change. Merge is pure and idempotent: Merge(Merge(s, p), p) equals
// Merge(s, p).
func Merge(prev State, p Patch) State {
	next, _ := MergeNormalized(prev, p)
	return next
}

// MergeNormalized is Merge that also reports which mode flag, if any, was
// cleared to keep autoMode and schedMode exclusive. cleared is zero when
// no correction was needed.
func MergeNormalized(prev State, p Patch) (next State, cleared Field) {
	next = prev
	if p.SoilMoisture1 != nil {
		next.SoilMoisture1 = *p.SoilMoisture1
	}
	if p.SoilMoisture2 != nil {
		next.SoilMoisture2 = *p.SoilMoisture2
	}
	if p.WaterLevel != nil {
		next.WaterLevel = *p.WaterLevel
	}
	if p.Temperature != nil {
		next.Temperature = *p.Temperature
	}
	if p.Humidity != nil {
		next.Humidity = *p.Humidity
	}
	if p.LastWatered != nil {
		next.LastWatered = *p.LastWatered
	}
	if p.AutoMode != nil {
		next.AutoMode = *p.AutoMode
	}
	if p.SchedMode != nil {
		next.SchedMode = *p.SchedMode
	}
	if p.RelayStatus != nil {
		next.RelayStatus = *p.RelayStatus
	}

	if !next.AutoMode || !next.SchedMode {
		return next, 0
	}

	// Both on. A patch turning one flag on carries the newer intent, so
	// the other loses. A patch with both on keeps the mode already active.
	autoSet := p.AutoMode != nil && *p.AutoMode
	schedSet := p.SchedMode != nil && *p.SchedMode
	keepSched := schedSet && !autoSet
	if autoSet && schedSet {
		keepSched = prev.SchedMode && !prev.AutoMode
	}
	if keepSched {
		next.AutoMode = false
		return next, FieldAutoMode
	}
	next.SchedMode = false
	return next, FieldSchedMode
}

// Diff returns the fields whose values differ between a and b.
func Diff(a, b State) FieldSet {
	var s FieldSet
	for _, f := range AllFields {
		if f == FieldLastWatered {
			if !a.LastWatered.Equal(b.LastWatered) {
				s = s.With(f)
			}
			continue
		}
		if a.Value(f) != b.Value(f) {
			s = s.With(f)
		}
	}
	return s
}
