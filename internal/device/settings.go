package device

import (
	"encoding/json"
	"fmt"
	"math"
)

// Thresholds are the alert thresholds from the esp/setting feed, in
// percent.
type Thresholds struct {
	Soil1     float64 `json:"smPercent1Parameter"`
	Soil2     float64 `json:"smPercent2Parameter"`
	WaterTank float64 `json:"waterTankParameter"`
}

// DefaultThresholds apply to keys missing from a delivered settings
// snapshot. They match the dashboard's own defaults.
var DefaultThresholds = Thresholds{Soil1: 20, Soil2: 80, WaterTank: 20}

type settingsPayload struct {
	Soil1     number `json:"smPercent1Parameter"`
	Soil2     number `json:"smPercent2Parameter"`
	WaterTank number `json:"waterTankParameter"`
}

// DecodeSettings decodes an esp/setting snapshot. Keys other than the
// thresholds are ignored; missing thresholds take DefaultThresholds.
func DecodeSettings(raw []byte) (Thresholds, error) {
	var in settingsPayload
	if err := json.Unmarshal(raw, &in); err != nil {
		return Thresholds{}, fmt.Errorf("%w: esp/setting: %w", ErrInvalidPayload, err)
	}
	t := DefaultThresholds
	if in.Soil1.set {
		t.Soil1 = in.Soil1.v
	}
	if in.Soil2.set {
		t.Soil2 = in.Soil2.v
	}
	if in.WaterTank.set {
		t.WaterTank = in.WaterTank.v
	}
	return t, nil
}

// uiOnlySettings are dashboard-local keys that must not reach the device.
var uiOnlySettings = []string{"moistureThreshold", "autoMode", "wateringDuration", "maxLengthButton"}

// DefaultReadIntervalSeconds is used when a settings write omits readInterval.
const DefaultReadIntervalSeconds = 5

// PrepareSettingsWrite turns a settings form into the esp/setting payload:
// dashboard-only keys are removed and readInterval is converted from
// seconds to the milliseconds the firmware expects. The input is not
// modified.
func PrepareSettingsWrite(in map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	for _, k := range uiOnlySettings {
		delete(out, k)
	}

	seconds := float64(DefaultReadIntervalSeconds)
	if v, ok := in["readInterval"]; ok && v != nil {
		f, ok := toFloat(v)
		if !ok || f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%w: readInterval must be a non-negative number of seconds", ErrInvalidValue)
		}
		seconds = f
	}
	out["readInterval"] = int64(math.Round(seconds * 1000))
	return out, nil
}
