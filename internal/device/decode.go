package device

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// number accepts a JSON number or a numeric string. Firmware builds differ
// in which one they publish.
type number struct {
	v   float64
	set bool
}

func (n *number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var f float64
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("%w: %q is not a number", ErrInvalidValue, s)
		}
		f = parsed
	} else if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("%w: %s is not a number", ErrInvalidValue, data)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: non-finite number", ErrInvalidValue)
	}
	n.v, n.set = f, true
	return nil
}

func (n number) percent() *float64 {
	if !n.set {
		return nil
	}
	v := clampPercent(n.v)
	return &v
}

func (n number) raw() *float64 {
	if !n.set {
		return nil
	}
	v := n.v
	return &v
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

// flag accepts a JSON boolean, 0/1 or "true"/"false".
type flag struct {
	v   bool
	set bool
}

func (b *flag) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch string(data) {
	case "null":
		return nil
	case "true", "1", `"true"`, `"1"`:
		b.v, b.set = true, true
	case "false", "0", `"false"`, `"0"`:
		b.v, b.set = false, true
	default:
		return fmt.Errorf("%w: %s is not a boolean", ErrInvalidValue, data)
	}
	return nil
}

func (b flag) ptr() *bool {
	if !b.set {
		return nil
	}
	v := b.v
	return &v
}

// epochMillisCutoff separates epoch seconds from epoch milliseconds:
// 1e12 ms is September 2001, 1e12 s is the year 33658.
const epochMillisCutoff = 1e12

// ParseLastWatered parses a watering time as reported by the device: an
// RFC 3339 string, epoch seconds or milliseconds, or "never". An empty
// string is "never".
func ParseLastWatered(s string) (LastWatered, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "never") {
		return Never, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return LastWatered(t), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return lastWateredFromEpoch(f), nil
	}
	return Never, fmt.Errorf("%w: lastWatered %q", ErrInvalidValue, s)
}

func lastWateredFromEpoch(f float64) LastWatered {
	if f <= 0 {
		return Never
	}
	if f >= epochMillisCutoff {
		return LastWatered(time.UnixMilli(int64(f)).UTC())
	}
	return LastWatered(time.Unix(int64(f), 0).UTC())
}

func parseLastWateredJSON(data []byte) (LastWatered, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return Never, nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return Never, fmt.Errorf("%w: lastWatered: %w", ErrInvalidValue, err)
		}
		return ParseLastWatered(s)
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return Never, fmt.Errorf("%w: lastWatered %s", ErrInvalidValue, data)
	}
	return lastWateredFromEpoch(f), nil
}

type sensorsPayload struct {
	SoilMoisture *struct {
		Soil1 number `json:"soil1"`
		Soil2 number `json:"soil2"`
	} `json:"soilMoisture"`
	Ultrasonic *struct {
		WaterTankPercent number `json:"waterTankPercent"`
	} `json:"ultrasonic"`
	DHT *struct {
		Temperature number `json:"temperature"`
		Humidity    number `json:"humidity"`
	} `json:"dht"`
	Relay *struct {
		LastWatered json.RawMessage `json:"lastWatered"`
	} `json:"relay"`
	Settings *struct {
		AutoMode flag `json:"autoMode"`
	} `json:"settings"`
}

// DecodeSensors decodes a client/sensors snapshot. Readings are clamped to
// [0,100] except temperature. mirroredAuto is the settings.autoMode value
// the sensor node echoes; it lags the relay feed and is returned for
// diagnostics only, never as part of the patch.
func DecodeSensors(raw []byte) (p Patch, mirroredAuto *bool, err error) {
	var in sensorsPayload
	if err := json.Unmarshal(raw, &in); err != nil {
		return Patch{}, nil, fmt.Errorf("%w: client/sensors: %w", ErrInvalidPayload, err)
	}

	if sm := in.SoilMoisture; sm != nil {
		p.SoilMoisture1 = sm.Soil1.percent()
		p.SoilMoisture2 = sm.Soil2.percent()
	}
	if us := in.Ultrasonic; us != nil {
		p.WaterLevel = us.WaterTankPercent.percent()
	}
	if dht := in.DHT; dht != nil {
		p.Temperature = dht.Temperature.raw()
		p.Humidity = dht.Humidity.percent()
	}
	if r := in.Relay; r != nil && len(r.LastWatered) > 0 {
		lw, err := parseLastWateredJSON(r.LastWatered)
		if err != nil {
			return Patch{}, nil, fmt.Errorf("%w: client/sensors: %w", ErrInvalidPayload, err)
		}
		p.LastWatered = &lw
	}
	if s := in.Settings; s != nil {
		mirroredAuto = s.AutoMode.ptr()
	}
	return p, mirroredAuto, nil
}

type relayPayload struct {
	AutoMode    flag `json:"autoMode"`
	SchedMode   flag `json:"schedMode"`
	RelayStatus flag `json:"relayStatus"`
}

// DecodeRelay decodes an esp/sensors/relay snapshot. Other children of the
// relay node are ignored.
func DecodeRelay(raw []byte) (Patch, error) {
	var in relayPayload
	if err := json.Unmarshal(raw, &in); err != nil {
		return Patch{}, fmt.Errorf("%w: esp/sensors/relay: %w", ErrInvalidPayload, err)
	}
	return Patch{
		AutoMode:    in.AutoMode.ptr(),
		SchedMode:   in.SchedMode.ptr(),
		RelayStatus: in.RelayStatus.ptr(),
	}, nil
}
