package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the core.
const (
	MeasurementSensors = "irrigation_sensors"
	MeasurementRelay   = "irrigation_relay"
)

// SensorReading is one merged telemetry sample. Nil fields have not been
// reported by the device yet and are left out of the point.
type SensorReading struct {
	SoilMoisture1 *float64
	SoilMoisture2 *float64
	WaterLevel    *float64
	Temperature   *float64
	Humidity      *float64
}

// WriteSensorReading records a telemetry sample. Non-blocking; points are
// batched and sent asynchronously.
//
// Example:
//
//	soil := 42.0
//	client.WriteSensorReading("garden-001", influxdb.SensorReading{SoilMoisture1: &soil}, time.Now())
func (c *Client) WriteSensorReading(siteID string, r SensorReading, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	if p := sensorPoint(siteID, r, ts); p != nil {
		c.writeAPI.WritePoint(p)
	}
}

// WriteRelayState records the confirmed relay and mode flags.
func (c *Client) WriteRelayState(siteID string, relayOn, autoMode, schedMode bool, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(relayPoint(siteID, relayOn, autoMode, schedMode, ts))
}

// sensorPoint returns nil when the reading carries no fields; InfluxDB
// rejects points without fields.
func sensorPoint(siteID string, r SensorReading, ts time.Time) *write.Point {
	fields := make(map[string]any, 5)
	put := func(name string, v *float64) {
		if v != nil {
			fields[name] = *v
		}
	}
	put("soil_moisture_1", r.SoilMoisture1)
	put("soil_moisture_2", r.SoilMoisture2)
	put("water_level", r.WaterLevel)
	put("temperature", r.Temperature)
	put("humidity", r.Humidity)
	if len(fields) == 0 {
		return nil
	}
	return write.NewPoint(MeasurementSensors, map[string]string{"site_id": siteID}, fields, ts)
}

func relayPoint(siteID string, relayOn, autoMode, schedMode bool, ts time.Time) *write.Point {
	return write.NewPoint(
		MeasurementRelay,
		map[string]string{"site_id": siteID},
		map[string]any{
			"relay_on":   boolToInt(relayOn),
			"auto_mode":  autoMode,
			"sched_mode": schedMode,
		},
		ts,
	)
}

// boolToInt lets the relay chart plot on/off as a step series.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
