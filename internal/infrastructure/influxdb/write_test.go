package influxdb

import (
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

func TestSensorPoint(t *testing.T) {
	soil, temp := 41.0, 23.5
	ts := time.Unix(1718000000, 0)

	p := sensorPoint("garden-001", SensorReading{SoilMoisture1: &soil, Temperature: &temp}, ts)
	if p == nil {
		t.Fatal("sensorPoint() = nil")
	}

	line := write.PointToLineProtocol(p, time.Second)
	for _, want := range []string{MeasurementSensors, "site_id=garden-001", "soil_moisture_1=41", "temperature=23.5", "1718000000"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
	if strings.Contains(line, "humidity") {
		t.Errorf("unknown humidity written: %q", line)
	}
}

func TestSensorPoint_Empty(t *testing.T) {
	if p := sensorPoint("garden-001", SensorReading{}, time.Now()); p != nil {
		t.Errorf("sensorPoint(empty) = %v, want nil", p)
	}
}

func TestRelayPoint(t *testing.T) {
	line := write.PointToLineProtocol(relayPoint("garden-001", true, false, true, time.Unix(1, 0)), time.Second)
	for _, want := range []string{MeasurementRelay, "relay_on=1i", "auto_mode=false", "sched_mode=true"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
}
