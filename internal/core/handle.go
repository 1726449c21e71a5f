package core

import (
	"context"
	"fmt"

	"github.com/nerrad567/irrigation-core/internal/device"
	"github.com/nerrad567/irrigation-core/internal/infrastructure/influxdb"
)

// RelayEvent is the event log record of a confirmed relay transition.
type RelayEvent struct {
	RelayStatus bool   `json:"relayStatus"`
	AutoMode    bool   `json:"autoMode"`
	SchedMode   bool   `json:"schedMode"`
	Message     string `json:"message"`
}

// relayTracker holds the relay node as the device last reported it,
// independent of optimistic local changes.
type relayTracker struct {
	confirmed device.State
	baseline  bool
}

func (r *Reconciler) handleDelivery(ctx context.Context, d delivery) {
	switch d.feed {
	case FeedSensors:
		r.handleSensors(ctx, d)
	case FeedRelay:
		r.handleRelay(ctx, d)
	case FeedSettings:
		r.handleSettings(d)
	}
}

func (r *Reconciler) handleSensors(ctx context.Context, d delivery) {
	// Empty leaves every sensor field at its last value.
	if d.snap.Empty {
		return
	}
	p, mirroredAuto, err := device.DecodeSensors(d.snap.Value)
	if err != nil {
		r.rejected(d, err)
		return
	}
	// The sensor feed never owns the mode flags or the relay.
	p = p.Only(sensorFields)

	changed, _ := r.rec.Apply(p)
	state := r.rec.State()
	if mirroredAuto != nil && *mirroredAuto != state.AutoMode {
		r.logger.Debug("sensor node reports a stale autoMode",
			"mirrored", *mirroredAuto,
			"relay", state.AutoMode,
		)
	}
	if r.telemetry != nil && !p.IsEmpty() {
		r.telemetry.WriteSensorReading(r.cfg.SiteID, sensorReading(p), r.now())
	}
	r.afterChange(ctx, changed)
}

func (r *Reconciler) handleRelay(ctx context.Context, d delivery) {
	if d.snap.Empty {
		return
	}
	p, err := device.DecodeRelay(d.snap.Value)
	if err != nil {
		r.rejected(d, err)
		return
	}

	changed, cleared := r.rec.Apply(p)
	if cleared != 0 {
		r.logger.Warn("device reported both modes on, clearing one",
			"cleared", cleared.String(),
		)
		if r.metrics != nil {
			r.metrics.ModeCorrections.Inc()
		}
	}

	r.trackRelay(ctx, p)
	if r.telemetry != nil && !p.IsEmpty() {
		c := r.relay.confirmed
		r.telemetry.WriteRelayState(r.cfg.SiteID, c.RelayStatus, c.AutoMode, c.SchedMode, r.now())
	}
	r.afterChange(ctx, changed)
}

// trackRelay folds p into the confirmed relay state and logs the
// transition. In change mode the first delivery only sets the baseline.
func (r *Reconciler) trackRelay(ctx context.Context, p device.Patch) {
	if p.IsEmpty() {
		return
	}
	prev := r.relay.confirmed
	next, _ := device.MergeNormalized(prev, p)
	r.relay.confirmed = next

	if r.cfg.RelayLogMode != RelayLogEvery {
		if !r.relay.baseline {
			r.relay.baseline = true
			return
		}
		if device.Diff(prev, next)&relayFields == 0 {
			return
		}
	}

	r.appendEvent(ctx, TopicRelay, RelayEvent{
		RelayStatus: next.RelayStatus,
		AutoMode:    next.AutoMode,
		SchedMode:   next.SchedMode,
		Message:     relayMessage(prev, next),
	})
}

func relayMessage(prev, next device.State) string {
	if prev.RelayStatus != next.RelayStatus || prev.Mode() == next.Mode() {
		if next.RelayStatus {
			return "Relay turned ON"
		}
		return "Relay turned OFF"
	}
	return fmt.Sprintf("Mode changed to %s", next.Mode())
}

func (r *Reconciler) handleSettings(d delivery) {
	if d.snap.Empty {
		// No settings means no thresholds, so nothing can alert.
		r.thresholds = nil
		r.publish()
		r.logger.Debug("settings cleared")
		return
	}
	t, err := device.DecodeSettings(d.snap.Value)
	if err != nil {
		r.rejected(d, err)
		return
	}
	r.thresholds = &t
	r.publish()
	r.logger.Debug("thresholds updated",
		"soil_1", t.Soil1,
		"soil_2", t.Soil2,
		"water_tank", t.WaterTank,
	)
}

func (r *Reconciler) rejected(d delivery, err error) {
	r.logger.Warn("feed delivery rejected", "feed", string(d.feed), "seq", d.snap.Seq, "error", err)
	if r.metrics != nil {
		r.metrics.FeedErrors.WithLabelValues(string(d.feed)).Inc()
	}
}

var (
	sensorFields = device.FieldSet(device.FieldSoilMoisture1 | device.FieldSoilMoisture2 |
		device.FieldWaterLevel | device.FieldTemperature | device.FieldHumidity | device.FieldLastWatered)
	relayFields = device.FieldSet(device.FieldRelayStatus | device.FieldAutoMode | device.FieldSchedMode)
)

func sensorReading(p device.Patch) influxdb.SensorReading {
	return influxdb.SensorReading{
		SoilMoisture1: p.SoilMoisture1,
		SoilMoisture2: p.SoilMoisture2,
		WaterLevel:    p.WaterLevel,
		Temperature:   p.Temperature,
		Humidity:      p.Humidity,
	}
}
