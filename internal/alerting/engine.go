// Package alerting detects low readings against the device's configured
// thresholds and de-bounces them into alert events.
package alerting

import (
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/irrigation-core/internal/device"
)

// Metric identifies a monitored reading. The value doubles as the alert
// type written to the event log.
type Metric string

// Monitored metrics.
const (
	MetricSoil1Low     Metric = "soil_1_low"
	MetricSoil2Low     Metric = "soil_2_low"
	MetricWaterTankLow Metric = "water_tank_low"
)

// Event log topics for alerts.
const (
	TopicSoilMoisture = "soil_moisture"
	TopicWaterTank    = "water_tank"
)

// Topic returns the event log topic alerts of this metric go to.
func (m Metric) Topic() string {
	if m == MetricWaterTankLow {
		return TopicWaterTank
	}
	return TopicSoilMoisture
}

// DefaultCooldown is the minimum spacing between two alerts of one metric.
const DefaultCooldown = 60 * time.Second

// Event is one fired alert. It is immutable once emitted.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Type      Metric    `json:"type"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Message   string    `json:"message"`
}

type rule struct {
	metric    Metric
	field     device.Field
	label     string
	threshold func(device.Thresholds) float64
}

var soilRules = []rule{
	{MetricSoil1Low, device.FieldSoilMoisture1, "Soil moisture 1", func(t device.Thresholds) float64 { return t.Soil1 }},
	{MetricSoil2Low, device.FieldSoilMoisture2, "Soil moisture 2", func(t device.Thresholds) float64 { return t.Soil2 }},
}

var tankRule = rule{MetricWaterTankLow, device.FieldWaterLevel, "Water tank level", func(t device.Thresholds) float64 { return t.WaterTank }}

// Config configures an Engine.
type Config struct {
	// Cooldown is the per-metric quiet period. Zero means DefaultCooldown.
	Cooldown time.Duration

	// WaterTank enables the water_tank_low metric.
	WaterTank bool
}

// Engine evaluates readings after every state change. A metric fires when
// its reading is at or below its threshold and it has not fired within
// the cooldown. Cooldowns are process-local and start empty.
//
// All methods are safe for concurrent use.
type Engine struct {
	cooldown time.Duration
	rules    []rule
	now      func() time.Time

	mu        sync.Mutex
	lastFired map[Metric]time.Time
}

// NewEngine creates an engine.
func NewEngine(cfg Config) *Engine {
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	rules := append([]rule(nil), soilRules...)
	if cfg.WaterTank {
		rules = append(rules, tankRule)
	}
	return &Engine{
		cooldown:  cooldown,
		rules:     rules,
		now:       time.Now,
		lastFired: make(map[Metric]time.Time),
	}
}

// SetClock replaces the time source. Intended for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	e.now = now
	e.mu.Unlock()
}

// Metrics returns the metrics the engine evaluates.
func (e *Engine) Metrics() []Metric {
	out := make([]Metric, len(e.rules))
	for i, r := range e.rules {
		out[i] = r.metric
	}
	return out
}

// Evaluate checks state against thresholds and returns the alerts that
// fire now. A metric is skipped while its reading has never been
// delivered (known) or while thresholds is nil, so the zero values of a
// fresh state never raise alerts.
func (e *Engine) Evaluate(state device.State, known device.FieldSet, thresholds *device.Thresholds) []Event {
	if thresholds == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	var fired []Event
	for _, r := range e.rules {
		if !known.Has(r.field) {
			continue
		}
		value, _ := state.Value(r.field).(float64)
		threshold := r.threshold(*thresholds)
		if value > threshold {
			continue
		}
		if last, ok := e.lastFired[r.metric]; ok && now.Sub(last) <= e.cooldown {
			continue
		}
		e.lastFired[r.metric] = now
		fired = append(fired, Event{
			Timestamp: now,
			Type:      r.metric,
			Value:     value,
			Threshold: threshold,
			Message:   fmt.Sprintf("%s is low: %g%% (threshold %g%%)", r.label, value, threshold),
		})
	}
	return fired
}

// LastFired returns when metric last fired.
func (e *Engine) LastFired(metric Metric) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.lastFired[metric]
	return t, ok
}
