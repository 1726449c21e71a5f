// Package core is the irrigation state reconciler.
//
// A Reconciler watches the three device feeds, folds every delivery into
// one device.Record and reacts to each change: threshold alerts are
// evaluated, relay transitions are logged, telemetry is recorded and the
// new state is pushed to live clients.
//
// # Concurrency
//
//	┌─────────────┐
//	│ sensors pump│──┐
//	├─────────────┤  │   deliveries   ┌──────────────────┐
//	│ relay pump  │──┼───────────────▶│                  │──▶ View (atomic)
//	├─────────────┤  │                │   owner loop     │──▶ alerts / audit
//	│settings pump│──┘                │ (device.Record)  │──▶ telemetry
//	└─────────────┘        Do(fn) ───▶│                  │──▶ broadcast
//	                  (commands)      └──────────────────┘
//
// The owner loop is the only goroutine touching the record; commands
// reach it through Do, so there are no locks on the state. Readers use
// View, an immutable snapshot swapped atomically after every change.
package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/irrigation-core/internal/alerting"
	"github.com/nerrad567/irrigation-core/internal/control"
	"github.com/nerrad567/irrigation-core/internal/device"
	"github.com/nerrad567/irrigation-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/irrigation-core/internal/metrics"
	"github.com/nerrad567/irrigation-core/internal/realtime"
)

// Logger defines the logging interface used by the reconciler.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// EventLog receives audit records. *audit.Writer implements it.
type EventLog interface {
	Append(ctx context.Context, topic string, record any) (string, error)
}

// Telemetry records merged readings as time series. *influxdb.Client
// implements it.
type Telemetry interface {
	WriteSensorReading(siteID string, r influxdb.SensorReading, ts time.Time)
	WriteRelayState(siteID string, relayOn, autoMode, schedMode bool, ts time.Time)
}

// Broadcaster pushes messages to live clients. The api WebSocket hub
// implements it.
type Broadcaster interface {
	Broadcast(channel string, payload any)
}

// Broadcast channels.
const (
	ChannelState  = "device.state"
	ChannelAlert  = "alert"
	ChannelNotice = "notice"
	ChannelEvent  = "event"
)

// Relay log modes.
const (
	RelayLogChange = "change"
	RelayLogEvery  = "every"
)

// Event log topics written by the reconciler.
const TopicRelay = "relay"

// Paths are the feed paths the reconciler watches.
type Paths struct {
	Sensors  string
	Relay    string
	Settings string
}

// Config configures a Reconciler.
type Config struct {
	SiteID string
	Paths  Paths

	// RelayLogMode is RelayLogChange (default) or RelayLogEvery.
	RelayLogMode string

	// ReattachInitial and ReattachMax bound the exponential backoff
	// between attach attempts of a failed feed.
	ReattachInitial time.Duration
	ReattachMax     time.Duration
}

// Reconciler owns the device state. Create one with New, start it with
// Run and hand it to control.NewDispatcher as the Loop.
type Reconciler struct {
	store     realtime.Store
	cfg       Config
	alerts    *alerting.Engine
	events    EventLog
	telemetry Telemetry
	hub       Broadcaster
	logger    Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	ops      chan op
	stopped  chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	view atomic.Pointer[View]

	feedMu sync.Mutex
	feeds  map[Feed]FeedStatus

	// Owned by the loop goroutine.
	rec        *device.Record
	thresholds *device.Thresholds
	relay      relayTracker
}

type op struct {
	fn   func(*device.Record)
	done chan struct{}
}

// Option configures optional collaborators.
type Option func(*Reconciler)

// WithEventLog sets where alerts and relay transitions are recorded.
func WithEventLog(e EventLog) Option {
	return func(r *Reconciler) { r.events = e }
}

// WithTelemetry sets the time series sink.
func WithTelemetry(t Telemetry) Option {
	return func(r *Reconciler) { r.telemetry = t }
}

// WithBroadcaster sets the live client hub.
func WithBroadcaster(b Broadcaster) Option {
	return func(r *Reconciler) { r.hub = b }
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics sets the collectors the reconciler updates.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New creates a reconciler reading from store.
func New(store realtime.Store, alerts *alerting.Engine, cfg Config, opts ...Option) *Reconciler {
	if cfg.RelayLogMode == "" {
		cfg.RelayLogMode = RelayLogChange
	}
	if cfg.ReattachInitial <= 0 {
		cfg.ReattachInitial = 500 * time.Millisecond
	}
	if cfg.ReattachMax <= 0 {
		cfg.ReattachMax = 30 * time.Second
	}
	r := &Reconciler{
		store:   store,
		cfg:     cfg,
		alerts:  alerts,
		logger:  noopLogger{},
		now:     time.Now,
		ops:     make(chan op),
		stopped: make(chan struct{}),
		feeds:   make(map[Feed]FeedStatus),
		rec:     device.NewRecord(),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, f := range r.feedList() {
		r.feeds[f.name] = FeedStatus{Path: f.path, State: FeedAttaching}
	}
	r.publish()
	return r
}

// Run attaches the feeds and processes deliveries and commands until ctx
// is cancelled. Every subscription is closed before Run returns, and
// commands still waiting for the loop then fail with ErrStopped.
func (r *Reconciler) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("core: reconciler already running")
	}
	defer r.stop()

	g, gctx := errgroup.WithContext(ctx)
	deliveries := make(chan delivery)

	g.Go(func() error { return r.loop(gctx, deliveries) })
	for _, f := range r.feedList() {
		f := f
		g.Go(func() error { return r.pump(gctx, f, deliveries) })
	}

	r.logger.Info("reconciler started",
		"sensors", r.cfg.Paths.Sensors,
		"relay", r.cfg.Paths.Relay,
		"settings", r.cfg.Paths.Settings,
		"relay_log_mode", r.cfg.RelayLogMode,
	)

	err := g.Wait()
	r.logger.Info("reconciler stopped")
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (r *Reconciler) stop() {
	r.stopOnce.Do(func() { close(r.stopped) })
}

// Done is closed once Run has returned.
func (r *Reconciler) Done() <-chan struct{} {
	return r.stopped
}

// Do implements control.Loop. fn runs on the owner goroutine with
// exclusive access to the record; the reconciler then reacts to whatever
// fn changed as it would to a feed delivery.
func (r *Reconciler) Do(ctx context.Context, fn func(*device.Record)) error {
	o := op{fn: fn, done: make(chan struct{})}
	select {
	case r.ops <- o:
	case <-r.stopped:
		return control.ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	// Once accepted, fn runs to completion.
	<-o.done
	return nil
}

// View returns the latest published snapshot.
func (r *Reconciler) View() *View {
	return r.view.Load()
}

// State returns the latest published device state.
func (r *Reconciler) State() device.State {
	return r.view.Load().State
}

func (r *Reconciler) loop(ctx context.Context, deliveries <-chan delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-deliveries:
			r.handleDelivery(ctx, d)
		case o := <-r.ops:
			before, known := r.rec.State(), r.rec.Known()
			o.fn(r.rec)
			close(o.done)
			if changed := device.Diff(before, r.rec.State()); changed != 0 || known != r.rec.Known() {
				r.afterChange(ctx, changed)
			}
		}
	}
}

// afterChange runs after every mutation of the record.
func (r *Reconciler) afterChange(ctx context.Context, changed device.FieldSet) {
	view := r.publish()
	r.evaluateAlerts(ctx)
	if changed != 0 && r.hub != nil {
		r.hub.Broadcast(ChannelState, view.State)
	}
}

func (r *Reconciler) evaluateAlerts(ctx context.Context) {
	if r.alerts == nil {
		return
	}
	for _, ev := range r.alerts.Evaluate(r.rec.State(), r.rec.Known(), r.thresholds) {
		r.logger.Info("threshold alert", "type", string(ev.Type), "value", ev.Value, "threshold", ev.Threshold)
		if r.metrics != nil {
			r.metrics.Alerts.WithLabelValues(string(ev.Type)).Inc()
		}
		r.appendEvent(ctx, ev.Type.Topic(), ev)
		if r.hub != nil {
			r.hub.Broadcast(ChannelAlert, ev)
		}
	}
}

func (r *Reconciler) appendEvent(ctx context.Context, topic string, record any) {
	if r.events == nil {
		return
	}
	if _, err := r.events.Append(ctx, topic, record); err != nil {
		r.logger.Warn("event not recorded", "topic", topic, "error", err)
		return
	}
	if r.hub != nil {
		r.hub.Broadcast(ChannelEvent, map[string]any{"topic": topic, "record": record})
	}
}
