package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nerrad567/irrigation-core/internal/alerting"
	"github.com/nerrad567/irrigation-core/internal/control"
	"github.com/nerrad567/irrigation-core/internal/device"
	"github.com/nerrad567/irrigation-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/irrigation-core/internal/metrics"
	"github.com/nerrad567/irrigation-core/internal/realtime"
)

const (
	sensorsPath  = "client/sensors"
	relayPath    = "esp/sensors/relay"
	settingsPath = "esp/setting"
)

var testPaths = Paths{Sensors: sensorsPath, Relay: relayPath, Settings: settingsPath}

type loggedEvent struct {
	topic  string
	record any
}

type recordingLog struct {
	mu     sync.Mutex
	events []loggedEvent
	err    error
}

func (l *recordingLog) Append(_ context.Context, topic string, record any) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return "", l.err
	}
	l.events = append(l.events, loggedEvent{topic: topic, record: record})
	return realtime.NewKey(time.Now()), nil
}

func (l *recordingLog) topic(topic string) []any {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []any
	for _, e := range l.events {
		if e.topic == topic {
			out = append(out, e.record)
		}
	}
	return out
}

type recordingHub struct {
	mu   sync.Mutex
	msgs map[string][]any
}

func (h *recordingHub) Broadcast(channel string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.msgs == nil {
		h.msgs = make(map[string][]any)
	}
	h.msgs[channel] = append(h.msgs[channel], payload)
}

func (h *recordingHub) channel(name string) []any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]any(nil), h.msgs[name]...)
}

type fakeTelemetry struct {
	mu      sync.Mutex
	sensors []influxdb.SensorReading
	relays  int
}

func (f *fakeTelemetry) WriteSensorReading(_ string, r influxdb.SensorReading, _ time.Time) {
	f.mu.Lock()
	f.sensors = append(f.sensors, r)
	f.mu.Unlock()
}

func (f *fakeTelemetry) WriteRelayState(string, bool, bool, bool, time.Time) {
	f.mu.Lock()
	f.relays++
	f.mu.Unlock()
}

type harness struct {
	store  *realtime.MemoryStore
	rec    *Reconciler
	events *recordingLog
	hub    *recordingHub
	tel    *fakeTelemetry
	m      *metrics.Metrics
	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, store *realtime.MemoryStore, cfg Config) *harness {
	t.Helper()
	if store == nil {
		store = realtime.NewMemoryStore()
	}
	cfg.Paths = testPaths
	cfg.SiteID = "garden-test"
	if cfg.ReattachInitial == 0 {
		cfg.ReattachInitial = 5 * time.Millisecond
		cfg.ReattachMax = 20 * time.Millisecond
	}
	h := &harness{
		store:  store,
		events: &recordingLog{},
		hub:    &recordingHub{},
		tel:    &fakeTelemetry{},
		m:      metrics.New(),
		done:   make(chan error, 1),
	}
	h.rec = New(store, alerting.NewEngine(alerting.Config{WaterTank: true}), cfg,
		WithEventLog(h.events),
		WithBroadcaster(h.hub),
		WithTelemetry(h.tel),
		WithMetrics(h.m),
	)
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.rec.Run(ctx) }()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.rec.Done()
}

func (h *harness) set(t *testing.T, path string, value any) {
	t.Helper()
	if err := h.store.Set(context.Background(), path, value); err != nil {
		t.Fatalf("Set(%s): %v", path, err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// settle gives the loop time to process anything already delivered.
func settle() {
	time.Sleep(40 * time.Millisecond)
}

// ─── Merging ────────────────────────────────────────────────────────

func TestReconciler_FeedsMergeIndependently(t *testing.T) {
	h := newHarness(t, nil, Config{})

	h.set(t, relayPath, map[string]any{"relayStatus": true})
	h.set(t, sensorsPath, map[string]any{
		"soilMoisture": map[string]any{"soil1": 40, "soil2": 55},
		"dht":          map[string]any{"temperature": 21.5, "humidity": 60},
	})
	eventually(t, "both feeds merged", func() bool {
		s := h.rec.State()
		return s.RelayStatus && s.SoilMoisture1 == 40 && s.Humidity == 60
	})

	h.set(t, sensorsPath+"/soilMoisture/soil1", 30)
	eventually(t, "soil1=30", func() bool { return h.rec.State().SoilMoisture1 == 30 })

	s := h.rec.State()
	if !s.RelayStatus {
		t.Error("sensor delivery overwrote relayStatus")
	}
	if s.SoilMoisture2 != 55 || s.Temperature != 21.5 {
		t.Errorf("state = %+v, other sensor fields lost", s)
	}
}

func TestReconciler_SensorFeedCannotSetModes(t *testing.T) {
	h := newHarness(t, nil, Config{})

	h.set(t, sensorsPath, map[string]any{
		"soilMoisture": map[string]any{"soil1": 40},
		"settings":     map[string]any{"autoMode": true},
	})
	eventually(t, "soil1", func() bool { return h.rec.State().SoilMoisture1 == 40 })

	if h.rec.State().AutoMode {
		t.Error("mirrored settings.autoMode was merged into state")
	}
}

func TestReconciler_EmptySensorsKeepsLastValues(t *testing.T) {
	h := newHarness(t, nil, Config{})

	h.set(t, sensorsPath, map[string]any{"soilMoisture": map[string]any{"soil1": 40}})
	eventually(t, "soil1", func() bool { return h.rec.State().SoilMoisture1 == 40 })

	if err := h.store.Delete(context.Background(), sensorsPath); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	settle()

	v := h.rec.View()
	if v.State.SoilMoisture1 != 40 {
		t.Errorf("soil1 = %v after empty delivery, want 40", v.State.SoilMoisture1)
	}
	if !v.Known.Has(device.FieldSoilMoisture1) {
		t.Error("soil1 no longer known")
	}
}

func TestReconciler_InvalidPayloadIsCountedAndSkipped(t *testing.T) {
	h := newHarness(t, nil, Config{})

	h.set(t, sensorsPath, map[string]any{"soilMoisture": map[string]any{"soil1": 40}})
	eventually(t, "soil1", func() bool { return h.rec.State().SoilMoisture1 == 40 })

	h.set(t, sensorsPath, "garbage")
	eventually(t, "feed error", func() bool {
		return testutil.ToFloat64(h.m.FeedErrors.WithLabelValues(string(FeedSensors))) == 1
	})
	settle()
	if got := h.rec.State().SoilMoisture1; got != 40 {
		t.Errorf("soil1 = %v, want 40", got)
	}
}

func TestReconciler_BothModesOnIsNormalized(t *testing.T) {
	h := newHarness(t, nil, Config{})

	h.set(t, relayPath, map[string]any{"autoMode": true, "schedMode": true})
	eventually(t, "mode correction", func() bool {
		return testutil.ToFloat64(h.m.ModeCorrections) == 1 && h.rec.View().Known.Has(device.FieldAutoMode)
	})

	s := h.rec.State()
	if s.AutoMode == s.SchedMode {
		t.Errorf("autoMode=%v schedMode=%v, want exactly one", s.AutoMode, s.SchedMode)
	}
}

func TestReconciler_StateBroadcastOnChange(t *testing.T) {
	h := newHarness(t, nil, Config{})

	h.set(t, relayPath, map[string]any{"relayStatus": true})
	eventually(t, "device.state broadcast", func() bool {
		for _, msg := range h.hub.channel(ChannelState) {
			if s, ok := msg.(device.State); ok && s.RelayStatus {
				return true
			}
		}
		return false
	})
}

func TestReconciler_TelemetryRecordsSensorReadings(t *testing.T) {
	h := newHarness(t, nil, Config{})

	h.set(t, sensorsPath, map[string]any{"soilMoisture": map[string]any{"soil1": 40}})
	eventually(t, "telemetry write", func() bool {
		h.tel.mu.Lock()
		defer h.tel.mu.Unlock()
		return len(h.tel.sensors) > 0
	})

	h.tel.mu.Lock()
	r := h.tel.sensors[0]
	h.tel.mu.Unlock()
	if r.SoilMoisture1 == nil || *r.SoilMoisture1 != 40 {
		t.Errorf("SoilMoisture1 = %v, want 40", r.SoilMoisture1)
	}
	if r.Temperature != nil {
		t.Error("undelivered temperature was written")
	}
}

// ─── Alerts ─────────────────────────────────────────────────────────

func TestReconciler_AlertAfterSettingsThenLowReading(t *testing.T) {
	h := newHarness(t, nil, Config{})

	h.set(t, settingsPath, map[string]any{"smPercent1Parameter": 20})
	eventually(t, "thresholds", func() bool { return h.rec.View().Thresholds != nil })

	h.set(t, sensorsPath, map[string]any{"soilMoisture": map[string]any{"soil1": 15, "soil2": 90}})
	eventually(t, "alert", func() bool { return len(h.events.topic(alerting.TopicSoilMoisture)) > 0 })
	settle()

	alerts := h.events.topic(alerting.TopicSoilMoisture)
	if len(alerts) != 1 {
		t.Fatalf("got %d soil alerts, want 1", len(alerts))
	}
	ev, ok := alerts[0].(alerting.Event)
	if !ok {
		t.Fatalf("record type %T, want alerting.Event", alerts[0])
	}
	if ev.Type != alerting.MetricSoil1Low || ev.Value != 15 || ev.Threshold != 20 {
		t.Errorf("alert = %+v, want soil_1_low 15/20", ev)
	}
	if got := len(h.hub.channel(ChannelAlert)); got != 1 {
		t.Errorf("alert broadcasts = %d, want 1", got)
	}
	if got := testutil.ToFloat64(h.m.Alerts.WithLabelValues(string(alerting.MetricSoil1Low))); got != 1 {
		t.Errorf("alerts metric = %v, want 1", got)
	}
}

func TestReconciler_NoAlertsWithoutSettings(t *testing.T) {
	h := newHarness(t, nil, Config{})

	h.set(t, sensorsPath, map[string]any{
		"soilMoisture": map[string]any{"soil1": 1, "soil2": 1},
		"ultrasonic":   map[string]any{"waterTankPercent": 1},
	})
	eventually(t, "soil1", func() bool { return h.rec.State().SoilMoisture1 == 1 })
	settle()

	if got := len(h.hub.channel(ChannelAlert)); got != 0 {
		t.Errorf("alerts = %d without settings, want 0", got)
	}
}

func TestReconciler_EmptySettingsDisablesAlerts(t *testing.T) {
	h := newHarness(t, nil, Config{})

	h.set(t, settingsPath, map[string]any{"smPercent1Parameter": 20})
	eventually(t, "thresholds", func() bool { return h.rec.View().Thresholds != nil })
	if err := h.store.Delete(context.Background(), settingsPath); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	eventually(t, "thresholds cleared", func() bool { return h.rec.View().Thresholds == nil })

	h.set(t, sensorsPath, map[string]any{"soilMoisture": map[string]any{"soil1": 5}})
	eventually(t, "soil1", func() bool { return h.rec.State().SoilMoisture1 == 5 })
	settle()

	if got := len(h.hub.channel(ChannelAlert)); got != 0 {
		t.Errorf("alerts = %d, want 0", got)
	}
}

// ─── Relay log ──────────────────────────────────────────────────────

func TestReconciler_RelayLogChangeOnly(t *testing.T) {
	h := newHarness(t, nil, Config{})

	h.set(t, relayPath, map[string]any{"relayStatus": false})
	eventually(t, "relay feed", func() bool { return h.rec.View().Known.Has(device.FieldRelayStatus) })

	h.set(t, relayPath+"/firmware", "1.2.0")
	settle()
	if got := len(h.events.topic(TopicRelay)); got != 0 {
		t.Fatalf("relay events = %d before any change, want 0", got)
	}

	h.set(t, relayPath+"/relayStatus", true)
	eventually(t, "relay event", func() bool { return len(h.events.topic(TopicRelay)) == 1 })

	ev := h.events.topic(TopicRelay)[0].(RelayEvent)
	if !ev.RelayStatus || ev.Message != "Relay turned ON" {
		t.Errorf("event = %+v", ev)
	}
}

func TestReconciler_RelayLogEveryDelivery(t *testing.T) {
	h := newHarness(t, nil, Config{RelayLogMode: RelayLogEvery})

	h.set(t, relayPath, map[string]any{"relayStatus": false})
	eventually(t, "first event", func() bool { return len(h.events.topic(TopicRelay)) == 1 })

	h.set(t, relayPath+"/firmware", "1.2.0")
	eventually(t, "second event", func() bool { return len(h.events.topic(TopicRelay)) == 2 })

	h.set(t, relayPath+"/schedMode", true)
	eventually(t, "third event", func() bool { return len(h.events.topic(TopicRelay)) == 3 })

	ev := h.events.topic(TopicRelay)[2].(RelayEvent)
	if ev.Message != "Mode changed to scheduled" {
		t.Errorf("message = %q", ev.Message)
	}
}

func TestReconciler_EventLogFailureIsSwallowed(t *testing.T) {
	h := newHarness(t, nil, Config{RelayLogMode: RelayLogEvery})
	h.events.mu.Lock()
	h.events.err = errors.New("disk full")
	h.events.mu.Unlock()

	h.set(t, relayPath, map[string]any{"relayStatus": true})
	eventually(t, "relay applied", func() bool { return h.rec.State().RelayStatus })

	h.set(t, relayPath+"/relayStatus", false)
	eventually(t, "relay cleared", func() bool { return !h.rec.State().RelayStatus })
}

// ─── Feeds ──────────────────────────────────────────────────────────

func TestReconciler_ReattachesFailedFeed(t *testing.T) {
	store := realtime.NewMemoryStore()
	var (
		mu       sync.Mutex
		failures = 3
	)
	store.SetWatchHook(func(path string) error {
		if path != relayPath {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return errors.New("permission denied")
		}
		return nil
	})
	if err := store.Set(context.Background(), relayPath, map[string]any{"relayStatus": true}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	h := newHarness(t, store, Config{})

	eventually(t, "relay attached", func() bool {
		return h.rec.Feeds()[FeedRelay].State == FeedAttached
	})
	eventually(t, "relay state", func() bool { return h.rec.State().RelayStatus })

	notices := h.hub.channel(ChannelNotice)
	if len(notices) < 2 {
		t.Fatalf("notices = %d, want lost and recovered", len(notices))
	}
	first, last := notices[0].(Notice), notices[len(notices)-1].(Notice)
	if first.State != FeedUnavailable || last.State != FeedAttached {
		t.Errorf("notices = %+v ... %+v", first, last)
	}
	if got := testutil.ToFloat64(h.m.FeedErrors.WithLabelValues(string(FeedRelay))); got != 3 {
		t.Errorf("feed errors = %v, want 3", got)
	}
}

func TestReconciler_FailedFeedDoesNotBlockOthers(t *testing.T) {
	store := realtime.NewMemoryStore()
	store.SetWatchHook(func(path string) error {
		if path == settingsPath {
			return errors.New("unavailable")
		}
		return nil
	})
	h := newHarness(t, store, Config{})

	h.set(t, sensorsPath, map[string]any{"soilMoisture": map[string]any{"soil1": 33}})
	eventually(t, "soil1", func() bool { return h.rec.State().SoilMoisture1 == 33 })
	eventually(t, "settings unavailable", func() bool {
		return h.rec.View().Feeds[FeedSettings].State == FeedUnavailable
	})

	st := h.rec.View().Feeds[FeedSettings]
	if st.State != FeedUnavailable || !strings.Contains(st.LastError, "unavailable") {
		t.Errorf("settings feed = %+v", st)
	}
}

// ─── Lifecycle ──────────────────────────────────────────────────────

func TestReconciler_DoAfterStopReturnsErrStopped(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.stop()

	if err := <-h.done; err != nil {
		t.Fatalf("Run = %v, want nil on cancel", err)
	}
	err := h.rec.Do(context.Background(), func(*device.Record) {})
	if !errors.Is(err, control.ErrStopped) {
		t.Fatalf("Do = %v, want ErrStopped", err)
	}
}

func TestReconciler_RunTwiceFails(t *testing.T) {
	h := newHarness(t, nil, Config{})
	eventually(t, "feeds attached", func() bool {
		return h.rec.Feeds()[FeedSettings].State == FeedAttached
	})
	if err := h.rec.Run(context.Background()); err == nil {
		t.Fatal("second Run succeeded")
	}
}

func TestReconciler_DoRespectsContext(t *testing.T) {
	store := realtime.NewMemoryStore()
	r := New(store, nil, Config{Paths: testPaths})

	// Not running: nothing receives the op.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Do(ctx, func(*device.Record) {}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Do = %v, want DeadlineExceeded", err)
	}
}

// ─── Commands ───────────────────────────────────────────────────────

func TestReconciler_DispatchConfirmedThroughFeed(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.set(t, relayPath, map[string]any{"relayStatus": false, "autoMode": false, "schedMode": false})
	eventually(t, "relay feed", func() bool { return h.rec.View().Known.Has(device.FieldRelayStatus) })

	d := control.NewDispatcher(h.rec, h.store, control.Config{Paths: control.Paths{
		RelayStatus: relayPath + "/relayStatus",
		AutoMode:    relayPath + "/autoMode",
		SchedMode:   relayPath + "/schedMode",
	}})
	cmd, err := d.Dispatch(context.Background(), device.FieldRelayStatus, true)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if cmd.Outcome != control.Confirmed {
		t.Errorf("outcome = %s", cmd.Outcome)
	}
	if !h.rec.State().RelayStatus {
		t.Error("optimistic value not visible after Dispatch")
	}
	eventually(t, "confirmed relay logged", func() bool { return len(h.events.topic(TopicRelay)) == 1 })
}

func TestReconciler_DispatchRolledBack(t *testing.T) {
	h := newHarness(t, nil, Config{})
	h.set(t, relayPath, map[string]any{"relayStatus": false})
	eventually(t, "relay feed", func() bool { return h.rec.View().Known.Has(device.FieldRelayStatus) })

	h.store.SetWriteHook(func(path string, _ any) error {
		if strings.HasSuffix(path, "relayStatus") {
			return errors.New("network unreachable")
		}
		return nil
	})
	d := control.NewDispatcher(h.rec, h.store, control.Config{Paths: control.Paths{
		RelayStatus: relayPath + "/relayStatus",
	}})
	cmd, err := d.Dispatch(context.Background(), device.FieldRelayStatus, true)
	if !errors.Is(err, control.ErrCommandFailed) {
		t.Fatalf("Dispatch = %v, want ErrCommandFailed", err)
	}
	if cmd.Outcome != control.RolledBack {
		t.Errorf("outcome = %s, want rolled_back", cmd.Outcome)
	}
	if h.rec.State().RelayStatus {
		t.Error("relayStatus still true after rollback")
	}
}
