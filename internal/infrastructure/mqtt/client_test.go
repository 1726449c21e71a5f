package mqtt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/nerrad567/irrigation-core/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for testing.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "irrigation-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// fakeMessage satisfies pahomqtt.Message.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return true }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type recordingLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

// ─── Validation (no broker required) ───────────────────────────────

func newUnconnected() *Client {
	return &Client{cfg: testConfig(), subscriptions: make(map[string]subscription)}
}

func TestPublish_Validation(t *testing.T) {
	c := newUnconnected()

	tests := []struct {
		name    string
		topic   string
		qos     byte
		payload []byte
		want    error
	}{
		{"empty topic", "", 1, nil, ErrInvalidTopic},
		{"invalid qos", "esp/setting", 3, nil, ErrInvalidQoS},
		{"oversized payload", "esp/setting", 1, make([]byte, maxPayloadSize+1), ErrPublishFailed},
		{"not connected", "esp/setting", 1, []byte("{}"), ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Publish(tt.topic, tt.payload, tt.qos, true)
			if !errors.Is(err, tt.want) {
				t.Errorf("Publish() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSubscribe_Validation(t *testing.T) {
	c := newUnconnected()
	noop := func(string, []byte) error { return nil }

	if err := c.Subscribe("", 1, noop); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic: error = %v", err)
	}
	if err := c.Subscribe("client/sensors", 5, noop); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("bad qos: error = %v", err)
	}
	if err := c.Subscribe("client/sensors", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("nil handler: error = %v", err)
	}
	if err := c.Subscribe("client/sensors", 1, noop); !errors.Is(err, ErrNotConnected) {
		t.Errorf("disconnected: error = %v", err)
	}
	if c.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", c.SubscriptionCount())
	}
}

func TestUnsubscribe_Validation(t *testing.T) {
	c := newUnconnected()
	if err := c.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic: error = %v", err)
	}
	if err := c.Unsubscribe("client/sensors"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("disconnected: error = %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	c := newUnconnected()
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck(cancelled) error = %v", err)
	}
}

func TestCloseNil(t *testing.T) {
	if err := newUnconnected().Close(); err != nil {
		t.Errorf("Close() on unconnected client error = %v", err)
	}
}

// ─── Handler wrapping ──────────────────────────────────────────────

func TestWrapHandler_RecoversPanic(t *testing.T) {
	c := newUnconnected()
	logger := &recordingLogger{}
	c.SetLogger(logger)

	h := c.wrapHandler(func(string, []byte) error { panic("boom") })
	h(nil, fakeMessage{topic: "client/sensors", payload: []byte("{}")})

	if len(logger.errors) != 1 {
		t.Fatalf("errors logged = %d, want 1", len(logger.errors))
	}
}

func TestWrapHandler_LogsHandlerError(t *testing.T) {
	c := newUnconnected()
	logger := &recordingLogger{}
	c.SetLogger(logger)

	var gotTopic string
	h := c.wrapHandler(func(topic string, _ []byte) error {
		gotTopic = topic
		return errors.New("bad payload")
	})
	h(nil, fakeMessage{topic: "esp/setting", payload: []byte("x")})

	if gotTopic != "esp/setting" {
		t.Errorf("handler topic = %q", gotTopic)
	}
	if len(logger.warns) != 1 {
		t.Errorf("warns logged = %d, want 1", len(logger.warns))
	}
}

func TestWrapHandler_NoLogger(t *testing.T) {
	c := newUnconnected()
	h := c.wrapHandler(func(string, []byte) error { panic("boom") })
	h(nil, fakeMessage{topic: "t"})
}

// ─── Options ───────────────────────────────────────────────────────

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true
	cfg.Auth.Username = "esp"
	cfg.Auth.Password = "secret"

	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "ssl://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want ssl://127.0.0.1:1883", opts.Servers)
	}
	if opts.ClientID != "irrigation-test" {
		t.Errorf("ClientID = %q", opts.ClientID)
	}
	if opts.Username != "esp" {
		t.Errorf("Username = %q", opts.Username)
	}
	if !opts.AutoReconnect || !opts.CleanSession {
		t.Error("expected auto-reconnect and clean session")
	}
	if opts.TLSConfig == nil {
		t.Error("TLSConfig not set with TLS enabled")
	}
}

func TestConfigureLWT(t *testing.T) {
	opts := buildClientOptions(testConfig())
	configureLWT(opts, "irrigation-test")

	if !opts.WillEnabled || opts.WillTopic != (Topics{}).CoreStatus() || !opts.WillRetained {
		t.Errorf("LWT = enabled:%v topic:%q retained:%v", opts.WillEnabled, opts.WillTopic, opts.WillRetained)
	}
	if !strings.Contains(string(opts.WillPayload), `"unexpected_disconnect"`) {
		t.Errorf("WillPayload = %s", opts.WillPayload)
	}
}

func TestStatusPayloads(t *testing.T) {
	if p := buildOnlinePayload("c1"); !strings.Contains(p, `"status":"online"`) {
		t.Errorf("online payload = %s", p)
	}
	if p := buildOfflinePayload("c1"); !strings.Contains(p, `"graceful_shutdown"`) {
		t.Errorf("offline payload = %s", p)
	}
}

// ─── Topics ────────────────────────────────────────────────────────

func TestTopicBuilders(t *testing.T) {
	topics := Topics{}
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"CoreStatus", topics.CoreStatus(), "irrigation/core/status"},
		{"Subtree", topics.Subtree("esp/setting/"), "esp/setting/#"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestJoinSplit(t *testing.T) {
	if got := Join("/events/", "", "relay", "k1/"); got != "events/relay/k1" {
		t.Errorf("Join() = %q", got)
	}
	parts := Split("/esp//sensors/relay/")
	if len(parts) != 3 || parts[0] != "esp" || parts[2] != "relay" {
		t.Errorf("Split() = %v", parts)
	}
}

func TestIsWithin(t *testing.T) {
	tests := []struct {
		topic, root string
		want        bool
	}{
		{"esp/sensors/relay/autoMode", "esp/sensors/relay", true},
		{"esp/sensors/relay", "esp/sensors/relay", true},
		{"esp/sensors/relayX", "esp/sensors/relay", false},
		{"esp/setting", "esp/sensors", false},
		{"anything", "", true},
	}
	for _, tt := range tests {
		if got := IsWithin(tt.topic, tt.root); got != tt.want {
			t.Errorf("IsWithin(%q, %q) = %v, want %v", tt.topic, tt.root, got, tt.want)
		}
	}
}
