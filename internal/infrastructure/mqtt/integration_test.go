//go:build integration

package mqtt

import (
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/irrigation-core/internal/infrastructure/config"
)

// Integration tests against a live broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...

func integrationConfig(clientID string) config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: clientID,
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

func TestIntegration_SubscriptionTracking(t *testing.T) {
	client, err := Connect(integrationConfig("irrigation-int-sub-track"))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	filter := Topics{}.Subtree("irrigation/int/tracking")
	if err := client.Subscribe(filter, 1, func(string, []byte) error { return nil }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !client.HasSubscription(filter) {
		t.Errorf("HasSubscription(%q) = false", filter)
	}
	if err := client.Unsubscribe(filter); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if client.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", client.SubscriptionCount())
	}
}

// A retained value published before subscribing is replayed to the new
// subscriber; the realtime store relies on this for "current value on attach".
func TestIntegration_RetainedReplay(t *testing.T) {
	pub, err := Connect(integrationConfig("irrigation-int-pub"))
	if err != nil {
		t.Fatalf("Connect() publisher error = %v", err)
	}
	defer pub.Close()

	topic := "irrigation/int/retained/relayStatus"
	if err := pub.PublishRetained(topic, []byte("true")); err != nil {
		t.Fatalf("PublishRetained() error = %v", err)
	}
	defer pub.PublishRetained(topic, nil)

	sub, err := Connect(integrationConfig("irrigation-int-sub"))
	if err != nil {
		t.Fatalf("Connect() subscriber error = %v", err)
	}
	defer sub.Close()

	received := make(chan string, 1)
	var once sync.Once
	err = sub.Subscribe(Topics{}.Subtree("irrigation/int/retained"), 1, func(_ string, p []byte) error {
		once.Do(func() { received <- string(p) })
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	select {
	case msg := <-received:
		if msg != "true" {
			t.Errorf("retained payload = %q, want true", msg)
		}
	case <-time.After(5 * time.Second):
		t.Error("timeout waiting for retained message")
	}
}

func TestIntegration_Callbacks(t *testing.T) {
	client, err := Connect(integrationConfig("irrigation-int-callbacks"))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	client.SetOnConnect(func() {})
	client.SetOnDisconnect(func(error) {})
	client.SetOnConnect(nil)
	client.SetOnDisconnect(nil)

	if !client.IsConnected() {
		t.Error("IsConnected() = false")
	}
}
