package schedule

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/irrigation-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/irrigation-core/internal/realtime"
)

// retainingBroker keeps retained messages and, like a real broker,
// replays them one by one after Subscribe has returned.
type retainingBroker struct {
	mu       sync.Mutex
	retained map[string][]byte
	subs     map[string]mqtt.MessageHandler
}

func newRetainingBroker() *retainingBroker {
	return &retainingBroker{
		retained: make(map[string][]byte),
		subs:     make(map[string]mqtt.MessageHandler),
	}
}

func (b *retainingBroker) Publish(topic string, payload []byte, _ byte, retained bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if retained {
		if len(payload) == 0 {
			delete(b.retained, topic)
		} else {
			b.retained[topic] = payload
		}
	}
	for filter, h := range b.subs {
		if mqtt.IsWithin(topic, strings.TrimSuffix(filter, "/#")) {
			h(topic, payload) //nolint:errcheck
		}
	}
	return nil
}

func (b *retainingBroker) Subscribe(filter string, _ byte, handler mqtt.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[filter] = handler
	var topics []string
	for topic := range b.retained {
		if mqtt.IsWithin(topic, strings.TrimSuffix(filter, "/#")) {
			topics = append(topics, topic)
		}
	}
	sort.Strings(topics)

	go func() {
		for _, topic := range topics {
			time.Sleep(5 * time.Millisecond)
			b.mu.Lock()
			payload, ok := b.retained[topic]
			_, subscribed := b.subs[filter]
			if ok && subscribed {
				handler(topic, payload) //nolint:errcheck
			}
			b.mu.Unlock()
		}
	}()
	return nil
}

func (b *retainingBroker) Unsubscribe(filter string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, filter)
	return nil
}

func (b *retainingBroker) retain(topic, payload string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retained[topic] = []byte(payload)
}

func (b *retainingBroker) payload(topic string) map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	var m map[string]any
	json.Unmarshal(b.retained[topic], &m) //nolint:errcheck // nil map on failure
	return m
}

func mqttStore(b *retainingBroker) *realtime.MQTTStore {
	return realtime.NewMQTTStore(b,
		realtime.WithEmptyGrace(200*time.Millisecond),
		realtime.WithSettle(30*time.Millisecond),
	)
}

// ─── Over MQTT ──────────────────────────────────────────────────────

func TestMQTT_ListAndAddSeeEveryRetainedSchedule(t *testing.T) {
	broker := newRetainingBroker()
	broker.retain(root+"/1", `{"start_time":"06:00","days_of_week":""}`)
	broker.retain(root+"/2", `{"start_time":"12:00","days_of_week":"Mon"}`)
	broker.retain(root+"/3", `{"start_time":"18:00","days_of_week":""}`)
	svc := NewService(mqttStore(broker), root, nil)
	ctx := context.Background()

	list, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("List returned %d schedules, want 3", len(list))
	}

	got, err := svc.Add(ctx, "21:00", "")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got.ID != "4" {
		t.Errorf("Add allocated id %s, want 4", got.ID)
	}
	if p := broker.payload(root + "/2"); p["start_time"] != "12:00" {
		t.Errorf("schedule 2 = %v, want untouched", p)
	}
}

func TestMQTT_UpdateRewritesScheduleNode(t *testing.T) {
	broker := newRetainingBroker()
	svc := NewService(mqttStore(broker), root, nil)
	ctx := context.Background()

	if _, err := svc.Add(ctx, "06:30", ""); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := svc.Update(ctx, "1", "19:45", "Fri"); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if p := broker.payload(root + "/1"); p["start_time"] != "19:45" || p["days_of_week"] != "Fri" {
		t.Errorf("retained %s/1 = %v, want the update", root, p)
	}

	// A restarted core sees the edit.
	fresh := NewService(mqttStore(broker), root, nil)
	got, err := fresh.Get(ctx, "1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.StartTime != "19:45" || got.DaysOfWeek != "Fri" {
		t.Errorf("schedule after restart = %+v", got)
	}
}
