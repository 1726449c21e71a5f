package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func nextWithin(t *testing.T, sub *Subscription, d time.Duration) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	snap, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next(%s): %v", sub.Path(), err)
	}
	return snap
}

func expectNothing(t *testing.T, sub *Subscription) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if snap, err := sub.Next(ctx); err == nil {
		t.Fatalf("unexpected snapshot on %s: %s", sub.Path(), snap.Value)
	}
}

func decodeMap(t *testing.T, snap Snapshot) map[string]any {
	t.Helper()
	var m map[string]any
	if err := snap.Decode(&m); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return m
}

// ─── Watch ──────────────────────────────────────────────────────────

func TestMemoryStore_WatchEmptyPathDeliversEmpty(t *testing.T) {
	store := NewMemoryStore()
	sub, err := store.Watch(context.Background(), "esp/setting")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer sub.Close()

	snap := nextWithin(t, sub, time.Second)
	if !snap.Empty {
		t.Fatalf("snapshot = %s, want Empty", snap.Value)
	}
	if snap.Seq != 1 {
		t.Errorf("Seq = %d, want 1", snap.Seq)
	}
	if err := snap.Decode(&map[string]any{}); err == nil {
		t.Error("Decode of empty snapshot should fail")
	}
}

func TestMemoryStore_WatchDeliversCurrentValue(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Set(ctx, "esp/sensors/relay", map[string]any{"autoMode": true, "relayStatus": false}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	sub, err := store.Watch(ctx, "esp/sensors/relay")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer sub.Close()

	m := decodeMap(t, nextWithin(t, sub, time.Second))
	if m["autoMode"] != true || m["relayStatus"] != false {
		t.Errorf("value = %v", m)
	}
}

func TestMemoryStore_ChildWriteNotifiesParent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.Set(ctx, "esp/sensors/relay", map[string]any{"autoMode": false, "schedMode": true}) //nolint:errcheck

	sub, _ := store.Watch(ctx, "esp/sensors/relay")
	defer sub.Close()
	nextWithin(t, sub, time.Second)

	if err := store.Set(ctx, "esp/sensors/relay/autoMode", true); err != nil {
		t.Fatalf("Set child: %v", err)
	}

	m := decodeMap(t, nextWithin(t, sub, time.Second))
	if m["autoMode"] != true || m["schedMode"] != true {
		t.Errorf("merged subtree = %v", m)
	}
}

func TestMemoryStore_ParentWriteNotifiesChild(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub, _ := store.Watch(ctx, "esp/sensors/relay/relayStatus")
	defer sub.Close()
	if !nextWithin(t, sub, time.Second).Empty {
		t.Fatal("initial snapshot not empty")
	}

	store.Set(ctx, "esp/sensors/relay", map[string]any{"relayStatus": true}) //nolint:errcheck

	var on bool
	if err := nextWithin(t, sub, time.Second).Decode(&on); err != nil || !on {
		t.Fatalf("relayStatus = %v (%v), want true", on, err)
	}
}

func TestMemoryStore_UnrelatedWriteDoesNotNotify(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub, _ := store.Watch(ctx, "esp/setting")
	defer sub.Close()
	nextWithin(t, sub, time.Second)

	store.Set(ctx, "esp/sensors/relay/relayStatus", true) //nolint:errcheck
	store.Set(ctx, "esp/settings", 1)                     //nolint:errcheck

	expectNothing(t, sub)
}

func TestMemoryStore_UnchangedWriteDoesNotNotify(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.Set(ctx, "esp/setting", map[string]any{"smPercent1Parameter": 20}) //nolint:errcheck

	sub, _ := store.Watch(ctx, "esp/setting")
	defer sub.Close()
	nextWithin(t, sub, time.Second)

	store.Set(ctx, "esp/setting", map[string]any{"smPercent1Parameter": 20}) //nolint:errcheck
	expectNothing(t, sub)
}

func TestMemoryStore_LastValueWins(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub, _ := store.Watch(ctx, "client/sensors/soilMoisture/soil1")
	defer sub.Close()

	for _, v := range []int{10, 11, 12, 13} {
		store.Set(ctx, "client/sensors/soilMoisture/soil1", v) //nolint:errcheck
	}

	snap := nextWithin(t, sub, time.Second)
	if string(snap.Value) != "13" {
		t.Errorf("value = %s, want 13", snap.Value)
	}
	// Empty + four writes: the sequence counts every delivery.
	if snap.Seq != 5 {
		t.Errorf("Seq = %d, want 5", snap.Seq)
	}
	expectNothing(t, sub)
}

func TestMemoryStore_DeleteDeliversEmpty(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.Set(ctx, "esp/schedules/1", map[string]any{"start_time": "06:00"}) //nolint:errcheck

	sub, _ := store.Watch(ctx, "esp/schedules")
	defer sub.Close()
	nextWithin(t, sub, time.Second)

	if err := store.Delete(ctx, "esp/schedules/1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !nextWithin(t, sub, time.Second).Empty {
		t.Error("collection not empty after deleting its only child")
	}
}

func TestMemoryStore_NullMembersAreDropped(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.Set(ctx, "esp/setting", json.RawMessage(`{"a":1,"b":null,"c":{}}`)) //nolint:errcheck

	m := decodeMap(t, store.Get("esp/setting"))
	if len(m) != 1 || m["a"] != float64(1) {
		t.Errorf("value = %v, want only a", m)
	}
}

// ─── Push / keys ────────────────────────────────────────────────────

func TestMemoryStore_PushOrderedKeys(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	k1, err := store.Push(ctx, "events/relay", map[string]any{"message": "one"})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	k2, _ := store.Push(ctx, "events/relay", map[string]any{"message": "two"})

	if !(k1 < k2) {
		t.Errorf("keys not ordered: %q !< %q", k1, k2)
	}
	m := decodeMap(t, store.Get("events/relay"))
	if len(m) != 2 {
		t.Errorf("children = %d, want 2", len(m))
	}
}

func TestNewKey(t *testing.T) {
	ts := time.UnixMilli(1718000000123)
	key := NewKey(ts)
	if !strings.HasPrefix(key, "1718000000123-") || len(key) != 13+1+8 {
		t.Errorf("NewKey() = %q", key)
	}
	if NewKey(ts) == key {
		t.Error("keys in the same millisecond collide")
	}
}

// ─── Hooks and errors ───────────────────────────────────────────────

func TestMemoryStore_WriteHookRejects(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.SetWriteHook(func(path string, _ any) error {
		if path == "esp/sensors/relay/relayStatus" {
			return errors.New("permission denied")
		}
		return nil
	})

	err := store.Set(ctx, "esp/sensors/relay/relayStatus", true)
	if !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("Set error = %v, want ErrWriteFailed", err)
	}
	if !store.Get("esp/sensors/relay/relayStatus").Empty {
		t.Error("rejected write was applied")
	}
	if err := store.Set(ctx, "esp/sensors/relay/autoMode", true); err != nil {
		t.Errorf("other path rejected: %v", err)
	}
}

func TestMemoryStore_WatchHookFails(t *testing.T) {
	store := NewMemoryStore()
	store.SetWatchHook(func(string) error { return errors.New("offline") })

	if _, err := store.Watch(context.Background(), "client/sensors"); !errors.Is(err, ErrWatchFailed) {
		t.Errorf("Watch error = %v, want ErrWatchFailed", err)
	}
}

func TestMemoryStore_InvalidPathAndCancelledContext(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Watch(context.Background(), "/"); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("Watch(/) error = %v", err)
	}
	if err := store.Set(context.Background(), "", 1); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("Set(\"\") error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := store.Set(ctx, "a", 1); !errors.Is(err, context.Canceled) {
		t.Errorf("Set(cancelled) error = %v", err)
	}
}

func TestRead(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.Set(ctx, "esp/setting/waterTankParameter", 25) //nolint:errcheck

	snap, err := Read(ctx, store, "esp/setting")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if m := decodeMap(t, snap); m["waterTankParameter"] != float64(25) {
		t.Errorf("value = %v", m)
	}
}
