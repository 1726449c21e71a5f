// Package realtime provides the tree-shaped realtime store the irrigation
// core reads its feeds from and writes its commands to.
//
// A Store exposes three primitives over slash-separated paths:
//
//   - Watch: a Subscription delivering whole-subtree snapshots, once on
//     attach (an explicit empty snapshot when nothing is stored) and after
//     every change. Undelivered snapshots are replaced by newer ones.
//   - Set / Delete: replace or remove the value at a path.
//   - Push: append under a new time-ordered child key (audit records).
//
// Two implementations are provided. MQTTStore maps paths to retained MQTT
// topics on the device broker. MemoryStore keeps the tree in process and
// is used in tests and for running without hardware. BreakerStore wraps
// either with a circuit breaker on writes.
//
// Usage:
//
//	store := realtime.WithBreaker(
//	    realtime.NewMQTTStore(mqttClient, realtime.WithEmptyGrace(time.Second)),
//	    realtime.BreakerSettings{Name: "device-writes", MaxFailures: 5, OpenTimeout: 30 * time.Second},
//	)
//
//	sub, err := store.Watch(ctx, "esp/sensors/relay")
//	if err != nil {
//	    return err
//	}
//	defer sub.Close()
//
//	for {
//	    snap, err := sub.Next(ctx)
//	    if err != nil {
//	        return err
//	    }
//	    // snap.Empty or snap.Decode(&v)
//	}
package realtime
