// Package mqtt provides MQTT client connectivity for the irrigation core.
//
// This package manages:
//   - Connection to the device broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support, restored on reconnect
//   - Last Will and Testament (LWT) for offline detection
//
// # Architecture
//
// The ESP controller and the core share one broker. The controller keeps
// its state as retained messages, which makes the broker behave like a
// tree-shaped realtime store:
//
//	ESP controller ↔ MQTT Broker ↔ irrigation core ↔ dashboards
//
// # Security Considerations
//
//   - Enable TLS (cfg.Broker.TLS=true) when the broker is off-host
//   - Credentials are checked against the broker ACL
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.Subtree("esp/sensors/relay"), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("relay update: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	client.Publish("esp/sensors/relay/relayStatus", []byte("true"), 1, true)
package mqtt
