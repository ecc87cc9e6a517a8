// Package mqtt provides MQTT client connectivity for Open Peer Power.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support, restored on reconnect
//   - Last Will and Testament (LWT) for offline detection
//
// The mqtt_eventstream component uses it to mirror the event bus between
// instances:
//
//	Open Peer Power A ↔ MQTT Broker ↔ Open Peer Power B
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe("openpeerpower/remote/events", 1,
//	    func(topic string, payload []byte) error {
//	        return handle(payload)
//	    })
//
//	err = client.PublishJSON("openpeerpower/events", event, 1, false)
package mqtt
