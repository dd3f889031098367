// Package mqtt provides the MQTT client used by the hub's device bridges.
//
// This package manages:
//   - Connection to the broker with auto-reconnect and backoff
//   - Publishing with QoS and retained messages
//   - Wildcard subscriptions that survive reconnects
//   - A retained last will on <prefix>/status for offline detection
//   - Topic builders for the statestream layout
//
// # Architecture
//
//	State Store ──► statestream bridge ──► <prefix>/state/<domain>/<object_id>
//	State Store ◄── statestream bridge ◄── <prefix>/set/<domain>/<object_id>
//	                        │
//	                  mqtt.Client ◄──► broker
//
// # Security Considerations
//
//   - Enable TLS (mqtt.broker.tls) when the broker is not on localhost
//   - Pass credentials through GRAYLOGIC_MQTT_USERNAME and GRAYLOGIC_MQTT_PASSWORD
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topics := client.Topics()
//	err = client.PublishRetained(topics.State("light", "kitchen"), payload)
package mqtt
