// Package mqtt provides the broker connection used by the C-Bus bridge.
//
// The bridge talks to the rest of Gray Logic only through MQTT:
//
//	C-Gate ↔ cbus bridge ↔ MQTT broker ↔ Gray Logic Core
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Publishing with QoS validation and a payload size limit
//   - Subscriptions that are restored after reconnect
//   - Last Will and Testament pointing at the bridge health topic
//
// Topic builders live in topics.go and follow the flat scheme
// graylogic/{category}/{protocol}/{address}.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, mqtt.Will{
//	    Topic:   mqtt.Topics{}.BridgeHealth("cbus"),
//	    Payload: lwt,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
// Use TLS (cfg.Broker.TLS) for any broker reachable off-host.
package mqtt
