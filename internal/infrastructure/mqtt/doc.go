// Package mqtt provides MQTT client connectivity for the replay bridge.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions, restored after reconnect
//   - Last Will and Testament (LWT) on the bridge health topic
//
// # Architecture
//
// The bridge joins the Gray Logic message bus as one more protocol bridge.
// Commands arrive on graylogic/command/p20hd/{id}; acks, state and session
// status go out on the matching ack, state and status topics.
//
//	Gray Logic Core ↔ MQTT Broker ↔ P-20HD bridge ↔ TCP 8023 ↔ appliance
//
// # Security Considerations
//
//   - Enable TLS (mqtt.broker.tls) whenever the broker is not on localhost
//   - Anonymous access is only for local development
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	topic := mqtt.Topics{}.BridgeCommand(mqtt.ProtocolP20HD, cfg.Bridge.ID)
//	err = client.Subscribe(topic, 1, bridge.HandleCommand)
package mqtt
