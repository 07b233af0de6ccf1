// Package mqtt provides MQTT client connectivity for Beamline Core.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support, restored after reconnect
//   - Last Will and Testament (LWT) for offline detection
//   - Connection change notification for transports built on the client
//
// # Architecture
//
// One client is shared by the MQTT channel transport (device channels
// carried on arbitrary topics) and the relay (device state republished
// under beamline/device/...).
//
//	Beamline Core ↔ MQTT Broker ↔ IOCs, PLC gateways, control clients
//
// # Security Considerations
//
//   - Enable TLS outside the controls network (cfg.Broker.TLS=true)
//   - Supply credentials through BEAMLINE_MQTT_USERNAME/PASSWORD
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllDeviceCommands(), 1,
//	    func(topic string, payload []byte) error {
//	        return handle(topic, payload)
//	    })
package mqtt
