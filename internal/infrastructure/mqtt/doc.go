// Package mqtt provides MQTT client connectivity for the Shotline engine.
//
// This package manages:
//   - Connection to Mosquitto broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Architecture
//
// Shotline uses MQTT as the message bus connecting the engine to the
// device-control processes driving the apparatus. The broker (Mosquitto)
// decouples the engine from hardware-specific implementations.
//
//	the Shotline engine ↔ MQTT Broker ↔ Device-Control Processes
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - Message payloads are not encrypted beyond TLS transport
//
// # Performance Characteristics
//
//   - Connection: <1 second to local broker
//   - Publish latency: <10ms for QoS 1 to local broker
//   - Reconnect: Exponential backoff 1s-60s with jitter
//   - Message throughput: Broker-limited (typically 10K+ msg/sec)
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Subscribe to ready acknowledgments from every device
//	err = client.Subscribe(mqtt.Topics{}.AllDeviceReady(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	// Transmit a program
//	topic := mqtt.Topics{}.DeviceProgram("laser-ctl")
//	client.Publish(topic, programJSON, 1, false)
package mqtt
