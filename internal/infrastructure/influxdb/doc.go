// Package influxdb provides InfluxDB connectivity for the Shotline engine.
//
// It wraps the official influxdb-client-go v2 library with Shotline-specific
// patterns for connection management, metric writing, and health monitoring.
//
// # Purpose
//
// This package handles time-series data storage for:
//   - Per-shot execution telemetry (attempts, outcome, duration)
//   - Sequence lifecycle metrics (throughput, failure rates)
//   - Custom engine measurements
//
// # Usage
//
//	cfg := config.InfluxDBConfig{
//	    URL:    "http://localhost:8086",
//	    Token:  "your-token",
//	    Org:    "shotline",
//	    Bucket: "metrics",
//	}
//
//	client, err := influxdb.Connect(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Write shot telemetry
//	client.WriteShotMetric("a1b2c3", 42, 1, "success", 350*time.Millisecond)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are logged via a callback.
// Connection and health check errors are returned directly.
//
// # Performance
//
// Writes are batched according to config.yaml settings (batch_size, flush_interval).
// This keeps the shot loop free of network round trips.
package influxdb
