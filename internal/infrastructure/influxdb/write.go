package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteShotMetric writes one shot's execution measurement to InfluxDB.
//
// This is the primary method for recording per-shot telemetry.
// The write is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - sequenceID: The sequence the shot belongs to
//   - shotIndex: Position of the shot within the sweep
//   - attempts: Dispatch attempts the shot took (1 = no retries)
//   - outcome: Recorded outcome ("success" or "failed")
//   - duration: Wall-clock time from first dispatch to recorded result
//
// Example:
//
//	client.WriteShotMetric("a1b2c3", 42, 1, "success", 350*time.Millisecond)
func (c *Client) WriteShotMetric(sequenceID string, shotIndex int, attempts int, outcome string, duration time.Duration) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"shots",
		map[string]string{
			"sequence_id": sequenceID,
			"outcome":     outcome,
		},
		map[string]interface{}{
			"shot_index":  shotIndex,
			"attempts":    attempts,
			"duration_ms": float64(duration.Milliseconds()),
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteSequenceMetric writes a sequence lifecycle measurement.
//
// Written on every state transition, so dashboards can chart sequence
// throughput and failure rates over time.
//
// Parameters:
//   - sequenceID: Sequence identifier
//   - state: The lifecycle state entered
//   - completed: Shots recorded so far
//   - expected: Total shots the sweep enumerates
func (c *Client) WriteSequenceMetric(sequenceID string, state string, completed, expected int) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"sequences",
		map[string]string{
			"sequence_id": sequenceID,
			"state":       state,
		},
		map[string]interface{}{
			"completed_shots": completed,
			"expected_shots":  expected,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for custom measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
//
// Example:
//
//	client.WritePoint("engine_stats",
//	    map[string]string{"host": "bench-01"},
//	    map[string]interface{}{"cpu_percent": 45.2, "memory_mb": 512})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., delayed data).
//
// Parameters:
//   - measurement: The measurement name
//   - tags: Key-value pairs for indexing
//   - fields: Key-value pairs for the data
//   - timestamp: The exact time for this data point
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
