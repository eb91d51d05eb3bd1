// Package influxdb writes replay telemetry to InfluxDB v2.
//
// It wraps influxdb-client-go v2 for connection management, batched
// writes and health monitoring. Three measurements are written:
//   - replay_state: audio level, playback speed, transport and routing
//   - replay_session: session counters and an up flag
//   - replay_device_error: one point per ERR record
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry off
//	}
//	defer client.Close()
//
//	client.WriteState("p20hd-01", session.State().Snapshot())
//
// # Error Handling
//
// Writes are non-blocking; batch failures arrive through SetOnError
// wrapped in ErrWriteFailed. Connection and health check errors are
// returned directly.
package influxdb
