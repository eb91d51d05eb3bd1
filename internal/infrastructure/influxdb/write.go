package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-replay/internal/replay"
)

// Measurement names.
const (
	MeasurementState   = "replay_state"
	MeasurementSession = "replay_session"
	MeasurementError   = "replay_device_error"
)

// WriteState records the transport and audio state of a device snapshot.
//
//	client.WriteState("p20hd-01", session.State().Snapshot())
func (c *Client) WriteState(deviceID string, s replay.DeviceState) {
	c.write(statePoint(deviceID, s, time.Now()))
}

// WriteSessionStats records session counters. The bridge calls it on its
// stats ticker.
func (c *Client) WriteSessionStats(deviceID string, st replay.Stats) {
	c.write(sessionPoint(deviceID, st, time.Now()))
}

// WriteDeviceError records one ERR record from the appliance.
func (c *Client) WriteDeviceError(deviceID string, code replay.ErrorCode, command string) {
	c.write(write.NewPoint(
		MeasurementError,
		map[string]string{"device_id": deviceID, "kind": code.String()},
		map[string]any{"code": int(code), "command": command},
		time.Now(),
	))
}

func (c *Client) write(p *write.Point) {
	if c.closed.Load() {
		return
	}
	c.writeAPI.WritePoint(p)
}

func statePoint(deviceID string, s replay.DeviceState, at time.Time) *write.Point {
	return write.NewPoint(
		MeasurementState,
		map[string]string{"device_id": deviceID},
		map[string]any{
			"audio_level":       s.AudioLevel,
			"playback_speed":    s.PlaybackSpeed,
			"recording":         s.Recording,
			"playing":           s.Playing,
			"input":             s.Input,
			"output":            s.Output,
			"selected_playlist": s.SelectedPlaylist,
			"selected_clip":     s.SelectedClip,
			"playlist_length":   s.PlaylistLength,
		},
		at,
	)
}

func sessionPoint(deviceID string, st replay.Stats, at time.Time) *write.Point {
	up := 0
	if st.Status == replay.StatusReady {
		up = 1
	}
	return write.NewPoint(
		MeasurementSession,
		map[string]string{"device_id": deviceID},
		map[string]any{
			"up":                   up,
			"commands_transmitted": st.CommandsTransmitted,
			"records_received":     st.RecordsReceived,
			"rejections":           st.Rejections,
			"device_errors":        st.DeviceErrors,
			"events_dropped":       st.EventsDropped,
			"queue_depth":          st.QueueDepth,
		},
		at,
	)
}
