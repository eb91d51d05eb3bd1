package p20hd

import (
	"errors"
	"time"

	"github.com/nerrad567/gray-logic-replay/internal/replay"
)

// CommandMessage is sent from Core to the bridge to drive the device.
// Topic: graylogic/command/p20hd/{bridge_id}
//
// Exactly one of Command or Action must be set.
type CommandMessage struct {
	// ID correlates the command with its acknowledgement.
	// Generated when empty.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// Command is raw protocol text, e.g. "PLY" or "CLS:4".
	Command string `json:"command,omitempty"`

	// Action is a named control action, e.g. "playback" or "clip_select".
	Action string `json:"action,omitempty"`

	// Parameters feed the action builder.
	//   {"mode": "on"} for recording
	//   {"direction": "reverse", "speed": 4} for shuttle
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated ("mqtt", "api", "scene").
	Source string `json:"source,omitempty"`
}

// AckStatus represents the acknowledgement status of a command.
type AckStatus string

const (
	// AckAccepted indicates the command was queued for transmission.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command was refused before reaching the device.
	AckFailed AckStatus = "failed"
)

// AckMessage is sent from the bridge to Core for every command.
// Topic: graylogic/ack/p20hd/{bridge_id}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`
	Address   string    `json:"address"`

	// Command is the protocol text that was queued, passwords masked.
	Command string `json:"command,omitempty"`

	Error *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command failures.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeNotReady          = "NOT_READY"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// ackErrorFor maps a submission error onto an ack error code.
func ackErrorFor(msg CommandMessage, err error) *AckError {
	code := ErrCodeBridgeError
	switch {
	case errors.Is(err, ErrInvalidMessage), errors.Is(err, replay.ErrUnknownAction):
		code = ErrCodeInvalidCommand
	case errors.Is(err, replay.ErrInvalidCommand):
		code = ErrCodeInvalidCommand
		if msg.Action != "" {
			code = ErrCodeInvalidParameters
		}
	case errors.Is(err, replay.ErrNotReady):
		code = ErrCodeNotReady
	case errors.Is(err, replay.ErrSessionClosed), errors.Is(err, replay.ErrTransmitFailed):
		code = ErrCodeDeviceUnreachable
	}
	return &AckError{Code: code, Message: err.Error()}
}

// StateMessage carries the full device snapshot.
// Topic: graylogic/state/p20hd/{bridge_id}
// QoS: 1, Retained: Yes
type StateMessage struct {
	Bridge    string             `json:"bridge"`
	Timestamp time.Time          `json:"timestamp"`
	Protocol  string             `json:"protocol"`
	Address   string             `json:"address"`
	State     replay.DeviceState `json:"state"`
}

// StatusMessage reports a session status transition.
// Topic: graylogic/status/p20hd/{bridge_id}
// QoS: 1, Retained: Yes
type StatusMessage struct {
	Bridge    string        `json:"bridge"`
	Timestamp time.Time     `json:"timestamp"`
	Status    replay.Status `json:"status"`
	Address   string        `json:"address"`

	// Reason is the failure cause when Status is "failed".
	Reason string `json:"reason,omitempty"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"

	// HealthOffline is published by the broker as the MQTT will.
	HealthOffline HealthStatus = "offline"
)

// HealthMessage is the periodic bridge health report.
// Topic: graylogic/health/p20hd
// QoS: 1, Retained: Yes
// Interval: Every 30 seconds
type HealthMessage struct {
	Bridge        string            `json:"bridge"`
	Timestamp     time.Time         `json:"timestamp"`
	Status        HealthStatus      `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Connection    *ConnectionStatus `json:"connection,omitempty"`
	Statistics    *BridgeStatistics `json:"statistics,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

// ConnectionStatus describes the device session.
type ConnectionStatus struct {
	Status       replay.Status `json:"status"`
	Address      string        `json:"address"`
	LastActivity *time.Time    `json:"last_activity,omitempty"`
}

// BridgeStatistics is the subset of session counters shown in health.
type BridgeStatistics struct {
	CommandsTransmitted uint64 `json:"commands_transmitted"`
	RecordsReceived     uint64 `json:"records_received"`
	Rejections          uint64 `json:"rejections"`
	DeviceErrors        uint64 `json:"device_errors"`
	EventsDropped       uint64 `json:"events_dropped"`
	Connects            uint64 `json:"connects"`
}

// newHealthMessage builds a health report from session stats.
func newHealthMessage(bridgeID, version, address string, status HealthStatus, st replay.Stats, started time.Time) HealthMessage {
	now := time.Now().UTC()
	conn := &ConnectionStatus{Status: st.Status, Address: address}
	if !st.LastActivity.IsZero() {
		at := st.LastActivity.UTC()
		conn.LastActivity = &at
	}
	return HealthMessage{
		Bridge:        bridgeID,
		Timestamp:     now,
		Status:        status,
		Version:       version,
		UptimeSeconds: int64(now.Sub(started).Seconds()),
		Connection:    conn,
		Statistics: &BridgeStatistics{
			CommandsTransmitted: st.CommandsTransmitted,
			RecordsReceived:     st.RecordsReceived,
			Rejections:          st.Rejections,
			DeviceErrors:        st.DeviceErrors,
			EventsDropped:       st.EventsDropped,
			Connects:            st.Connects,
		},
	}
}
