package p20hd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-replay/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-replay/internal/journal"
	"github.com/nerrad567/gray-logic-replay/internal/metrics"
	"github.com/nerrad567/gray-logic-replay/internal/replay"
)

// journalTimeout bounds a single journal write from the event loop.
const journalTimeout = 5 * time.Second

// WebSocket channels the bridge broadcasts on.
const (
	ChannelStatus      = "session.status"
	ChannelState       = "session.state"
	ChannelDeviceError = "session.device_error"
	ChannelRejected    = "session.rejected"
)

// Command sources used for metrics and the journal.
const (
	SourceMQTT = "mqtt"
	SourceAPI  = "api"
)

// MQTTClient is the subset of the MQTT client the bridge needs.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// Session is the replay session the bridge drives.
// Satisfied by *replay.Session.
type Session interface {
	Connect(ctx context.Context) error
	Submit(ctx context.Context, cmd string) error
	State() *replay.StateCache
	Events() <-chan replay.Event
	Status() replay.Status
	Stats() replay.Stats
}

// Telemetry receives time-series points. Satisfied by *influxdb.Client.
type Telemetry interface {
	WriteState(deviceID string, s replay.DeviceState)
	WriteSessionStats(deviceID string, st replay.Stats)
	WriteDeviceError(deviceID string, code replay.ErrorCode, command string)
}

// Broadcaster fans events out to WebSocket subscribers.
type Broadcaster interface {
	Broadcast(channel string, payload any)
}

// Options configures a Bridge. MQTT and Session are required.
type Options struct {
	BridgeID string
	Version  string

	// Address is the device host:port, used in messages.
	Address string

	HealthInterval       time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration

	// DisableReconnect makes the bridge connect once and leave a failed
	// session failed.
	DisableReconnect bool

	MQTT    MQTTClient
	Session Session

	Journal     journal.Repository
	Telemetry   Telemetry
	Broadcaster Broadcaster
	Metrics     *metrics.Metrics
	Logger      Logger
}

// Bridge connects one replay session to MQTT.
type Bridge struct {
	opts    Options
	topics  topicSet
	health  *HealthReporter
	super   *supervisor
	logger  Logger
	metrics *metrics.Metrics

	broadcastMu sync.RWMutex
	broadcaster Broadcaster

	// lastState is the snapshot most recently published, UpdatedAt zeroed.
	lastState   replay.DeviceState
	statePushed bool

	ctx       context.Context
	ctxCancel context.CancelFunc
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

type topicSet struct {
	command, ack, state, status string
}

// NewBridge validates opts and builds a bridge. Call Start to run it.
func NewBridge(opts Options) (*Bridge, error) {
	if opts.MQTT == nil {
		return nil, fmt.Errorf("%w: mqtt client", ErrMissingConfig)
	}
	if opts.Session == nil {
		return nil, fmt.Errorf("%w: session", ErrMissingConfig)
	}
	if opts.BridgeID == "" {
		return nil, fmt.Errorf("%w: bridge id", ErrMissingConfig)
	}

	logger := orNop(opts.Logger)
	t := mqtt.Topics{}
	b := &Bridge{
		opts: opts,
		topics: topicSet{
			command: t.BridgeCommand(mqtt.ProtocolP20HD, opts.BridgeID),
			ack:     t.BridgeAck(mqtt.ProtocolP20HD, opts.BridgeID),
			state:   t.BridgeState(mqtt.ProtocolP20HD, opts.BridgeID),
			status:  t.BridgeStatus(mqtt.ProtocolP20HD, opts.BridgeID),
		},
		logger:      logger,
		metrics:     opts.Metrics,
		broadcaster: opts.Broadcaster,
	}
	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  opts.BridgeID,
		Version:   opts.Version,
		Address:   opts.Address,
		Interval:  opts.HealthInterval,
		Publisher: opts.MQTT,
		Session:   opts.Session,
	}, logger)
	b.super = newSupervisor(opts.Session, opts.ReconnectInterval, opts.MaxReconnectInterval, !opts.DisableReconnect, b.countReconnect, logger)
	return b, nil
}

// SetBroadcaster replaces the WebSocket broadcaster.
func (b *Bridge) SetBroadcaster(br Broadcaster) {
	b.broadcastMu.Lock()
	b.broadcaster = br
	b.broadcastMu.Unlock()
}

// Start subscribes to the command topic and starts the event loop,
// health reporting and the connection supervisor.
func (b *Bridge) Start(ctx context.Context) error {
	b.ctx, b.ctxCancel = context.WithCancel(ctx)

	if err := b.health.PublishStarting(); err != nil {
		b.logger.Warn("failed to publish starting health", "error", err)
	}

	if err := b.opts.MQTT.Subscribe(b.topics.command, 1, b.handleCommandMessage); err != nil {
		b.ctxCancel()
		return fmt.Errorf("subscribing to %s: %w", b.topics.command, err)
	}

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		b.eventLoop(b.ctx)
	}()
	go func() {
		defer b.wg.Done()
		b.super.run(b.ctx)
	}()
	b.health.Start(b.ctx)

	b.logger.Info("p20hd bridge started", "bridge_id", b.opts.BridgeID, "address", b.opts.Address)
	return nil
}

// Stop drops the command subscription and halts the bridge goroutines.
// The session itself is left open; the owner closes it. Safe to call
// multiple times.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		if err := b.opts.MQTT.Unsubscribe(b.topics.command); err != nil && !errors.Is(err, mqtt.ErrNotConnected) {
			b.logger.Warn("failed to unsubscribe from command topic", "error", err)
		}
		if b.ctxCancel != nil {
			b.ctxCancel()
		}
		b.wg.Wait()
		b.health.Stop()
		b.logger.Info("p20hd bridge stopped")
	})
}

// Execute resolves msg to protocol text and queues it on the session.
// It returns the queued command with passwords masked.
func (b *Bridge) Execute(ctx context.Context, msg CommandMessage) (string, error) {
	source := msg.Source
	if source == "" {
		source = SourceMQTT
	}

	cmd, err := b.resolve(msg)
	if err != nil {
		b.countSubmission(source, "invalid")
		return "", err
	}

	if err := b.opts.Session.Submit(ctx, cmd); err != nil {
		b.countSubmission(source, submissionResult(err))
		return "", err
	}
	b.countSubmission(source, "accepted")

	shown := replay.Redact(cmd)
	b.record(&journal.Entry{Kind: journal.KindCommand, Command: shown, Source: source})
	return shown, nil
}

func (b *Bridge) resolve(msg CommandMessage) (string, error) {
	switch {
	case msg.Command != "" && msg.Action != "":
		return "", ErrInvalidMessage
	case msg.Action != "":
		return replay.BuildAction(msg.Action, replay.Params(msg.Parameters), b.opts.Session.State().Snapshot())
	case msg.Command != "":
		return msg.Command, nil
	default:
		return "", ErrInvalidMessage
	}
}

func submissionResult(err error) string {
	switch {
	case errors.Is(err, replay.ErrInvalidCommand):
		return "invalid"
	case errors.Is(err, replay.ErrNotReady):
		return "not_ready"
	default:
		return "failed"
	}
}

// handleCommandMessage processes a message from the command topic and
// always answers with an ack once the payload parses.
func (b *Bridge) handleCommandMessage(_ string, payload []byte) error {
	var msg CommandMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("parsing command message: %w", err)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Source == "" {
		msg.Source = SourceMQTT
	}

	ack := AckMessage{
		CommandID: msg.ID,
		Timestamp: time.Now().UTC(),
		Protocol:  mqtt.ProtocolP20HD,
		Address:   b.opts.Address,
	}

	ctx := b.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	cmd, err := b.Execute(ctx, msg)
	if err != nil {
		ack.Status = AckFailed
		ack.Error = ackErrorFor(msg, err)
		b.logger.Warn("command refused", "command_id", msg.ID, "code", ack.Error.Code, "error", err)
	} else {
		ack.Status = AckAccepted
		ack.Command = cmd
		b.logger.Debug("command accepted", "command_id", msg.ID, "command", cmd)
	}

	return b.publishJSON(b.topics.ack, ack, false)
}

// eventLoop consumes session events until ctx ends or the channel closes.
// Session stats go to telemetry on the health interval.
func (b *Bridge) eventLoop(ctx context.Context) {
	interval := b.opts.HealthInterval
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	events := b.opts.Session.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			b.handleEvent(ev)
		case <-ticker.C:
			if b.opts.Telemetry != nil {
				b.opts.Telemetry.WriteSessionStats(b.opts.BridgeID, b.opts.Session.Stats())
			}
		}
	}
}

func (b *Bridge) handleEvent(ev replay.Event) {
	switch ev.Kind {
	case replay.EventStatus:
		b.handleStatus(ev)
	case replay.EventState:
		b.publishStateIfChanged()
	case replay.EventDeviceError:
		b.handleDeviceError(ev)
	case replay.EventRejected:
		b.handleRejected(ev)
	}
}

func (b *Bridge) handleStatus(ev replay.Event) {
	msg := StatusMessage{
		Bridge:    b.opts.BridgeID,
		Timestamp: ev.Time,
		Status:    ev.Status,
		Address:   b.opts.Address,
	}
	if ev.Err != nil {
		msg.Reason = ev.Err.Error()
	}

	switch ev.Status {
	case replay.StatusReady:
		b.super.recovered()
	case replay.StatusFailed:
		b.super.failed()
		// A new login resets the cache, so republish after it.
		b.statePushed = false
	}

	if err := b.publishJSON(b.topics.status, msg, true); err != nil {
		b.logger.Error("failed to publish status", "error", err)
	}
	b.broadcast(ChannelStatus, msg)
	b.record(&journal.Entry{Kind: journal.KindStatus, Status: string(ev.Status), Message: msg.Reason})

	if err := b.health.PublishNow(); err != nil {
		b.logger.Debug("health publish after status change failed", "error", err)
	}
}

// publishStateIfChanged publishes the snapshot when any category differs
// from the last published one.
func (b *Bridge) publishStateIfChanged() {
	snap := b.opts.Session.State().Snapshot()
	updated := snap.UpdatedAt
	snap.UpdatedAt = time.Time{}
	if b.statePushed && snap == b.lastState {
		return
	}
	b.lastState = snap
	b.statePushed = true

	snap.UpdatedAt = updated
	msg := StateMessage{
		Bridge:    b.opts.BridgeID,
		Timestamp: time.Now().UTC(),
		Protocol:  mqtt.ProtocolP20HD,
		Address:   b.opts.Address,
		State:     snap,
	}
	if err := b.publishJSON(b.topics.state, msg, true); err != nil {
		b.logger.Error("failed to publish state", "error", err)
		return
	}
	if b.metrics != nil {
		b.metrics.StatePublished.Inc()
	}
	if b.opts.Telemetry != nil {
		b.opts.Telemetry.WriteState(b.opts.BridgeID, snap)
	}
	b.broadcast(ChannelState, msg)
}

// DeviceErrorMessage is the WebSocket payload for an ERR record.
type DeviceErrorMessage struct {
	Timestamp   time.Time `json:"timestamp"`
	Code        int       `json:"code"`
	Description string    `json:"description"`
	Command     string    `json:"command,omitempty"`
}

func (b *Bridge) handleDeviceError(ev replay.Event) {
	b.logger.Warn("device reported error", "code", int(ev.Code), "description", ev.Code.String(), "command", ev.Command)

	code := int(ev.Code)
	b.record(&journal.Entry{
		Kind:     journal.KindDeviceError,
		Code:     &code,
		Command:  ev.Command,
		Message:  ev.Code.String(),
		Category: "ERR",
	})
	if b.opts.Telemetry != nil {
		b.opts.Telemetry.WriteDeviceError(b.opts.BridgeID, ev.Code, ev.Command)
	}
	b.broadcast(ChannelDeviceError, DeviceErrorMessage{
		Timestamp:   ev.Time,
		Code:        code,
		Description: ev.Code.String(),
		Command:     ev.Command,
	})
}

// RejectionMessage is the WebSocket payload for a NAK.
type RejectionMessage struct {
	Timestamp time.Time `json:"timestamp"`
	Command   string    `json:"command,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

func (b *Bridge) handleRejected(ev replay.Event) {
	msg := RejectionMessage{Timestamp: ev.Time, Command: ev.Command}
	if ev.Err != nil {
		msg.Reason = ev.Err.Error()
	}
	b.record(&journal.Entry{Kind: journal.KindRejected, Command: ev.Command, Message: msg.Reason})
	b.broadcast(ChannelRejected, msg)
}

func (b *Bridge) publishJSON(topic string, v any, retained bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.opts.MQTT.Publish(topic, payload, 1, retained)
}

func (b *Bridge) broadcast(channel string, payload any) {
	b.broadcastMu.RLock()
	br := b.broadcaster
	b.broadcastMu.RUnlock()
	if br != nil {
		br.Broadcast(channel, payload)
	}
}

// record writes e to the journal. Failures are logged, never returned.
func (b *Bridge) record(e *journal.Entry) {
	if b.opts.Journal == nil {
		return
	}
	ctx := b.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, journalTimeout)
	defer cancel()
	if err := b.opts.Journal.Record(ctx, e); err != nil {
		b.logger.Error("journal write failed", "kind", e.Kind, "error", err)
	}
}

func (b *Bridge) countSubmission(source, result string) {
	if b.metrics != nil {
		b.metrics.CommandsSubmitted.WithLabelValues(source, result).Inc()
	}
}

func (b *Bridge) countReconnect() {
	if b.metrics != nil {
		b.metrics.Reconnects.Inc()
	}
}
