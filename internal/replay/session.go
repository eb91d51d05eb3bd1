package replay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Defaults applied by NewSession.
const (
	// DefaultPort is the device's control port.
	DefaultPort = 8023

	// defaultConnectTimeout bounds the TCP dial.
	defaultConnectTimeout = 10 * time.Second

	// defaultWriteTimeout bounds a single command write.
	defaultWriteTimeout = 5 * time.Second

	// defaultEventBuffer is the capacity of the Events channel.
	defaultEventBuffer = 64

	// readBufferSize is the size of each socket read.
	readBufferSize = 1024
)

// Config holds device session configuration.
type Config struct {
	// Host is the device address. Required.
	Host string

	// Port is the control port. Default: 8023.
	Port int

	// PollInterval is the time between poll batteries. Zero disables polling.
	PollInterval time.Duration

	// Login configures the USR/PSS exchange.
	Login Credentials

	// ConnectTimeout bounds the TCP dial. Default: 10 seconds.
	ConnectTimeout time.Duration

	// WriteTimeout bounds each command write. Default: 5 seconds.
	WriteTimeout time.Duration

	// EventBuffer is the Events channel capacity. Default: 64.
	EventBuffer int
}

// Address returns host:port.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Status is the externally visible connection status.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusReady        Status = "ready"
	StatusFailed       Status = "failed"
	StatusDisconnected Status = "disconnected"
)

// EventKind identifies what an Event reports.
type EventKind string

const (
	// EventStatus reports a Status transition.
	EventStatus EventKind = "status"
	// EventState reports that a record updated a state category.
	EventState EventKind = "state"
	// EventDeviceError reports an ERR record.
	EventDeviceError EventKind = "device_error"
	// EventRejected reports a NAK and the command it answered.
	EventRejected EventKind = "rejected"
)

// Event is a notification delivered on Session.Events.
type Event struct {
	Kind     EventKind
	Time     time.Time
	Status   Status    // EventStatus
	Category string    // EventState
	Code     ErrorCode // EventDeviceError
	Command  string    // EventDeviceError, EventRejected; passwords redacted
	Err      error     // EventStatus (failed), EventRejected
}

// Stats holds operational statistics.
type Stats struct {
	Status              Status
	CommandsTransmitted uint64
	RecordsReceived     uint64
	BytesReceived       uint64
	Rejections          uint64
	DeviceErrors        uint64
	MalformedRecords    uint64
	EventsDropped       uint64
	PollTicks           uint64
	PollTicksSkipped    uint64
	Connects            uint64
	QueueDepth          int
	LastActivity        time.Time
}

// sessionStats is the atomic backing store for Stats.
type sessionStats struct {
	commandsTransmitted atomic.Uint64
	recordsReceived     atomic.Uint64
	bytesReceived       atomic.Uint64
	rejections          atomic.Uint64
	deviceErrors        atomic.Uint64
	malformedRecords    atomic.Uint64
	eventsDropped       atomic.Uint64
	pollTicks           atomic.Uint64
	pollTicksSkipped    atomic.Uint64
	connects            atomic.Uint64
	queueDepth          atomic.Int64
	lastActivity        atomic.Int64 // Unix nanoseconds
}

func (s *sessionStats) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// submitRequest carries an external command into the event loop.
type submitRequest struct {
	cmd   string
	reply chan error
}

// Session drives one P-20HD over TCP.
//
// Thread Safety:
//   - All exported methods are safe for concurrent use.
//   - Queue, handshake, framer and cursors are owned by a single event-loop
//     goroutine per connection.
//
// A failed session does not reconnect by itself; the caller may call Connect
// again. Close is final.
type Session struct {
	cfg    Config
	logger Logger
	cache  *StateCache

	// connectMu serialises Connect and Close.
	connectMu sync.Mutex
	closing   atomic.Bool

	mu      sync.RWMutex
	status  Status
	lastErr error
	link    *link

	events       chan Event
	eventsMu     sync.RWMutex
	eventsClosed bool

	wg    sync.WaitGroup
	stats sessionStats
}

// NewSession creates a disconnected session. logger may be nil.
func NewSession(cfg Config, logger Logger) *Session {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}

	return &Session{
		cfg:    cfg,
		logger: orNop(logger),
		cache:  NewStateCache(),
		status: StatusDisconnected,
		events: make(chan Event, cfg.EventBuffer),
	}
}

// link is everything scoped to one TCP connection.
type link struct {
	conn       net.Conn
	framer     *Framer
	queue      *CommandQueue
	auth       *AuthHandshake
	poller     *PollScheduler
	dispatcher *Dispatcher

	ctx    context.Context
	cancel context.CancelFunc

	chunks  chan []byte
	readErr chan error
	submits chan submitRequest

	ticker *time.Ticker
	tickC  <-chan time.Time

	stop   *closeOnce // Close requested
	exited *closeOnce // event loop returned
}

func (l *link) startPolling(interval time.Duration) {
	if interval <= 0 || l.ticker != nil {
		return
	}
	l.ticker = time.NewTicker(interval)
	l.tickC = l.ticker.C
}

func (l *link) stopPolling() {
	if l.ticker != nil {
		l.ticker.Stop()
	}
	l.tickC = nil
}

// Connect dials the device, starts the login exchange and the event loop.
// It returns once the TCP connection is up; readiness is reported through
// Events and Status.
func (s *Session) Connect(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	if s.closing.Load() {
		return ErrSessionClosed
	}
	s.mu.RLock()
	busy := s.link != nil
	s.mu.RUnlock()
	if busy {
		return ErrAlreadyConnected
	}
	if s.cfg.Host == "" {
		return fmt.Errorf("%w: host is required", ErrConnectionFailed)
	}

	s.setStatus(StatusConnecting, nil)

	conn, err := dial(ctx, s.cfg.Address(), s.cfg.ConnectTimeout)
	if err != nil {
		s.setStatus(StatusFailed, err)
		s.logger.Error("device connection failed", "address", s.cfg.Address(), "error", err)
		return err
	}

	l := s.newLink(conn)
	s.stats.connects.Add(1)
	s.stats.touch()
	s.cache.Reset()
	l.queue.Open()

	s.mu.Lock()
	s.link = l
	s.mu.Unlock()

	authenticated, err := l.auth.Begin(l.ctx, l.queue)
	if err == nil && authenticated {
		err = s.onAuthenticated(l)
	}
	if err != nil {
		l.cancel()
		conn.Close()
		s.mu.Lock()
		s.link = nil
		s.mu.Unlock()
		err = fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		s.setStatus(StatusFailed, err)
		return err
	}

	s.logger.Info("connected to device", "address", s.cfg.Address(), "login", s.cfg.Login.Enabled)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		readLoop(conn, readBufferSize, l.chunks, l.readErr, l.exited.Done())
	}()
	go s.run(l)

	return nil
}

func (s *Session) newLink(conn net.Conn) *link {
	ctx, cancel := context.WithCancel(context.Background())
	l := &link{
		conn:    conn,
		framer:  NewFramer(),
		ctx:     ctx,
		cancel:  cancel,
		chunks:  make(chan []byte, 16),
		readErr: make(chan error, 1),
		submits: make(chan submitRequest),
		stop:    newCloseOnce(),
		exited:  newCloseOnce(),
	}

	l.queue = NewCommandQueue(&connTransmitter{
		conn:         conn,
		writeTimeout: s.cfg.WriteTimeout,
		stats:        &s.stats,
	})
	l.auth = NewAuthHandshake(s.cfg.Login, s.logger)
	l.poller = NewPollScheduler(l.queue, s.cache)
	l.dispatcher = NewDispatcher(DispatcherOptions{
		Queue:  l.queue,
		Auth:   l.auth,
		Cache:  s.cache,
		Logger: s.logger,
		Emit:   s.emit,
		OnAuthenticated: func(context.Context) error {
			return s.onAuthenticated(l)
		},
	})
	l.dispatcher.stats = &s.stats
	return l
}

// onAuthenticated runs on the goroutine that owns l, exactly once per link.
func (s *Session) onAuthenticated(l *link) error {
	if !s.cache.VersionKnown() {
		if err := l.queue.Submit(CmdVersion); err != nil {
			return err
		}
	}
	l.startPolling(s.cfg.PollInterval)

	s.logger.Info("device session ready", "poll_interval", s.cfg.PollInterval.String())
	s.setStatus(StatusReady, nil)
	return nil
}

// run is the event loop for one connection.
func (s *Session) run(l *link) {
	defer s.wg.Done()
	defer l.exited.Close()
	defer l.stopPolling()

	for {
		s.stats.queueDepth.Store(int64(l.queue.Len()))

		select {
		case <-l.stop.Done():
			s.shutdown(l)
			return

		case chunk := <-l.chunks:
			if err := s.receive(l, chunk); err != nil {
				s.fail(l, err)
				return
			}

		case err := <-l.readErr:
			s.fail(l, s.readFailure(l, err))
			return

		case <-l.tickC:
			ran, err := l.poller.Tick()
			if err != nil {
				s.fail(l, err)
				return
			}
			if ran {
				s.stats.pollTicks.Add(1)
			} else {
				s.stats.pollTicksSkipped.Add(1)
				s.logger.Debug("poll tick skipped, previous battery still queued", "queued", l.queue.Len())
			}

		case req := <-l.submits:
			err := s.submitLocal(l, req.cmd)
			req.reply <- err
			if err != nil && !isRecoverableSubmitError(err) {
				s.fail(l, err)
				return
			}
		}
	}
}

func (s *Session) receive(l *link, chunk []byte) error {
	s.stats.bytesReceived.Add(uint64(len(chunk)))
	s.stats.touch()
	return s.feed(l, chunk)
}

// readFailure dispatches whatever the reader queued before it failed, so a
// NAK sent just before the device hangs up still reports as a rejection.
// readLoop sends every chunk before its error, so nothing arrives later.
func (s *Session) readFailure(l *link, readErr error) error {
	for {
		select {
		case chunk := <-l.chunks:
			if err := s.receive(l, chunk); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: read: %w", ErrConnectionFailed, readErr)
		}
	}
}

func (s *Session) feed(l *link, chunk []byte) error {
	for rec := range l.framer.Feed(chunk) {
		if err := l.dispatcher.Dispatch(l.ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) submitLocal(l *link, cmd string) error {
	if !l.auth.Authenticated() {
		return ErrNotReady
	}
	return l.queue.Submit(cmd)
}

func isRecoverableSubmitError(err error) bool {
	return errors.Is(err, ErrNotReady)
}

// fail tears down l after a transport error or rejection. Runs on the event
// loop.
func (s *Session) fail(l *link, err error) {
	l.queue.Close()
	l.cancel()
	l.conn.Close()

	s.mu.Lock()
	if s.link == l {
		s.link = nil
	}
	s.mu.Unlock()

	s.logger.Error("device session failed", "address", s.cfg.Address(), "error", err)
	s.setStatus(StatusFailed, err)
}

// shutdown sends the shutdown command and closes l. Runs on the event loop.
func (s *Session) shutdown(l *link) {
	if err := l.queue.tx.Transmit(EncodeCommand(CmdShutdown)); err != nil {
		s.logger.Debug("shutdown command not sent", "error", err)
	}
	l.queue.Close()
	l.cancel()
	l.conn.Close()
}

// Submit queues a command for transmission. It returns once the command is
// accepted, not when the device answers. ErrNotReady is returned, with the
// queue unchanged, unless the session is connected and authenticated.
func (s *Session) Submit(ctx context.Context, cmd string) error {
	if err := ValidateCommand(cmd); err != nil {
		return err
	}
	if s.closing.Load() {
		return ErrSessionClosed
	}

	s.mu.RLock()
	l := s.link
	status := s.status
	s.mu.RUnlock()

	if l == nil || status != StatusReady {
		return ErrNotReady
	}

	req := submitRequest{cmd: cmd, reply: make(chan error, 1)}
	select {
	case l.submits <- req:
	case <-l.exited.Done():
		return ErrNotReady
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-req.reply
}

// Close sends the shutdown command, closes the connection and ends the
// Events stream. Safe to call multiple times.
func (s *Session) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}

	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	l := s.link
	s.link = nil
	s.mu.Unlock()

	if l != nil {
		l.stop.Close()
	}
	s.wg.Wait()

	s.setStatus(StatusDisconnected, nil)

	s.eventsMu.Lock()
	s.eventsClosed = true
	close(s.events)
	s.eventsMu.Unlock()

	s.logger.Info("device session closed", "address", s.cfg.Address())
	return nil
}

// State returns the cache of decoded device state.
func (s *Session) State() *StateCache {
	return s.cache
}

// Events returns the notification stream. It is closed by Close. Events are
// dropped, and counted, when the consumer falls behind.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Status returns the current connection status.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// LastError returns the error behind the most recent failure, if any.
func (s *Session) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Config returns the effective configuration.
func (s *Session) Config() Config {
	return s.cfg
}

// Stats returns current operational statistics.
func (s *Session) Stats() Stats {
	var last time.Time
	if ns := s.stats.lastActivity.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	return Stats{
		Status:              s.Status(),
		CommandsTransmitted: s.stats.commandsTransmitted.Load(),
		RecordsReceived:     s.stats.recordsReceived.Load(),
		BytesReceived:       s.stats.bytesReceived.Load(),
		Rejections:          s.stats.rejections.Load(),
		DeviceErrors:        s.stats.deviceErrors.Load(),
		MalformedRecords:    s.stats.malformedRecords.Load(),
		EventsDropped:       s.stats.eventsDropped.Load(),
		PollTicks:           s.stats.pollTicks.Load(),
		PollTicksSkipped:    s.stats.pollTicksSkipped.Load(),
		Connects:            s.stats.connects.Load(),
		QueueDepth:          int(s.stats.queueDepth.Load()),
		LastActivity:        last,
	}
}

// HealthCheck returns nil when the session is ready for commands.
func (s *Session) HealthCheck(_ context.Context) error {
	switch s.Status() {
	case StatusReady:
		return nil
	case StatusConnecting:
		return ErrNotReady
	default:
		return ErrNotConnected
	}
}

func (s *Session) setStatus(status Status, err error) {
	s.mu.Lock()
	if s.status == status && err == nil {
		s.mu.Unlock()
		return
	}
	s.status = status
	if err != nil {
		s.lastErr = err
	}
	s.mu.Unlock()

	s.emit(Event{Kind: EventStatus, Status: status, Err: err})
}

// emit delivers e without blocking. Overflow is dropped and counted.
func (s *Session) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()
	if s.eventsClosed {
		return
	}

	select {
	case s.events <- e:
	default:
		s.stats.eventsDropped.Add(1)
	}
}
