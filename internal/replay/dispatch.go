package replay

import (
	"context"
)

// Dispatcher routes each framed record to the handshake or the state cache
// and advances the command queue.
//
// Correlation is positional: whatever record arrives completes the command at
// the front of the queue. The device never echoes which command it answers.
type Dispatcher struct {
	queue  *CommandQueue
	auth   *AuthHandshake
	cache  *StateCache
	stats  *sessionStats
	logger Logger

	// emit delivers notifications to the session's subscribers.
	emit func(Event)
	// authenticated runs once, when the handshake completes on a VER record.
	authenticated func(ctx context.Context) error
}

// DispatcherOptions wires a Dispatcher.
type DispatcherOptions struct {
	Queue           *CommandQueue
	Auth            *AuthHandshake
	Cache           *StateCache
	Logger          Logger
	Emit            func(Event)
	OnAuthenticated func(ctx context.Context) error
}

// NewDispatcher creates a dispatcher from opts. Emit and OnAuthenticated may
// be nil.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	d := &Dispatcher{
		queue:         opts.Queue,
		auth:          opts.Auth,
		cache:         opts.Cache,
		stats:         &sessionStats{},
		logger:        orNop(opts.Logger),
		emit:          opts.Emit,
		authenticated: opts.OnAuthenticated,
	}
	if d.emit == nil {
		d.emit = func(Event) {}
	}
	if d.authenticated == nil {
		d.authenticated = func(context.Context) error { return nil }
	}
	return d
}

// Dispatch handles one record. A non-nil error means the session can no
// longer continue: the device rejected a command, the handshake failed or
// the next command could not be written.
func (d *Dispatcher) Dispatch(ctx context.Context, rec Record) error {
	d.stats.recordsReceived.Add(1)

	if rec.Kind == KindRejection {
		// Nothing else may leave the session once the device has said no.
		d.queue.Close()
	}
	completed, advanceErr := d.queue.Advance()
	defer d.cache.Settle(completed)

	var err error
	switch rec.Kind {
	case KindRejection:
		err = d.handleRejection(ctx, completed)
	case KindAcknowledgment:
		if !d.auth.Authenticated() {
			err = d.auth.HandleAck(ctx, d.queue)
		}
	case KindText:
		err = d.handleText(ctx, rec, completed)
	}

	if err != nil {
		return err
	}
	return advanceErr
}

func (d *Dispatcher) handleRejection(ctx context.Context, completed string) error {
	d.stats.rejections.Add(1)
	state := d.auth.State()
	err := d.auth.HandleRejection(ctx, completed)

	d.logger.Error("command rejected by device",
		"command", Redact(completed),
		"auth_state", string(state),
		"error", err,
	)
	d.emit(Event{Kind: EventRejected, Command: Redact(completed), Err: err})
	return err
}

func (d *Dispatcher) handleText(ctx context.Context, rec Record, completed string) error {
	if rec.Category == CatError {
		d.handleDeviceError(rec, completed)
		return nil
	}

	if !d.auth.Authenticated() {
		if rec.Category != CatVersion {
			d.logger.Debug("discarding record before login", "record", rec.String())
			return nil
		}
		d.apply(rec, completed)

		done, err := d.auth.HandleVersion(ctx)
		if err != nil {
			return err
		}
		if done {
			return d.authenticated(ctx)
		}
		return nil
	}

	d.apply(rec, completed)
	return nil
}

func (d *Dispatcher) apply(rec Record, completed string) {
	known, err := d.cache.ApplyReply(rec, completed)
	if !known {
		d.logger.Debug("discarding unknown record", "category", rec.Category)
		return
	}
	if err != nil {
		d.stats.malformedRecords.Add(1)
		d.logger.Warn("malformed record", "record", rec.String(), "error", err)
		return
	}
	if rec.Category == CatClipDetail {
		return
	}
	d.emit(Event{Kind: EventState, Category: rec.Category})
}

func (d *Dispatcher) handleDeviceError(rec Record, completed string) {
	d.stats.deviceErrors.Add(1)
	code := ParseErrorCode(rec)

	d.logger.Error("device reported error",
		"code", int(code),
		"class", code.String(),
		"command", Redact(completed),
	)
	d.emit(Event{Kind: EventDeviceError, Code: code, Command: Redact(completed)})
}
