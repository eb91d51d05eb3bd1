package replay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/looplab/fsm"
)

// Protocol commands used outside the poll battery.
const (
	CmdUser     = "USR"
	CmdPassword = "PSS"
	CmdVersion  = "VER"
	CmdShutdown = "EXT"
)

// AuthState is the login progress of one connection.
type AuthState string

const (
	AuthNotStarted    AuthState = "not_started"
	AuthUserSent      AuthState = "user_sent"
	AuthPasswordSent  AuthState = "password_sent"
	AuthAuthenticated AuthState = "authenticated"
	AuthRejected      AuthState = "rejected"
)

const (
	eventSendUser     = "send_user"
	eventSendPassword = "send_password"
	eventAccept       = "accept"
	eventReject       = "reject"
)

// Credentials configure the optional login exchange.
type Credentials struct {
	Enabled  bool
	UserID   string
	Password string
}

// commandSink is the part of CommandQueue the handshake drives.
type commandSink interface {
	Submit(cmd string) error
	SubmitUnanswered(cmd string) error
	Len() int
}

// AuthHandshake sequences the USR/PSS login before normal traffic flows.
//
// Transitions only move forward or to AuthRejected. Login completes when a
// VER record arrives after the password; acknowledgment timing alone is
// never taken as proof of authentication.
type AuthHandshake struct {
	creds   Credentials
	machine *fsm.FSM
	logger  Logger
}

// NewAuthHandshake returns a handshake in AuthNotStarted.
func NewAuthHandshake(creds Credentials, logger Logger) *AuthHandshake {
	a := &AuthHandshake{
		creds:  creds,
		logger: orNop(logger),
	}

	a.machine = fsm.NewFSM(
		string(AuthNotStarted),
		fsm.Events{
			{Name: eventSendUser, Src: []string{string(AuthNotStarted)}, Dst: string(AuthUserSent)},
			{Name: eventSendPassword, Src: []string{string(AuthUserSent)}, Dst: string(AuthPasswordSent)},
			{Name: eventAccept, Src: []string{string(AuthNotStarted), string(AuthPasswordSent)}, Dst: string(AuthAuthenticated)},
			{Name: eventReject, Src: []string{string(AuthUserSent), string(AuthPasswordSent)}, Dst: string(AuthRejected)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				a.logger.Debug("auth state changed", "from", e.Src, "to", e.Dst, "event", e.Event)
			},
		},
	)

	return a
}

// State returns the current login state.
func (a *AuthHandshake) State() AuthState {
	return AuthState(a.machine.Current())
}

// Authenticated reports whether normal traffic may flow.
func (a *AuthHandshake) Authenticated() bool {
	return a.machine.Is(string(AuthAuthenticated))
}

// Begin starts the exchange on a fresh connection. It reports true when
// login is disabled and the session is authenticated immediately.
func (a *AuthHandshake) Begin(ctx context.Context, q commandSink) (bool, error) {
	if !a.creds.Enabled {
		if err := a.fire(ctx, eventAccept); err != nil {
			return false, err
		}
		return true, nil
	}

	if err := a.fire(ctx, eventSendUser); err != nil {
		return false, err
	}
	if err := q.Submit(CmdUser + FieldSeparator + a.creds.UserID); err != nil {
		return false, fmt.Errorf("sending user id: %w", err)
	}
	return false, nil
}

// HandleAck reacts to an acknowledgment received before authentication.
// The queue must already have been advanced for this record.
func (a *AuthHandshake) HandleAck(ctx context.Context, q commandSink) error {
	switch a.State() {
	case AuthUserSent:
		if err := a.fire(ctx, eventSendPassword); err != nil {
			return err
		}
		// The device stays silent after PSS; the VER query behind it is
		// what produces the reply that completes login.
		if err := q.SubmitUnanswered(CmdPassword + FieldSeparator + a.creds.Password); err != nil {
			return fmt.Errorf("sending password: %w", err)
		}
		if err := q.Submit(CmdVersion); err != nil {
			return fmt.Errorf("sending version query: %w", err)
		}
	case AuthPasswordSent:
		// Firmware that acknowledges PSS consumes the VER query's slot.
		if q.Len() == 0 {
			if err := q.Submit(CmdVersion); err != nil {
				return fmt.Errorf("sending version query: %w", err)
			}
		}
	}
	return nil
}

// HandleVersion reacts to a VER record. It reports true when this record
// completed the login.
func (a *AuthHandshake) HandleVersion(ctx context.Context) (bool, error) {
	if a.State() != AuthPasswordSent {
		return false, nil
	}
	if err := a.fire(ctx, eventAccept); err != nil {
		return false, err
	}
	return true, nil
}

// HandleRejection classifies a NAK. completed is the command the NAK
// answered. The returned error always wraps ErrCommandRejected.
func (a *AuthHandshake) HandleRejection(ctx context.Context, completed string) error {
	state := a.State()
	credential := state == AuthPasswordSent || isCommand(completed, CmdPassword)

	if state == AuthUserSent || state == AuthPasswordSent {
		if err := a.fire(ctx, eventReject); err != nil {
			return err
		}
	}

	if credential {
		return fmt.Errorf("%w: %w", ErrCommandRejected, ErrCredentialsRejected)
	}
	return fmt.Errorf("%w: %s", ErrCommandRejected, Redact(completed))
}

func (a *AuthHandshake) fire(ctx context.Context, event string) error {
	err := a.machine.Event(ctx, event)
	if err == nil {
		return nil
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	return fmt.Errorf("auth %s from %s: %w", event, a.machine.Current(), err)
}

// isCommand reports whether text is the given command with or without
// arguments.
func isCommand(text, cmd string) bool {
	return text == cmd || strings.HasPrefix(text, cmd+FieldSeparator)
}

// Redact hides the password argument of a PSS command for logging.
func Redact(cmd string) string {
	if isCommand(cmd, CmdPassword) {
		return CmdPassword + FieldSeparator + "***"
	}
	return cmd
}
