package replay

import (
	"fmt"
	"strings"
)

// Transmitter writes one encoded command frame to the device.
type Transmitter interface {
	Transmit(frame []byte) error
}

// TransmitFunc adapts a function to Transmitter.
type TransmitFunc func(frame []byte) error

// Transmit implements Transmitter.
func (f TransmitFunc) Transmit(frame []byte) error { return f(frame) }

// EncodeCommand frames a command for the wire: STX + text + ';'.
func EncodeCommand(cmd string) []byte {
	frame := make([]byte, 0, len(cmd)+2)
	frame = append(frame, ByteSTX)
	frame = append(frame, cmd...)
	return append(frame, Terminator)
}

// ValidateCommand rejects text that would corrupt the framing.
func ValidateCommand(cmd string) error {
	if strings.TrimSpace(cmd) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidCommand)
	}
	for i := 0; i < len(cmd); i++ {
		if c := cmd[i]; c == Terminator || c < 0x20 || c == 0x7f {
			return fmt.Errorf("%w: byte 0x%02X at offset %d", ErrInvalidCommand, c, i)
		}
	}
	return nil
}

// queuedCommand is one entry in the CommandQueue.
type queuedCommand struct {
	text string
	// unanswered commands leave the queue as soon as they are written.
	unanswered bool
}

// CommandQueue serialises commands onto the wire.
//
// The front entry is the only command in flight. A command is written
// immediately only when the queue was empty before it was added; every
// other command waits until Advance is called for the one ahead of it.
//
// Not safe for concurrent use. The session event loop owns it.
type CommandQueue struct {
	tx      Transmitter
	pending []queuedCommand
	open    bool

	transmitted uint64
}

// NewCommandQueue creates a closed queue writing through tx.
func NewCommandQueue(tx Transmitter) *CommandQueue {
	return &CommandQueue{tx: tx}
}

// Open discards anything pending and accepts submissions.
func (q *CommandQueue) Open() {
	q.pending = nil
	q.open = true
}

// Close refuses further submissions and stops all writes. Pending entries
// are kept so Advance can still report the command a late reply completes.
func (q *CommandQueue) Close() {
	q.open = false
}

// IsOpen reports whether the queue accepts submissions.
func (q *CommandQueue) IsOpen() bool {
	return q.open
}

// Submit appends cmd and writes it at once if nothing was queued.
// A closed queue returns ErrNotReady and is left untouched.
func (q *CommandQueue) Submit(cmd string) error {
	return q.submit(queuedCommand{text: cmd})
}

// SubmitUnanswered queues a command the device does not reply to on its
// own. It is dropped from the front as soon as it is written, letting the
// next command go out behind it.
func (q *CommandQueue) SubmitUnanswered(cmd string) error {
	return q.submit(queuedCommand{text: cmd, unanswered: true})
}

func (q *CommandQueue) submit(c queuedCommand) error {
	if !q.open {
		return ErrNotReady
	}

	wasEmpty := len(q.pending) == 0
	q.pending = append(q.pending, c)
	if !wasEmpty {
		return nil
	}

	if err := q.transmitFront(); err != nil {
		// Undo so a failed write leaves no trace.
		q.pending = q.pending[:0]
		return err
	}
	return nil
}

// Advance completes the in-flight command and writes the next one.
// It returns the completed command text ("" if the queue was empty).
func (q *CommandQueue) Advance() (string, error) {
	if len(q.pending) == 0 {
		return "", nil
	}

	completed := q.pending[0].text
	q.pending = q.pending[1:]

	if !q.open || len(q.pending) == 0 {
		return completed, nil
	}
	return completed, q.transmitFront()
}

// transmitFront writes the front command, dropping unanswered ones and
// carrying on until an answered command is in flight.
func (q *CommandQueue) transmitFront() error {
	for len(q.pending) > 0 {
		front := q.pending[0]
		if err := q.tx.Transmit(EncodeCommand(front.text)); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrTransmitFailed, front.text, err)
		}
		q.transmitted++

		if !front.unanswered {
			return nil
		}
		q.pending = q.pending[1:]
	}
	return nil
}

// InFlight returns the command awaiting completion, if any.
func (q *CommandQueue) InFlight() (string, bool) {
	if len(q.pending) == 0 {
		return "", false
	}
	return q.pending[0].text, true
}

// Len returns the number of queued commands including the one in flight.
func (q *CommandQueue) Len() int {
	return len(q.pending)
}

// Transmitted returns how many frames this queue has written.
func (q *CommandQueue) Transmitted() uint64 {
	return q.transmitted
}
