// Package replay implements a control session for the Roland P-20HD video
// replay appliance.
//
// The device speaks a half-duplex, line-oriented protocol over a persistent
// TCP stream. Commands are framed as STX + text + ';' and the device answers
// each with an ACK byte, a NAK byte or one or more textual records of the
// form "CCC:arg1,arg2;".
//
// # Architecture
//
//	 Submit ──► CommandQueue ──► TCP ──► P-20HD
//	                ▲                      │
//	   PollScheduler│                      ▼
//	                │     Dispatcher ◄── Framer
//	                │        │
//	                └── StateCache, AuthHandshake
//
// A Session owns one event-loop goroutine per connection. The loop feeds
// inbound bytes through the Framer, hands each Record to the Dispatcher,
// runs poll ticks and accepts external submissions, so the queue, the
// handshake and the poll cursors are never shared between goroutines.
//
// # Command Ordering
//
// At most one command is outstanding. The device never says which command a
// reply belongs to, so every record completes whatever sits at the front of
// the queue.
//
// Commands have no reply timeout. A device that stops answering stalls the
// queue until the connection drops or Close is called.
//
// # Login
//
// When login is enabled the session sends USR:<id>, then PSS:<password>
// followed by VER. The session is ready once the VER record arrives. A NAK
// during login fails the session with ErrCredentialsRejected or
// ErrCommandRejected.
//
// # Usage
//
//	s := replay.NewSession(replay.Config{
//	    Host:         "192.168.1.50",
//	    PollInterval: 500 * time.Millisecond,
//	}, logger)
//	if err := s.Connect(ctx); err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	for ev := range s.Events() {
//	    if ev.Kind == replay.EventStatus && ev.Status == replay.StatusReady {
//	        _ = s.Submit(ctx, "PLY")
//	    }
//	}
//
// # Thread Safety
//
// Session and StateCache are safe for concurrent use. Framer, CommandQueue,
// AuthHandshake, PollScheduler and Dispatcher are owned by the event loop.
package replay
