// Package p20hd bridges a P-20HD replay session onto the Gray Logic MQTT bus.
//
// The bridge sits between the MQTT broker and one replay.Session:
//
//	┌─────────────────┐          ┌─────────────────┐   TCP 8023
//	│   Gray Logic    │   MQTT   │  P-20HD Bridge  │◄──────────► P-20HD
//	│      Core       │◄────────►│   (this pkg)    │
//	└─────────────────┘          └─────────────────┘
//
// # Topics
//
// All topics use protocol "p20hd" and the configured bridge ID as address:
//
//	graylogic/command/p20hd/{id}   commands in (raw text or named action)
//	graylogic/ack/p20hd/{id}       accepted / failed acknowledgements
//	graylogic/state/p20hd/{id}     retained device snapshot, on change
//	graylogic/status/p20hd/{id}    retained session status
//	graylogic/health/p20hd         periodic health, LWT
//
// # Reconnection
//
// The replay session never retries on its own. The bridge supervises it:
// when the session reports failed it schedules another Connect with
// exponential backoff, from the reconnect interval up to the maximum, and
// resets the delay once the session is ready again.
//
// # Side Channels
//
// Every session event is also recorded in the journal, written to InfluxDB
// where relevant, and broadcast to WebSocket subscribers. All three are
// optional.
package p20hd
