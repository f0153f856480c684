package yate

import "errors"

// Sentinel errors for conditions rejected locally, before anything reaches
// the wire. Per spec, timeouts and engine-negative replies are never
// surfaced as errors from suspendable operations — only these
// locally-detected conditions are.
var (
	// ErrNotOutgoing is returned by Enqueue/Dispatch when the message was not
	// constructed with NewMessage (kind != outgoing).
	ErrNotOutgoing = errors.New("yate: message is not outgoing")
	// ErrNotConnected is returned by operations issued while a network
	// connection is down and reconnect is disabled.
	ErrNotConnected = errors.New("yate: not connected")
	// ErrQueueFull is returned when the offline (disconnected) outbound
	// queue has reached its configured bound.
	ErrQueueFull = errors.New("yate: offline queue full")
	// ErrInvalidConfig is returned by Connect when the Config is unusable.
	ErrInvalidConfig = errors.New("yate: invalid configuration")
	// ErrAlreadyAcknowledged is returned by Acknowledge when the message has
	// already received its (first-wins) acknowledgement.
	ErrAlreadyAcknowledged = errors.New("yate: message already acknowledged")
	// ErrClosed is returned by operations issued on a Connection that has
	// already been closed via Close.
	ErrClosed = errors.New("yate: connection closed")
)

// ErrorEvent is delivered on Connection.Errors() for decoding errors and
// the engine's own free-form "Error in ..." lines (spec §4.3, §7).
type ErrorEvent struct {
	// Line is the raw, unparsed line that produced the event.
	Line string
	// Reason is a short machine-oriented description.
	Reason string
}
