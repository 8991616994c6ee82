package rq

import "errors"

// API misuse is reported through these sentinel errors. Transport failures
// never surface here; they are absorbed by controller failover per the
// library's fire-and-continue contract.
var (
	// ErrNoControllers is returned when an operation needs a controller
	// connection but none has been added.
	ErrNoControllers = errors.New("rq: no controllers configured")

	// ErrInvalidEndpoint is returned by AddController for an endpoint
	// string that does not parse as host:port, ipv4, [ipv6]:port or [ipv6].
	ErrInvalidEndpoint = errors.New("rq: invalid controller endpoint")

	// ErrQueueName is returned for an empty queue name or one of 256 bytes
	// or more.
	ErrQueueName = errors.New("rq: queue name must be 1-255 bytes")

	// ErrNilHandler is returned by Consume when no handler is supplied.
	ErrNilHandler = errors.New("rq: consume handler must not be nil")

	// ErrInvalidPriority is returned for a priority outside
	// {None, Low, Normal, High}.
	ErrInvalidPriority = errors.New("rq: invalid priority")

	// ErrInvalidMax is returned by Consume for a max-in-flight outside
	// the protocol's 16-bit range.
	ErrInvalidMax = errors.New("rq: max must be between 0 and 65535")

	// ErrNotOutbound is returned by Send for a message that arrived from a
	// controller rather than being created with NewMessage.
	ErrNotOutbound = errors.New("rq: message is not an outbound message")

	// ErrNotInbound is returned by Reply for a message that was not
	// delivered by a controller.
	ErrNotInbound = errors.New("rq: message is not an inbound request")

	// ErrNoQueue is returned by Send when the message has no target queue.
	ErrNoQueue = errors.New("rq: message has no queue set")

	// ErrNoData is returned by Send when the message payload is empty.
	ErrNoData = errors.New("rq: message has no payload")

	// ErrBadState is returned when a message is sent or replied to twice,
	// or replied to after it was already resolved.
	ErrBadState = errors.New("rq: message is in the wrong state for this operation")

	// ErrNoReplyExpected is returned by Reply on a message the peer marked
	// fire-and-forget.
	ErrNoReplyExpected = errors.New("rq: message was sent noreply")

	// ErrShuttingDown is returned for operations started after Shutdown.
	ErrShuttingDown = errors.New("rq: client is shutting down")

	// ErrNotDrained is returned by Close while connections or in-flight
	// messages remain.
	ErrNotDrained = errors.New("rq: client still has live connections or messages")
)
