package rq

import (
	"context"
	"sync"
	"time"

	"github.com/hyperq/librq/internal/bufpool"
	"github.com/hyperq/librq/internal/logger"
	"github.com/hyperq/librq/internal/risp"
	"github.com/hyperq/librq/pkg/metrics"
)

// Options tunes a Client. The zero value (or nil) selects the defaults.
type Options struct {
	// ReadBufferSize is the initial receive buffer per connection; a read
	// that fills it grows it by the same amount. Default 4KB.
	ReadBufferSize int

	// DialTimeout bounds one controller connect attempt. Default 10s.
	DialTimeout time.Duration

	// RetryDelay is the pause after a failed connect before the next
	// controller in the rotation is attempted. Default 250ms.
	RetryDelay time.Duration

	// Metrics receives client instrumentation. Nil disables collection
	// with zero overhead.
	Metrics metrics.ClientMetrics
}

func (o *Options) withDefaults() Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.ReadBufferSize <= 0 {
		out.ReadBufferSize = bufpool.SmallSize
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = 10 * time.Second
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = 250 * time.Millisecond
	}
	return out
}

// Client is a handle to the RQ controller mesh. It owns the ordered
// controller list, the consume subscriptions and the in-flight message
// table. A Client is safe for use from multiple goroutines, though the
// protocol work itself runs on one connection at a time.
type Client struct {
	opts    Options
	metrics metrics.ClientMetrics
	parser  *risp.Parser[*conn]

	mu       sync.Mutex
	conns    []*conn
	subs     []*subscription
	msgs     msgTable
	pool     []*Message
	shutdown bool
	drained  chan struct{} // closed when shutdown has fully drained
	closed   bool
}

// New creates a Client. Controllers are added with AddController; nothing
// connects until the first one is added.
func New(opts *Options) *Client {
	c := &Client{
		opts:    opts.withDefaults(),
		msgs:    newMsgTable(),
		drained: make(chan struct{}),
	}
	c.metrics = c.opts.Metrics
	c.parser = newDispatchTable(c)
	return c
}

// AddController appends a controller endpoint to the failover rotation. The
// first controller added is connected immediately; later ones are only tried
// when every earlier one has failed.
func (c *Client) AddController(host string) error {
	ep, err := ParseEndpoint(host)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown || c.closed {
		return ErrShuttingDown
	}

	c.conns = append(c.conns, newConn(c, host, ep))
	logger.Debug("controller added", "controller", host, "total", len(c.conns))

	if len(c.conns) == 1 {
		c.connectHeadLocked()
	}
	return nil
}

// Consume registers a standing subscription to a named queue. The handler is
// invoked for every request the controller routes here. Consuming a queue
// that is already subscribed is a no-op.
//
// If a controller connection is already active the CONSUME command goes out
// immediately; either way the subscription is replayed to every future
// activation.
func (c *Client) Consume(queue string, handler Handler, opts *ConsumeOptions) error {
	if handler == nil {
		return ErrNilHandler
	}
	if len(queue) == 0 || len(queue) > 255 {
		return ErrQueueName
	}

	var o ConsumeOptions
	if opts != nil {
		o = *opts
	}
	if !o.Priority.Valid() {
		return ErrInvalidPriority
	}
	if o.Max < 0 || o.Max > 0xFFFF {
		return ErrInvalidMax
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown || c.closed {
		return ErrShuttingDown
	}

	for _, s := range c.subs {
		if s.queue == queue {
			return nil
		}
	}

	sub := &subscription{
		queue:     queue,
		max:       o.Max,
		priority:  o.Priority,
		exclusive: o.Exclusive,
		handler:   handler,
		accepted:  o.Accepted,
		dropped:   o.Dropped,
	}
	c.subs = append(c.subs, sub)
	logger.Debug("queue subscribed", "queue", queue,
		"max", o.Max, "priority", o.Priority, "exclusive", o.Exclusive)

	if len(c.conns) > 0 {
		head := c.conns[0]
		if head.active && !head.closing {
			sub.emitConsume(head.sendbuf)
			head.flushSendbuf()
		}
	}
	return nil
}

// NewMessage allocates an outbound message. Set its queue and payload, then
// hand it to Send. The id assigned here is the id that appears on the wire.
func (c *Client) NewMessage() *Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := c.newMessageLocked(nil)
	if c.metrics != nil {
		c.metrics.SetMessagesInFlight(c.msgs.used)
	}
	return msg
}

// Send emits an outbound message to the head controller:
// CLEAR, ID, QUEUE, PAYLOAD, [NOREPLY], (BROADCAST | REQUEST).
//
// replyHandler, when non-nil, is invoked with the message once its REPLY
// arrives; the message is recycled when the handler returns. failHandler is
// invoked instead if the carrying connection is lost before the reply.
//
// If no controller connection is active yet the bytes queue up and flush as
// soon as one activates.
func (c *Client) Send(msg *Message, replyHandler, failHandler func(*Message)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if msg.client != c || msg.conn != nil {
		return ErrNotOutbound
	}
	if msg.sent || msg.state != msgNew {
		return ErrBadState
	}
	if msg.queue == "" {
		return ErrNoQueue
	}
	if len(msg.queue) > 255 {
		return ErrQueueName
	}
	if len(msg.data) == 0 {
		return ErrNoData
	}
	if c.shutdown || c.closed {
		return ErrShuttingDown
	}
	if len(c.conns) == 0 {
		return ErrNoControllers
	}

	msg.replyHandler = replyHandler
	msg.failHandler = failHandler
	msg.sent = true

	head := c.conns[0]
	head.sendbuf.Cmd(risp.CmdClear)
	head.sendbuf.CmdInt(risp.CmdID, uint32(msg.id))
	head.sendbuf.CmdStr(risp.CmdQueue, []byte(msg.queue))
	head.sendbuf.CmdStr(risp.CmdPayload, msg.data)
	if msg.noreply {
		head.sendbuf.Cmd(risp.CmdNoReply)
	}
	if msg.broadcast {
		head.sendbuf.Cmd(risp.CmdBroadcast)
	} else {
		head.sendbuf.Cmd(risp.CmdRequest)
	}
	head.flushSendbuf()

	if c.metrics != nil {
		c.metrics.RecordMessageSent(msg.queue, msg.noreply)
	}
	return nil
}

// Reply answers an inbound request. data may be empty. The reply travels on
// the connection the request arrived on; if that connection is gone the
// reply is silently dropped (the peer can no longer use it).
//
// Calling Reply inside the subscription handler resolves the message when
// the handler returns; calling it later, from another callback, resolves it
// immediately.
func (m *Message) Reply(data []byte) error {
	c := m.client
	if c == nil {
		return ErrBadState
	}

	c.mu.Lock()

	if m.conn == nil {
		c.mu.Unlock()
		return ErrNotInbound
	}
	if m.noreply {
		c.mu.Unlock()
		return ErrNoReplyExpected
	}
	if m.broadcast {
		c.mu.Unlock()
		return ErrBadState
	}
	if m.state != msgDelivering && m.state != msgDelivered {
		c.mu.Unlock()
		return ErrBadState
	}

	cn := m.conn
	if cn.sock == nil || cn.sess != m.connSess {
		// The delivering session is gone; the reply is transient and
		// has nowhere useful to go. Resolve the message quietly.
		if m.state == msgDelivered {
			c.clearMessageLocked(m)
		} else {
			m.state = msgReplied
		}
		c.mu.Unlock()
		return nil
	}

	cn.sendbuf.Cmd(risp.CmdClear)
	cn.sendbuf.CmdInt(risp.CmdID, m.srcID)
	if len(data) > 0 {
		cn.sendbuf.CmdStr(risp.CmdPayload, data)
	}
	cn.sendbuf.Cmd(risp.CmdReply)
	cn.flushSendbuf()

	if c.metrics != nil {
		c.metrics.RecordReplySent()
	}

	if m.state == msgDelivered {
		// Sent outside the handler; nothing else will recycle it.
		c.clearMessageLocked(m)
	} else {
		// Inside the handler; the dispatch path recycles it on return.
		m.state = msgReplied
	}
	c.mu.Unlock()
	return nil
}

// Shutdown begins an orderly teardown: each connection still connecting is
// abandoned, each active one is sent CLOSING, and the client waits for the
// in-flight message table to drain before closing sockets. The context
// bounds the wait; on expiry remaining connections are torn down with their
// messages, except that a message still held by a running user callback is
// kept and the connections close only once it resolves.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		<-c.drained
		return nil
	}
	c.shutdown = true
	logger.Info("client shutting down", "inflight", c.msgs.used)

	// Closing a connection rotates the list, so restart the scan after
	// every mutation; already-marked connections are skipped.
restart:
	for _, cn := range c.conns {
		if cn.shutdown {
			continue
		}
		cn.shutdown = true

		switch {
		case cn.connecting:
			// The dial goroutine observes the flag and discards the
			// socket.
		case cn.active:
			cn.sendbuf.Cmd(risp.CmdClosing)
			cn.flushSendbuf()
			cn.closing = true
			if c.msgs.used == 0 {
				c.closeConnLocked(cn, nil)
				goto restart
			}
		}
	}

	if c.msgs.used == 0 {
		c.finishShutdownLocked()
	}
	c.mu.Unlock()

	select {
	case <-c.drained:
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		c.forceCloseLocked()
		c.mu.Unlock()
		return ctx.Err()
	}
}

// finishShutdownLocked closes the connections that were kept open to drain
// in-flight messages, then signals Shutdown's waiters. Caller holds c.mu.
func (c *Client) finishShutdownLocked() {
	for {
		closed := false
		for _, cn := range c.conns {
			if cn.sock != nil && cn.active {
				c.closeConnLocked(cn, nil)
				closed = true
				break // list rotated; rescan
			}
		}
		if !closed {
			break
		}
	}
	select {
	case <-c.drained:
	default:
		close(c.drained)
	}
}

// forceCloseLocked abandons the drain: remaining messages are dropped and,
// once the table is empty, every live socket is closed. A message held by a
// running user callback is not dropped, so the sockets stay open until that
// message resolves. Caller holds c.mu.
func (c *Client) forceCloseLocked() {
	for i := range c.msgs.list {
		if m := c.msgs.list[i]; m != nil && !m.busy {
			c.clearMessageLocked(m)
		}
	}
	if c.msgs.used == 0 {
		// clearMessageLocked already ran finishShutdownLocked on the
		// last message; this handles the zero-message case.
		c.finishShutdownLocked()
	}
}

// Close releases the client. It fails with ErrNotDrained while connections
// or in-flight messages remain; call Shutdown first.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, cn := range c.conns {
		if cn.sock != nil || cn.connecting {
			return ErrNotDrained
		}
	}
	if c.msgs.used > 0 {
		return ErrNotDrained
	}

	c.closed = true
	c.conns = nil
	c.subs = nil
	c.pool = nil
	c.msgs = newMsgTable()
	return nil
}

// Inflight returns the number of live messages in the table.
func (c *Client) Inflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msgs.used
}

// Controllers returns the endpoints in current rotation order; the first
// entry is the one connect attempts target.
func (c *Client) Controllers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.conns))
	for i, cn := range c.conns {
		out[i] = cn.hostname
	}
	return out
}
