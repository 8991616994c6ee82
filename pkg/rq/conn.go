package rq

import (
	"net"
	"sync"
	"time"

	"github.com/hyperq/librq/internal/logger"
	"github.com/hyperq/librq/internal/risp"
)

// conn is one controller endpoint and, when the endpoint is the head of the
// connection list, the live TCP session to it.
//
// Lifecycle: idle -> connecting (dial in flight) -> active (reader and
// writer goroutines running, subscriptions replayed) -> closed. A lost or
// refused connection rotates to the tail of the client's list and the new
// head is attempted.
//
// Locking: all fields except acc and the write state are guarded by
// client.mu. acc belongs to the read goroutine. outbuf and the writer flag
// are guarded by writeMu so that emission never blocks on socket I/O.
type conn struct {
	client   *Client
	hostname string
	endpoint Endpoint

	sock       net.Conn
	sess       uint64 // bumped on every activation; correlates inbound messages
	connecting bool
	active     bool
	closing    bool
	shutdown   bool

	// acc accumulates RISP parameters between verbs. Non-nil iff active.
	// violation is set by a verb handler when required parameters are
	// missing; the read loop then drops the connection.
	acc       *accumulator
	violation error

	// sendbuf assembles one outgoing command batch at a time (client.mu).
	sendbuf *risp.Emitter

	writeMu   sync.Mutex
	writeCond *sync.Cond
	outbuf    []byte
	writerRun bool
	writing   bool // writer goroutine is inside sock.Write
}

func newConn(c *Client, hostname string, ep Endpoint) *conn {
	cn := &conn{
		client:   c,
		hostname: hostname,
		endpoint: ep,
		sendbuf:  risp.NewEmitter(512),
	}
	cn.writeCond = sync.NewCond(&cn.writeMu)
	return cn
}

// enqueue appends data to the pending-output buffer and wakes the writer.
// While the connection is not active no writer is running and the bytes wait
// for the next activation. Safe to call with or without client.mu held.
func (cn *conn) enqueue(data []byte) {
	cn.writeMu.Lock()
	cn.outbuf = append(cn.outbuf, data...)
	cn.writeCond.Signal()
	cn.writeMu.Unlock()
}

// flushSendbuf hands the assembled command batch to the connection and
// resets the scratch emitter for the next batch. Caller holds client.mu.
func (cn *conn) flushSendbuf() {
	cn.enqueue(cn.sendbuf.Bytes())
	cn.sendbuf.Reset()
}

// connectHeadLocked starts a dial of the list head, if the head is idle.
// Only the head is ever connected; failover rotates the list underneath
// this. Caller holds c.mu.
func (c *Client) connectHeadLocked() {
	if c.shutdown || len(c.conns) == 0 {
		return
	}
	head := c.conns[0]
	if head.shutdown || head.closing || head.connecting || head.active || head.sock != nil {
		return
	}
	head.connecting = true
	go head.dial()
}

// dial connects to the controller endpoint. On success the connection
// activates; on failure it rotates to the tail and the new head is attempted
// after the retry delay.
func (cn *conn) dial() {
	c := cn.client
	d := net.Dialer{Timeout: c.opts.DialTimeout}
	sock, err := d.Dial("tcp", cn.endpoint.Addr())

	c.mu.Lock()
	cn.connecting = false

	if cn.shutdown || c.shutdown {
		c.mu.Unlock()
		if sock != nil {
			_ = sock.Close()
		}
		return
	}

	if err != nil {
		logger.Debug("controller connect failed", "controller", cn.hostname, "error", err)
		if c.metrics != nil {
			c.metrics.RecordConnectFailure(cn.hostname)
		}
		c.failoverLocked(cn, false)
		retry := c.opts.RetryDelay
		c.mu.Unlock()
		time.AfterFunc(retry, func() {
			c.mu.Lock()
			c.connectHeadLocked()
			c.mu.Unlock()
		})
		return
	}

	cn.activateLocked(sock)
	c.mu.Unlock()
}

// activateLocked completes the connecting -> active transition: the
// accumulator is created, subscriptions are replayed into the output FIFO
// behind any bytes queued before activation, and the reader and writer
// goroutines start. Caller holds client.mu.
func (cn *conn) activateLocked(sock net.Conn) {
	c := cn.client

	cn.sock = sock
	cn.sess++
	cn.active = true
	cn.violation = nil
	cn.acc = newAccumulator()

	logger.Info("controller connected", "controller", cn.hostname)
	if c.metrics != nil {
		c.metrics.RecordConnect(cn.hostname)
		c.metrics.SetActiveConnections(c.activeCountLocked())
	}

	// Re-announce every subscription to the fresh controller.
	for _, s := range c.subs {
		s.emitConsume(cn.sendbuf)
		cn.flushSendbuf()
	}

	cn.writeMu.Lock()
	cn.writerRun = true
	cn.writeMu.Unlock()

	go cn.writeLoop(sock)
	go cn.readLoop(sock)
}

// writeLoop drains the pending-output buffer to the socket, sleeping while
// it is empty. It exits when the connection closes or the write fails.
func (cn *conn) writeLoop(sock net.Conn) {
	for {
		cn.writeMu.Lock()
		for len(cn.outbuf) == 0 && cn.writerRun {
			cn.writeCond.Wait()
		}
		if !cn.writerRun {
			cn.writeMu.Unlock()
			return
		}
		data := cn.outbuf
		cn.outbuf = nil
		cn.writing = true
		cn.writeMu.Unlock()

		_, err := sock.Write(data)

		cn.writeMu.Lock()
		cn.writing = false
		cn.writeCond.Broadcast()
		cn.writeMu.Unlock()

		if err != nil {
			cn.client.connClosed(cn, sock, err)
			return
		}
		if m := cn.client.metrics; m != nil {
			m.RecordBytesSent(len(data))
		}
	}
}

// readLoop reads the socket into a scratch buffer and feeds the RISP parser,
// carrying any partial trailing command over between reads. A read that
// fills the whole buffer grows it by one page for the next round. EOF or any
// hard error hands the connection to failover.
func (cn *conn) readLoop(sock net.Conn) {
	c := cn.client
	readbuf := make([]byte, c.opts.ReadBufferSize)
	var inbuf []byte

	for {
		n, err := sock.Read(readbuf)
		if n > 0 {
			if m := c.metrics; m != nil {
				m.RecordBytesReceived(n)
			}
			chunk := readbuf[:n]

			var consumed int
			var perr error
			if inbuf == nil {
				consumed, perr = c.parser.Process(cn, chunk)
				if rest := chunk[consumed:]; perr == nil && len(rest) > 0 {
					inbuf = append(inbuf, rest...)
				}
			} else {
				inbuf = append(inbuf, chunk...)
				consumed, perr = c.parser.Process(cn, inbuf)
				if consumed > 0 {
					rest := copy(inbuf, inbuf[consumed:])
					inbuf = inbuf[:rest]
				}
				if len(inbuf) == 0 {
					inbuf = nil
				}
			}

			if perr == nil {
				perr = cn.violation
			}
			if perr != nil {
				logger.Error("protocol violation, dropping connection",
					"controller", cn.hostname, "error", perr)
				c.connClosed(cn, sock, perr)
				return
			}

			// Filling the whole buffer means the peer has more to give;
			// read in bigger units from now on.
			if n == len(readbuf) {
				readbuf = make([]byte, len(readbuf)+c.opts.ReadBufferSize)
			}
		}
		if err != nil {
			c.connClosed(cn, sock, err)
			return
		}
	}
}

// connClosed is the entry point for connection loss from the I/O goroutines.
// The sock parameter guards against stale invocations: once the connection
// has been torn down (or re-activated with a new socket) late callers are
// no-ops.
func (c *Client) connClosed(cn *conn, sock net.Conn, cause error) {
	c.mu.Lock()
	if cn.sock == nil || cn.sock != sock {
		c.mu.Unlock()
		return
	}
	callbacks := c.closeConnLocked(cn, cause)
	c.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

// closeConnLocked tears down a live connection: socket closed, writer
// stopped, accumulator released, subscriptions marked unacknowledged,
// unresolved outbound messages failed, inbound messages owned by this
// connection dropped. The connection rotates to the tail and the new head is
// attempted unless the client is shutting down.
//
// User callbacks (dropped, fail handlers) are returned for invocation after
// the lock is released. Caller holds c.mu.
func (c *Client) closeConnLocked(cn *conn, cause error) []func() {
	wasActive := cn.active

	cn.writeMu.Lock()
	pending := cn.outbuf
	cn.outbuf = nil
	cn.writerRun = false
	cn.writeCond.Broadcast()
	cn.writeMu.Unlock()

	// An orderly shutdown close races the writer for the final commands
	// (the last reply, the CLOSING). Wait out any in-flight write, then
	// flush what the writer never picked up, before the socket goes.
	if c.shutdown && wasActive {
		_ = cn.sock.SetWriteDeadline(time.Now().Add(time.Second))
		cn.writeMu.Lock()
		for cn.writing {
			cn.writeCond.Wait()
		}
		cn.writeMu.Unlock()
		if len(pending) > 0 {
			_, _ = cn.sock.Write(pending)
			pending = nil
		}
	}

	_ = cn.sock.Close()
	cn.sock = nil
	cn.active = false
	cn.closing = false
	if cn.acc != nil {
		cn.acc.release()
		cn.acc = nil
	}

	logger.Info("controller connection closed",
		"controller", cn.hostname, "error", cause)
	if c.metrics != nil {
		c.metrics.RecordDisconnect(cn.hostname)
		c.metrics.SetActiveConnections(c.activeCountLocked())
	}

	var callbacks []func()
	if wasActive {
		// The controller-side consumer registrations died with the
		// session. The subscriptions themselves survive and replay on
		// the next activation.
		for _, s := range c.subs {
			if s.qid == 0 {
				continue
			}
			qid := s.qid
			s.qid = 0
			if s.dropped != nil && !c.shutdown {
				queue, fn := s.queue, s.dropped
				callbacks = append(callbacks, func() { fn(queue, qid) })
			}
		}

		// Outbound messages already on the wire can no longer be
		// correlated with a reply; inbound messages can no longer be
		// replied to.
		for i := range c.msgs.list {
			m := c.msgs.list[i]
			if m == nil {
				continue
			}
			switch {
			case m.busy:
				// A user callback holds it; the dispatch path that
				// invoked the callback resolves it.
			case m.conn == cn:
				c.clearMessageLocked(m)
			case m.conn == nil && m.sent && (m.state == msgNew || m.state == msgDelivered):
				if fn := m.failHandler; fn != nil {
					msg := m
					msg.busy = true
					callbacks = append(callbacks, func() {
						fn(msg)
						c.mu.Lock()
						msg.busy = false
						c.clearMessageLocked(msg)
						c.mu.Unlock()
					})
				} else {
					c.clearMessageLocked(m)
				}
			}
		}
	}

	if len(c.conns) > 1 {
		c.rotateToTailLocked(cn)
		if c.metrics != nil {
			c.metrics.RecordFailover()
		}
	}

	// Bytes queued before a failed activation carry over to the next
	// candidate; bytes of a dead session do not.
	if !wasActive && len(pending) > 0 {
		c.conns[0].enqueue(pending)
	}

	if !c.shutdown {
		c.connectHeadLocked()
	}
	return callbacks
}

// failoverLocked handles a dial failure: rotate the endpoint to the tail and
// carry its pending output to the new head. Caller holds c.mu.
func (c *Client) failoverLocked(cn *conn, wasActive bool) {
	cn.writeMu.Lock()
	pending := cn.outbuf
	cn.outbuf = nil
	cn.writeMu.Unlock()

	if len(c.conns) > 1 {
		c.rotateToTailLocked(cn)
		if c.metrics != nil {
			c.metrics.RecordFailover()
		}
	}
	if !wasActive && len(pending) > 0 {
		c.conns[0].enqueue(pending)
	}
}

// rotateToTailLocked moves cn to the tail of the connection list, keeping
// the arrival order of the others. Caller holds c.mu.
func (c *Client) rotateToTailLocked(cn *conn) {
	for i, other := range c.conns {
		if other == cn {
			c.conns = append(append(c.conns[:i], c.conns[i+1:]...), cn)
			return
		}
	}
}

// activeCountLocked counts live sessions (normally 0 or 1; briefly 2 while a
// CLOSING controller drains). Caller holds c.mu.
func (c *Client) activeCountLocked() int {
	n := 0
	for _, cn := range c.conns {
		if cn.active {
			n++
		}
	}
	return n
}
