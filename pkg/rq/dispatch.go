package rq

import (
	"errors"
	"fmt"

	"github.com/hyperq/librq/internal/logger"
	"github.com/hyperq/librq/internal/risp"
)

// errMissingParam marks verbs that fired without their required accumulated
// parameters. It is connection-fatal.
var errMissingParam = errors.New("rq: verb missing required parameters")

// errUnsupportedVerb marks verbs the client never expects from a controller.
var errUnsupportedVerb = errors.New("rq: unsupported verb from controller")

// errBadRef marks verbs that name a message id with no matching in-flight
// message in the expected state.
var errBadRef = errors.New("rq: verb references unknown or mismatched message")

// newDispatchTable builds the RISP dispatch table shared by all of a
// client's connections. Parameter commands write into the connection's
// accumulator; verb commands consume it and act.
func newDispatchTable(c *Client) *risp.Parser[*conn] {
	p := risp.NewParser[*conn]()

	// Parameter setters.
	p.HandleInt(risp.CmdID, func(cn *conn, v uint32) {
		cn.acc.id = v
		cn.acc.mask |= maskID
	})
	p.HandleInt(risp.CmdQueueID, func(cn *conn, v uint32) {
		cn.acc.qid = v
		cn.acc.mask |= maskQueueID
	})
	p.HandleInt(risp.CmdTimeout, func(cn *conn, v uint32) {
		cn.acc.timeout = v
		cn.acc.mask |= maskTimeout
	})
	p.HandleInt(risp.CmdPriority, func(cn *conn, v uint32) {
		cn.acc.priority = v
		cn.acc.mask |= maskPriority
	})
	p.HandleBytes(risp.CmdQueue, func(cn *conn, data []byte) {
		cn.acc.queue = append(cn.acc.queue[:0], data...)
		cn.acc.mask |= maskQueue
	})
	p.HandleBytes(risp.CmdPayload, func(cn *conn, data []byte) {
		cn.acc.setPayload(data)
	})
	p.Handle(risp.CmdNoReply, func(cn *conn) {
		cn.acc.noreply = true
	})

	// Verb actions.
	p.Handle(risp.CmdClear, func(cn *conn) { cn.acc.clear() })
	p.Handle(risp.CmdPing, c.cmdPing)
	p.Handle(risp.CmdPong, func(cn *conn) {
		// Reserved for heartbeat accounting.
	})
	p.Handle(risp.CmdRequest, c.cmdRequest)
	p.Handle(risp.CmdReply, c.cmdReply)
	p.Handle(risp.CmdDelivered, c.cmdDelivered)
	p.Handle(risp.CmdConsuming, c.cmdConsuming)
	p.Handle(risp.CmdClosing, c.cmdClosing)
	p.Handle(risp.CmdBroadcast, func(cn *conn) {
		cn.violation = fmt.Errorf("%w: BROADCAST", errUnsupportedVerb)
	})
	p.Handle(risp.CmdServerFull, func(cn *conn) {
		cn.violation = fmt.Errorf("%w: SERVER_FULL", errUnsupportedVerb)
	})

	return p
}

// cmdPing answers the controller's heartbeat with a single PONG byte.
func (c *Client) cmdPing(cn *conn) {
	cn.enqueue([]byte{risp.CmdPong})
}

// cmdRequest delivers an inbound message to the matching subscription.
//
// The controller addresses the queue by id or by name. A request for a queue
// this client does not consume is answered UNDELIVERED; otherwise DELIVERED
// is acknowledged first, the payload moves out of the accumulator into a
// fresh message, and the subscription handler runs. What happens after the
// handler returns depends on how it left the message: replied (or noreply)
// means it can be recycled immediately, anything else stays in the table
// until the application calls Reply.
func (c *Client) cmdRequest(cn *conn) {
	acc := cn.acc
	if !acc.has(maskID|maskPayload) || !acc.has(maskQueueID) && !acc.has(maskQueue) {
		cn.violation = fmt.Errorf("%w: REQUEST", errMissingParam)
		return
	}

	srcID := acc.id
	var qid uint32
	var qname string
	if acc.has(maskQueueID) {
		qid = acc.qid
	}
	if acc.has(maskQueue) {
		qname = string(acc.queue)
	}

	c.mu.Lock()
	sub := c.findSubLocked(qid, qname)
	if sub == nil {
		// Not a queue we consume.
		cn.sendbuf.Cmd(risp.CmdClear)
		cn.sendbuf.CmdInt(risp.CmdID, srcID)
		cn.sendbuf.Cmd(risp.CmdUndelivered)
		cn.flushSendbuf()
		if c.metrics != nil {
			c.metrics.RecordUndelivered()
		}
		c.mu.Unlock()
		logger.Debug("request for unconsumed queue",
			"controller", cn.hostname, "queue", qname, "qid", qid)
		return
	}

	cn.sendbuf.Cmd(risp.CmdClear)
	cn.sendbuf.CmdInt(risp.CmdID, srcID)
	cn.sendbuf.Cmd(risp.CmdDelivered)
	cn.flushSendbuf()

	msg := c.newMessageLocked(cn)
	msg.srcID = srcID
	msg.noreply = acc.noreply
	if acc.has(maskTimeout) {
		msg.timeout = acc.timeout
	}
	msg.data = acc.takePayload()
	msg.pooledData = true
	msg.state = msgDelivering
	msg.busy = true

	handler := sub.handler
	if c.metrics != nil {
		c.metrics.RecordRequestReceived(sub.queue)
		c.metrics.SetMessagesInFlight(c.msgs.used)
	}
	c.mu.Unlock()

	handler(msg)

	c.mu.Lock()
	msg.busy = false
	switch {
	case msg.noreply, msg.state == msgReplied:
		c.clearMessageLocked(msg)
	case cn.sock == nil || cn.sess != msg.connSess:
		// The delivering session died during the handler; a late Reply
		// has nowhere to go.
		c.clearMessageLocked(msg)
	default:
		// Handler kept the message; it resolves on a later Reply.
		msg.state = msgDelivered
	}
	c.mu.Unlock()
}

// cmdDelivered resolves the controller's delivery acknowledgment for an
// outbound message. Fire-and-forget messages are finished here; the rest
// wait for their REPLY.
func (c *Client) cmdDelivered(cn *conn) {
	if !cn.acc.has(maskID) {
		cn.violation = fmt.Errorf("%w: DELIVERED", errMissingParam)
		return
	}
	id := int(cn.acc.id)

	c.mu.Lock()
	msg := c.msgs.get(id)
	if msg == nil || msg.conn != nil || msg.state != msgNew {
		c.mu.Unlock()
		cn.violation = fmt.Errorf("%w: DELIVERED id=%d", errBadRef, id)
		return
	}
	if msg.noreply {
		c.clearMessageLocked(msg)
	} else {
		msg.state = msgDelivered
	}
	c.mu.Unlock()
}

// cmdReply correlates an inbound REPLY with the outbound message that asked
// for it, hands the reply payload to the message's handler and recycles the
// message.
func (c *Client) cmdReply(cn *conn) {
	acc := cn.acc
	if !acc.has(maskID | maskPayload) {
		cn.violation = fmt.Errorf("%w: REPLY", errMissingParam)
		return
	}
	id := int(acc.id)

	c.mu.Lock()
	msg := c.msgs.get(id)
	if msg == nil || msg.conn != nil || msg.state != msgDelivered {
		c.mu.Unlock()
		cn.violation = fmt.Errorf("%w: REPLY id=%d", errBadRef, id)
		return
	}

	// The reply payload displaces whatever the message carried out.
	msg.data = acc.takePayload()
	msg.pooledData = true
	msg.busy = true

	handler := msg.replyHandler
	if c.metrics != nil {
		c.metrics.RecordReplyReceived()
	}
	c.mu.Unlock()

	if handler != nil {
		handler(msg)
	}

	c.mu.Lock()
	msg.busy = false
	c.clearMessageLocked(msg)
	c.mu.Unlock()
}

// cmdConsuming records the controller's acknowledgment of a CONSUME,
// binding the assigned queue id to the subscription.
func (c *Client) cmdConsuming(cn *conn) {
	acc := cn.acc
	if !acc.has(maskQueueID|maskQueue) || acc.qid == 0 {
		cn.violation = fmt.Errorf("%w: CONSUMING", errMissingParam)
		return
	}
	queue := string(acc.queue)
	qid := uint16(acc.qid)

	c.mu.Lock()
	var accepted func(string, uint16)
	for _, s := range c.subs {
		if s.queue == queue {
			if s.qid == 0 {
				s.qid = qid
				accepted = s.accepted
			}
			break
		}
	}
	c.mu.Unlock()

	logger.Debug("subscription acknowledged", "queue", queue, "qid", qid)
	if accepted != nil {
		accepted(queue, qid)
	}
}

// cmdClosing handles the controller's soft close: no new work will be
// accepted, but in-flight messages keep draining on this socket. The closing
// connection rotates out of head position so a replacement can be prepared
// immediately.
func (c *Client) cmdClosing(cn *conn) {
	logger.Info("controller closing", "controller", cn.hostname)

	c.mu.Lock()
	cn.closing = true
	if len(c.conns) > 1 && c.conns[0] == cn {
		c.rotateToTailLocked(cn)
	}
	c.connectHeadLocked()
	c.mu.Unlock()
}
