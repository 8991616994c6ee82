package rq

import "github.com/hyperq/librq/internal/risp"

// Handler processes one inbound request from a consumed queue. It may call
// msg.Reply before returning, or retain the message and reply later from
// another callback. It must not block.
type Handler func(msg *Message)

// ConsumeOptions tunes a subscription. The zero value consumes with no
// in-flight limit, PriorityNone and shared (non-exclusive) delivery.
type ConsumeOptions struct {
	// Max is the number of unreplied deliveries the controller may have
	// outstanding to this client at once. 0 means no limit.
	Max int

	// Priority orders this consumer against others on the same queue.
	Priority Priority

	// Exclusive requests sole consumption of the queue.
	Exclusive bool

	// Accepted, when non-nil, is invoked once the controller acknowledges
	// the subscription and assigns a queue id.
	Accepted func(queue string, qid uint16)

	// Dropped, when non-nil, is invoked when the connection carrying an
	// acknowledged subscription is lost. The subscription itself survives
	// and is replayed on the next activation.
	Dropped func(queue string, qid uint16)
}

// subscription is one entry in the client's consume list. It lives until
// client teardown and is re-announced to every newly activated connection.
type subscription struct {
	queue     string
	qid       uint16 // controller-assigned; 0 until CONSUMING arrives
	max       int
	priority  Priority
	exclusive bool

	handler  Handler
	accepted func(queue string, qid uint16)
	dropped  func(queue string, qid uint16)
}

// emitConsume appends this subscription's CONSUME sequence to the emitter:
// CLEAR, [EXCLUSIVE], QUEUE, MAX, PRIORITY, CONSUME.
func (s *subscription) emitConsume(e *risp.Emitter) {
	e.Cmd(risp.CmdClear)
	if s.exclusive {
		e.Cmd(risp.CmdExclusive)
	}
	e.CmdStr(risp.CmdQueue, []byte(s.queue))
	e.CmdInt(risp.CmdMax, uint32(s.max))
	e.CmdInt(risp.CmdPriority, uint32(s.priority))
	e.Cmd(risp.CmdConsume)
}

// findSubLocked returns the subscription matching a queue id or name, or
// nil. Inbound REQUESTs may carry either form. Caller holds c.mu.
func (c *Client) findSubLocked(qid uint32, queue string) *subscription {
	for _, s := range c.subs {
		if (qid != 0 && uint32(s.qid) == qid) || (queue != "" && s.queue == queue) {
			return s
		}
	}
	return nil
}
