package rq

import "github.com/hyperq/librq/internal/bufpool"

// msgState tracks a message through its lifecycle.
//
// Outbound: new -> delivered (DELIVERED verb) -> cleared on REPLY.
// Inbound: new -> delivering (inside the handler) -> replied (handler called
// Reply) or delivered (handler returned without replying) -> cleared.
type msgState int

const (
	msgNew msgState = iota
	msgDelivering
	msgDelivered
	msgReplied
)

// Message is one in-flight request, either built locally for Send or
// delivered by a controller to a subscription handler.
//
// A Message is owned by its Client and recycled after it resolves; handlers
// must not retain one past the point where it is cleared (for an inbound
// message, past Reply, or past the handler's return if the request was
// noreply).
type Message struct {
	client   *Client
	conn     *conn  // non-nil iff inbound
	connSess uint64 // session of conn that delivered it

	id      int    // slot in the client's message table
	srcID   uint32 // peer-assigned id, inbound only
	queue   string // target queue, outbound only
	timeout uint32 // peer-supplied timeout, inbound only; not enforced here

	broadcast bool
	noreply   bool
	sent      bool // outbound: Send has emitted it
	busy      bool // a user callback currently holds this message
	state     msgState

	data       []byte
	pooledData bool // data came from bufpool and must go back

	replyHandler func(*Message)
	failHandler  func(*Message)
}

// ID returns the client-local message id. IDs are stable for the lifetime of
// the message and reused afterwards.
func (m *Message) ID() int { return m.id }

// Queue returns the target queue of an outbound message.
func (m *Message) Queue() string { return m.queue }

// Data returns the message payload. For an inbound message this is the
// request body; inside a reply handler it is the reply body.
func (m *Message) Data() []byte { return m.data }

// Timeout returns the peer-supplied timeout parameter of an inbound request,
// in seconds, or 0 if none was sent. The controller enforces it; the client
// only reports it.
func (m *Message) Timeout() uint32 { return m.timeout }

// NoReply reports whether the message is fire-and-forget.
func (m *Message) NoReply() bool { return m.noreply }

// SetQueue sets the target queue of an outbound message.
func (m *Message) SetQueue(queue string) { m.queue = queue }

// SetData sets the payload of an outbound message. The slice is not copied;
// the caller must not mutate it until the message resolves.
func (m *Message) SetData(data []byte) { m.data = data }

// SetBroadcast marks an outbound message for delivery to every consumer of
// the queue instead of one.
func (m *Message) SetBroadcast() { m.broadcast = true }

// SetNoReply marks an outbound message fire-and-forget; it is resolved by
// the DELIVERED acknowledgment and no reply will be delivered.
func (m *Message) SetNoReply() { m.noreply = true }

// msgTable is the dense in-flight message table. The slot index is the
// message id. A freed slot is remembered in next for O(1) reallocation; the
// table grows by one slot when full and never shrinks.
type msgTable struct {
	list []*Message
	used int
	next int // a slot known to be free, or -1 meaning scan
}

const defaultMessageSlots = 64

func newMsgTable() msgTable {
	return msgTable{
		list: make([]*Message, defaultMessageSlots),
		next: 0,
	}
}

// place stores msg in the first free slot and assigns its id.
func (t *msgTable) place(msg *Message) {
	if t.used < len(t.list) {
		if t.next >= 0 && t.list[t.next] == nil {
			msg.id = t.next
			t.list[t.next] = msg
			t.next = -1
		} else {
			for i := range t.list {
				if t.list[i] == nil {
					msg.id = i
					t.list[i] = msg
					break
				}
			}
		}
	} else {
		msg.id = len(t.list)
		t.list = append(t.list, msg)
	}
	t.used++
}

// remove clears msg's slot and records it as the next allocation hint.
func (t *msgTable) remove(msg *Message) {
	t.list[msg.id] = nil
	t.next = msg.id
	t.used--
}

// get returns the live message with the given id, or nil.
func (t *msgTable) get(id int) *Message {
	if id < 0 || id >= len(t.list) {
		return nil
	}
	return t.list[id]
}

// newMessageLocked allocates a message record from the free pool (or fresh)
// and places it in the table. conn is non-nil for inbound messages.
// Caller holds c.mu.
func (c *Client) newMessageLocked(cn *conn) *Message {
	var msg *Message
	if n := len(c.pool); n > 0 {
		msg = c.pool[n-1]
		c.pool = c.pool[:n-1]
	} else {
		msg = &Message{}
	}
	*msg = Message{client: c, conn: cn, id: -1}
	if cn != nil {
		msg.connSess = cn.sess
	}
	c.msgs.place(msg)
	return msg
}

// clearMessageLocked removes msg from the table, releases its payload and
// returns the record to the free pool. If a shutdown is waiting on drain and
// this was the last in-flight message, the remaining closing connections are
// torn down. Caller holds c.mu.
func (c *Client) clearMessageLocked(msg *Message) {
	c.msgs.remove(msg)

	if msg.pooledData && msg.data != nil {
		bufpool.Put(msg.data)
	}
	msg.data = nil
	*msg = Message{}
	c.pool = append(c.pool, msg)

	if c.metrics != nil {
		c.metrics.SetMessagesInFlight(c.msgs.used)
	}

	if c.shutdown && c.msgs.used == 0 {
		c.finishShutdownLocked()
	}
}
