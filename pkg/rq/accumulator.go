package rq

import "github.com/hyperq/librq/internal/bufpool"

// Accumulator mask bits, one per typed parameter. A set bit means the
// corresponding field has been written since the last CLEAR.
const (
	maskID = 1 << iota
	maskQueueID
	maskTimeout
	maskPriority
	maskQueue
	maskPayload
)

// accumulator holds the most recently seen value of each typed RISP
// parameter on one connection. Parameter commands write fields and set mask
// bits; verb commands validate the mask, consume what they need and leave the
// rest for the next CLEAR.
//
// The accumulator is only ever touched from its connection's read goroutine,
// so it needs no locking.
type accumulator struct {
	mask     uint32
	noreply  bool
	id       uint32
	qid      uint32
	timeout  uint32
	priority uint32
	queue    []byte // reused across commands
	payload  []byte // pooled; ownership moves to a Message on REQUEST/REPLY
}

func newAccumulator() *accumulator {
	return &accumulator{}
}

// clear resets the accumulator to its post-CLEAR state. The payload buffer,
// if still owned here, goes back to the pool.
func (a *accumulator) clear() {
	a.mask = 0
	a.noreply = false
	a.id = 0
	a.qid = 0
	a.timeout = 0
	a.priority = 0
	a.queue = a.queue[:0]
	if a.payload != nil {
		bufpool.Put(a.payload)
		a.payload = nil
	}
}

// has reports whether every bit in want has been set since the last CLEAR.
func (a *accumulator) has(want uint32) bool {
	return a.mask&want == want
}

// setPayload takes a copy of data into a pooled buffer, releasing any
// payload a previous command left behind.
func (a *accumulator) setPayload(data []byte) {
	if a.payload != nil {
		bufpool.Put(a.payload)
	}
	a.payload = bufpool.Copy(data)
	a.mask |= maskPayload
}

// takePayload moves ownership of the payload buffer to the caller and clears
// the mask bit. Returns nil if no payload is held.
func (a *accumulator) takePayload() []byte {
	p := a.payload
	a.payload = nil
	a.mask &^= maskPayload
	return p
}

// release drops any owned buffers. Called when the connection closes.
func (a *accumulator) release() {
	if a.payload != nil {
		bufpool.Put(a.payload)
		a.payload = nil
	}
	a.queue = nil
}
