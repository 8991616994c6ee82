// Package rq implements a client for RQ message-queue controllers speaking
// the RISP binary command protocol.
//
// A Client connects to one of several redundant controllers, consumes from
// named queues through user-supplied handlers, sends requests that expect
// replies, and transparently fails over to the next controller when the
// active one goes away. Controllers are tried strictly in the order they were
// added; a lost connection rotates to the tail of the list and the new head
// is attempted, with every registered subscription replayed on each fresh
// activation.
//
// All user callbacks (message handlers, reply handlers, accepted/dropped
// notifications) are invoked from the client's connection goroutines without
// any internal lock held, so a handler may call Reply, Send or Consume
// re-entrantly. Callbacks must not block for long periods; they stall the
// connection that delivered them.
package rq
