package rq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperq/librq/internal/risp"
)

// feedConn runs raw protocol bytes through the client's dispatch table
// against a detached connection, the way the read loop would.
func feedConn(t *testing.T, c *Client, cn *conn, build func(e *risp.Emitter)) {
	t.Helper()
	e := risp.NewEmitter(64)
	build(e)
	consumed, err := c.parser.Process(cn, e.Bytes())
	require.NoError(t, err)
	require.Equal(t, e.Len(), consumed)
	require.NoError(t, cn.violation)
}

func newDetachedConn(c *Client) *conn {
	cn := newConn(c, "test:0", Endpoint{Host: "test"})
	cn.acc = newAccumulator()
	return cn
}

func TestAccumulator(t *testing.T) {
	t.Run("SettersPopulateFieldsAndMask", func(t *testing.T) {
		c := New(nil)
		cn := newDetachedConn(c)

		feedConn(t, c, cn, func(e *risp.Emitter) {
			e.CmdInt(risp.CmdID, 7)
			e.CmdInt(risp.CmdQueueID, 3)
			e.CmdInt(risp.CmdTimeout, 30)
			e.CmdInt(risp.CmdPriority, 2)
			e.CmdStr(risp.CmdQueue, []byte("q1"))
			e.CmdStr(risp.CmdPayload, []byte("hi"))
			e.Cmd(risp.CmdNoReply)
		})

		acc := cn.acc
		assert.True(t, acc.has(maskID|maskQueueID|maskTimeout|maskPriority|maskQueue|maskPayload))
		assert.True(t, acc.noreply)
		assert.Equal(t, uint32(7), acc.id)
		assert.Equal(t, uint32(3), acc.qid)
		assert.Equal(t, uint32(30), acc.timeout)
		assert.Equal(t, uint32(2), acc.priority)
		assert.Equal(t, []byte("q1"), acc.queue)
		assert.Equal(t, []byte("hi"), acc.payload)
	})

	t.Run("ClearResetsEverything", func(t *testing.T) {
		c := New(nil)
		cn := newDetachedConn(c)

		feedConn(t, c, cn, func(e *risp.Emitter) {
			e.CmdInt(risp.CmdID, 7)
			e.CmdStr(risp.CmdPayload, []byte("hi"))
			e.Cmd(risp.CmdNoReply)
			e.Cmd(risp.CmdClear)
		})

		acc := cn.acc
		assert.Zero(t, acc.mask)
		assert.False(t, acc.noreply)
		assert.Zero(t, acc.id)
		assert.Empty(t, acc.queue)
		assert.Nil(t, acc.payload)
	})

	t.Run("ClearIsIdempotent", func(t *testing.T) {
		c := New(nil)
		cn := newDetachedConn(c)

		feedConn(t, c, cn, func(e *risp.Emitter) {
			e.CmdInt(risp.CmdID, 7)
			e.Cmd(risp.CmdClear)
		})
		after1 := *cn.acc

		feedConn(t, c, cn, func(e *risp.Emitter) {
			e.Cmd(risp.CmdClear)
		})
		after2 := *cn.acc

		assert.Equal(t, after1.mask, after2.mask)
		assert.Equal(t, after1.noreply, after2.noreply)
		assert.Equal(t, after1.id, after2.id)
		assert.Equal(t, after1.qid, after2.qid)
		assert.Nil(t, after2.payload)
	})

	t.Run("SecondPayloadReplacesFirst", func(t *testing.T) {
		c := New(nil)
		cn := newDetachedConn(c)

		feedConn(t, c, cn, func(e *risp.Emitter) {
			e.CmdStr(risp.CmdPayload, []byte("first"))
			e.CmdStr(risp.CmdPayload, []byte("second"))
		})

		assert.Equal(t, []byte("second"), cn.acc.payload)
	})

	t.Run("TakePayloadMovesOwnership", func(t *testing.T) {
		acc := newAccumulator()
		acc.setPayload([]byte("data"))
		require.True(t, acc.has(maskPayload))

		p := acc.takePayload()
		assert.Equal(t, []byte("data"), p)
		assert.Nil(t, acc.payload)
		assert.False(t, acc.has(maskPayload))

		assert.Nil(t, acc.takePayload())
	})

	t.Run("PongIsIgnored", func(t *testing.T) {
		c := New(nil)
		cn := newDetachedConn(c)
		feedConn(t, c, cn, func(e *risp.Emitter) {
			e.Cmd(risp.CmdPong)
		})
	})

	t.Run("UnsupportedVerbsAreViolations", func(t *testing.T) {
		for _, op := range []byte{risp.CmdBroadcast, risp.CmdServerFull} {
			c := New(nil)
			cn := newDetachedConn(c)
			e := risp.NewEmitter(8)
			e.Cmd(op)
			_, err := c.parser.Process(cn, e.Bytes())
			require.NoError(t, err)
			assert.ErrorIs(t, cn.violation, errUnsupportedVerb)
		}
	})

	t.Run("VerbWithoutParamsIsViolation", func(t *testing.T) {
		c := New(nil)
		cn := newDetachedConn(c)
		e := risp.NewEmitter(8)
		e.Cmd(risp.CmdDelivered) // no ID accumulated
		_, err := c.parser.Process(cn, e.Bytes())
		require.NoError(t, err)
		assert.ErrorIs(t, cn.violation, errMissingParam)
	})
}
