package rq

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hyperq/librq/internal/risp"
)

// wireCmd is one decoded command as seen by the fake controller.
type wireCmd struct {
	op   byte
	val  uint32
	data []byte
}

// cmdLog collects commands decoded from a client connection.
type cmdLog struct {
	mu   sync.Mutex
	cmds []wireCmd
}

func (l *cmdLog) add(c wireCmd) {
	l.mu.Lock()
	l.cmds = append(l.cmds, c)
	l.mu.Unlock()
}

func (l *cmdLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cmds)
}

// take returns and removes all logged commands.
func (l *cmdLog) take() []wireCmd {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.cmds
	l.cmds = nil
	return out
}

// ctrlParser decodes everything a client can emit.
var ctrlParser = func() *risp.Parser[*cmdLog] {
	p := risp.NewParser[*cmdLog]()
	for _, op := range []byte{
		risp.CmdClear, risp.CmdPing, risp.CmdPong, risp.CmdRequest,
		risp.CmdReply, risp.CmdDelivered, risp.CmdUndelivered,
		risp.CmdBroadcast, risp.CmdNoReply, risp.CmdClosing,
		risp.CmdConsume, risp.CmdConsuming, risp.CmdExclusive,
		risp.CmdServerFull,
	} {
		op := op
		p.Handle(op, func(l *cmdLog) { l.add(wireCmd{op: op}) })
	}
	for _, op := range []byte{
		risp.CmdQueueID, risp.CmdTimeout, risp.CmdPriority, risp.CmdMax,
		risp.CmdID,
	} {
		op := op
		p.HandleInt(op, func(l *cmdLog, v uint32) { l.add(wireCmd{op: op, val: v}) })
	}
	for _, op := range []byte{risp.CmdQueue, risp.CmdPayload} {
		op := op
		p.HandleBytes(op, func(l *cmdLog, data []byte) {
			l.add(wireCmd{op: op, data: append([]byte(nil), data...)})
		})
	}
	return p
}()

// testController is an in-process fake RQ controller listening on loopback.
type testController struct {
	t  *testing.T
	ln net.Listener
}

func newTestController(t *testing.T) *testController {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return &testController{t: t, ln: ln}
}

func (tc *testController) addr() string {
	return tc.ln.Addr().String()
}

// accept waits for the client to connect and wraps the session.
func (tc *testController) accept(timeout time.Duration) *ctrlSession {
	tc.t.Helper()
	type result struct {
		sock net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		sock, err := tc.ln.Accept()
		ch <- result{sock, err}
	}()
	select {
	case r := <-ch:
		require.NoError(tc.t, r.err)
		sess := &ctrlSession{t: tc.t, sock: r.sock, log: &cmdLog{}}
		tc.t.Cleanup(func() { _ = r.sock.Close() })
		return sess
	case <-time.After(timeout):
		tc.t.Fatalf("no client connection within %s", timeout)
		return nil
	}
}

// ctrlSession is one accepted client connection on the fake controller.
type ctrlSession struct {
	t    *testing.T
	sock net.Conn
	log  *cmdLog
	buf  []byte
}

// expect reads from the client until at least n commands have been decoded,
// then returns and clears the log.
func (s *ctrlSession) expect(n int, timeout time.Duration) []wireCmd {
	s.t.Helper()
	deadline := time.Now().Add(timeout)
	tmp := make([]byte, 4096)

	for s.log.len() < n {
		require.NoError(s.t, s.sock.SetReadDeadline(deadline))
		read, err := s.sock.Read(tmp)
		if read > 0 {
			s.buf = append(s.buf, tmp[:read]...)
			consumed, perr := ctrlParser.Process(s.log, s.buf)
			require.NoError(s.t, perr)
			s.buf = s.buf[consumed:]
		}
		if err != nil {
			require.GreaterOrEqual(s.t, s.log.len(), n,
				"connection ended after %d of %d commands: %v", s.log.len(), n, err)
			break
		}
	}
	return s.log.take()
}

// send emits controller commands to the client.
func (s *ctrlSession) send(build func(e *risp.Emitter)) {
	s.t.Helper()
	e := risp.NewEmitter(256)
	build(e)
	_, err := s.sock.Write(e.Bytes())
	require.NoError(s.t, err)
}

func (s *ctrlSession) close() {
	_ = s.sock.Close()
}

// ops projects the opcode sequence of a command list.
func ops(cmds []wireCmd) []byte {
	out := make([]byte, len(cmds))
	for i, c := range cmds {
		out[i] = c.op
	}
	return out
}

// find returns the first command with the given opcode.
func find(t *testing.T, cmds []wireCmd, op byte) wireCmd {
	t.Helper()
	for _, c := range cmds {
		if c.op == op {
			return c
		}
	}
	t.Fatalf("opcode 0x%02x not found in %v", op, ops(cmds))
	return wireCmd{}
}

// testOptions returns client options tuned for fast tests.
func testOptions() *Options {
	return &Options{
		DialTimeout: 2 * time.Second,
		RetryDelay:  20 * time.Millisecond,
	}
}

const waitFor = 5 * time.Second
const tick = 10 * time.Millisecond
