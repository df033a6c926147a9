package cloud

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/example/solargate/internal/frame"
)

const testDevice = "2206237818"

// fakeCloud accepts connections on loopback and runs handler per conn.
type fakeCloud struct {
	ln net.Listener
}

func newFakeCloud(t *testing.T, handler func(net.Conn)) *fakeCloud {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handler(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return &fakeCloud{ln: ln}
}

func (f *fakeCloud) addr() string { return f.ln.Addr().String() }

func dataFrame(t *testing.T) *frame.Frame {
	t.Helper()
	raw := frame.Build("tbl_actual", testDevice, frame.ReasonTable, []frame.Pair{{Key: "p1", Value: "42"}})
	f, _, err := frame.Parse(raw)
	if err != nil {
		t.Fatalf("parse test frame: %v", err)
	}
	return f
}

func ackFrame(t *testing.T) *frame.Frame {
	t.Helper()
	f, _, err := frame.Parse(frame.BuildAck(testDevice, frame.ReasonTable))
	if err != nil {
		t.Fatalf("parse ack: %v", err)
	}
	return f
}

func TestSession_ForwardAndReply(t *testing.T) {
	reply := frame.BuildAck(testDevice, frame.ReasonTable)
	var gotUpstream []byte
	done := make(chan struct{})

	fc := newFakeCloud(t, func(conn net.Conn) {
		defer conn.Close()
		dec := frame.NewDecoder(conn)
		f, err := dec.Next()
		if err != nil {
			return
		}
		gotUpstream = f.Raw
		conn.Write(reply)
		close(done)
		// Hold the conn open so the proxy side controls teardown.
		time.Sleep(time.Second)
	})

	s := NewSession(Config{Target: fc.addr(), AckTimeout: 2 * time.Second})
	defer s.Close()

	f := dataFrame(t)
	out := s.Forward(context.Background(), f)
	if !out.OK() {
		t.Fatalf("Forward() = %v (%v), want ack", out.Kind, out.Err)
	}
	if !bytes.Equal(out.Response, reply) {
		t.Errorf("response = %q, want cloud reply verbatim", out.Response)
	}
	<-done
	if !bytes.Equal(gotUpstream, f.Raw) {
		t.Errorf("upstream bytes differ from frame raw")
	}
	if s.State() != StateOpen {
		t.Errorf("State() = %v, want open", s.State())
	}
}

func TestSession_NoResponseClassReturnsImmediately(t *testing.T) {
	fc := newFakeCloud(t, func(conn net.Conn) {
		defer conn.Close()
		// Read and deliberately never answer.
		buf := make([]byte, 1024)
		conn.Read(buf)
		time.Sleep(time.Second)
	})

	s := NewSession(Config{Target: fc.addr(), AckTimeout: 5 * time.Second})
	defer s.Close()

	start := time.Now()
	out := s.Forward(context.Background(), ackFrame(t))
	if !out.OK() {
		t.Fatalf("Forward(ACK) = %v, want immediate ack outcome", out.Kind)
	}
	if len(out.Response) != 0 {
		t.Errorf("Response = %q, want empty", out.Response)
	}
	if time.Since(start) > time.Second {
		t.Error("Forward(ACK) blocked waiting for a reply")
	}
}

func TestSession_ConnectError(t *testing.T) {
	// Grab a port and close it so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	target := ln.Addr().String()
	ln.Close()

	s := NewSession(Config{Target: target, ConnectTimeout: time.Second})
	out := s.Forward(context.Background(), dataFrame(t))
	if out.Kind != KindConnectError {
		t.Fatalf("Forward() = %v, want connect error", out.Kind)
	}
	if out.Err == nil {
		t.Error("connect error must carry the dial error")
	}
}

func TestSession_Timeout(t *testing.T) {
	fc := newFakeCloud(t, func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 1024)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	})

	s := NewSession(Config{Target: fc.addr(), AckTimeout: 150 * time.Millisecond})
	out := s.Forward(context.Background(), dataFrame(t))
	if out.Kind != KindTimeout {
		t.Fatalf("Forward() = %v, want timeout", out.Kind)
	}
	// A timed-out pairing poisons the connection.
	if s.State() != StateClosed {
		t.Errorf("State() after timeout = %v, want closed", s.State())
	}
}

func TestSession_DisconnectMidResponse(t *testing.T) {
	fc := newFakeCloud(t, func(conn net.Conn) {
		dec := frame.NewDecoder(conn)
		dec.Next()
		conn.Close() // hang up instead of answering
	})

	s := NewSession(Config{Target: fc.addr(), AckTimeout: 2 * time.Second})
	out := s.Forward(context.Background(), dataFrame(t))
	if out.Kind != KindDisconnected {
		t.Fatalf("Forward() = %v (%v), want disconnected", out.Kind, out.Err)
	}
	if s.State() != StateClosed {
		t.Errorf("State() = %v, want closed", s.State())
	}
}

func TestSession_ProtocolError(t *testing.T) {
	fc := newFakeCloud(t, func(conn net.Conn) {
		defer conn.Close()
		dec := frame.NewDecoder(conn)
		if _, err := dec.Next(); err != nil {
			return
		}
		conn.Write([]byte("!!!! this is not an OIG frame at all !!!!\r\n"))
		time.Sleep(time.Second)
	})

	s := NewSession(Config{Target: fc.addr(), AckTimeout: 2 * time.Second})
	out := s.Forward(context.Background(), dataFrame(t))
	if out.Kind != KindProtocolError {
		t.Fatalf("Forward() = %v (%v), want protocol error", out.Kind, out.Err)
	}
}

func TestSession_RedialAfterFailure(t *testing.T) {
	conns := make(chan net.Conn, 2)
	fc := newFakeCloud(t, func(conn net.Conn) {
		conns <- conn
		dec := frame.NewDecoder(conn)
		f, err := dec.Next()
		if err != nil {
			conn.Close()
			return
		}
		conn.Write(frame.BuildAck(f.Device, f.Reason))
		time.Sleep(time.Second)
	})

	s := NewSession(Config{Target: fc.addr(), AckTimeout: 2 * time.Second})
	defer s.Close()

	// First exchange succeeds, then the link is killed server-side.
	if out := s.Forward(context.Background(), dataFrame(t)); !out.OK() {
		t.Fatalf("first Forward() = %v", out.Kind)
	}
	(<-conns).Close()

	// The next Forward observes the dead link or re-dials transparently;
	// either way a fresh attempt afterwards must succeed.
	var ok bool
	for i := 0; i < 2 && !ok; i++ {
		ok = s.Forward(context.Background(), dataFrame(t)).OK()
	}
	if !ok {
		t.Fatal("session did not recover with a re-dial")
	}
}

func TestSession_FIFOOrdering(t *testing.T) {
	fc := newFakeCloud(t, func(conn net.Conn) {
		defer conn.Close()
		dec := frame.NewDecoder(conn)
		for i := 0; ; i++ {
			f, err := dec.Next()
			if err != nil {
				return
			}
			// Tag each reply with the order it was served in.
			conn.Write(frame.Build("ACK", f.Device, f.Reason, []frame.Pair{
				{Key: "seq", Value: string(rune('0' + i))},
			}))
		}
	})

	s := NewSession(Config{Target: fc.addr(), AckTimeout: 2 * time.Second})
	defer s.Close()

	for i := 0; i < 3; i++ {
		out := s.Forward(context.Background(), dataFrame(t))
		if !out.OK() {
			t.Fatalf("Forward #%d = %v", i, out.Kind)
		}
		f, _, err := frame.Parse(out.Response)
		if err != nil {
			t.Fatalf("reply #%d does not parse: %v", i, err)
		}
		if v, _ := f.PayloadValue("seq"); v != string(rune('0'+i)) {
			t.Errorf("reply #%d has seq %q", i, v)
		}
	}
}
