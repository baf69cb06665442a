package server

import (
	"net"
	"testing"

	"chathive/internal/clientengine"
	"chathive/internal/store"
	"chathive/internal/transport"
)

// connectedPair wires a client engine to a single-session server loop over
// an in-memory net.Pipe, reusing the TCP line framing.
func connectedPair(t *testing.T, s *store.Store) (*clientengine.Engine, chan error) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	clientCh := transport.NewTCPChannel(clientConn)
	serverCh := transport.NewTCPChannel(serverConn)

	done := make(chan error, 1)
	go func() {
		done <- ServeSingleSession(s, serverCh)
	}()
	return clientengine.New(clientCh), done
}

type captureSinks struct {
	ok  []byte
	err []byte
}

func (c *captureSinks) sinks() clientengine.Sinks {
	return clientengine.Sinks{OK: &writerFunc{func(b []byte) (int, error) {
		c.ok = append(c.ok, b...)
		return len(b), nil
	}}, Err: &writerFunc{func(b []byte) (int, error) {
		c.err = append(c.err, b...)
		return len(b), nil
	}}}
}

type writerFunc struct {
	fn func([]byte) (int, error)
}

func (w *writerFunc) Write(b []byte) (int, error) { return w.fn(b) }

func TestSingleSessionAddThenQuery(t *testing.T) {
	s, err := store.New("")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer s.Close()

	eng, done := connectedPair(t, s)
	cap := &captureSinks{}

	if err := eng.Add("@zdu", "sysprog", "sqlite is pretty cool", []string{"#db", "#sqlite"}, cap.sinks()); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if string(cap.ok) != "ok\n" {
		t.Fatalf("ok sink = %q, want %q", cap.ok, "ok\n")
	}
	if len(cap.err) != 0 {
		t.Fatalf("err sink = %q, want empty", cap.err)
	}

	cap2 := &captureSinks{}
	if err := eng.Query("sysprog", []string{"#db"}, 1, cap2.sinks()); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(cap2.err) != 0 {
		t.Fatalf("err sink = %q, want empty", cap2.err)
	}
	got := string(cap2.ok)
	if got[:3] != "ok\n" {
		t.Fatalf("query output %q missing leading ok\\n", got)
	}

	if err := eng.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("server session: %v", err)
	}
}

func TestSingleSessionQueryUnknownRoom(t *testing.T) {
	s, err := store.New("")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer s.Close()

	eng, done := connectedPair(t, s)
	cap := &captureSinks{}
	if err := eng.Query("nope", nil, 1, cap.sinks()); err != nil {
		t.Fatalf("Query: %v", err)
	}
	want := "err BAD_ROOM: unknown room\n"
	if string(cap.err) != want {
		t.Fatalf("err sink = %q, want %q", cap.err, want)
	}
	if len(cap.ok) != 0 {
		t.Fatalf("ok sink = %q, want empty", cap.ok)
	}

	if err := eng.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("server session: %v", err)
	}
}
