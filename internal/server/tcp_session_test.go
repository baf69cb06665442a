package server

import (
	"bytes"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"chathive/internal/clientengine"
	"chathive/internal/store"
	"chathive/internal/transport"
)

// tcpTestClient is one side of an in-memory multi-user session: an engine
// plus the dedicated receiver goroutine a real TCP client runs.
type tcpTestClient struct {
	eng  *clientengine.Engine
	ok   *lockedBuffer
	done chan error
}

// lockedBuffer keeps the receiver goroutine's writes and the test's reads
// from racing.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startTCPClient(t *testing.T, s *store.Store, reg *Registry) *tcpTestClient {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	go RunTCP(s, reg, transport.NewTCPChannel(serverConn))

	c := &tcpTestClient{
		eng:  clientengine.New(transport.NewTCPChannel(clientConn)),
		ok:   &lockedBuffer{},
		done: make(chan error, 1),
	}
	go func() {
		c.done <- clientengine.RunReceiveLoop(c.eng.Channel,
			clientengine.Sinks{OK: c.ok, Err: &lockedBuffer{}}, false)
	}()
	return c
}

func (c *tcpTestClient) end(t *testing.T) {
	t.Helper()
	if err := c.eng.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	select {
	case <-c.done:
	case <-time.After(time.Second):
		t.Fatal("receive loop did not observe END_ACK")
	}
}

// TestTCPBroadcastEnterAddLeave covers a two-client room: client A joins
// first and observes B's enter broadcast, then B's ADD broadcast, then B's
// leave broadcast when B sends END. Each broadcast arrives as an OK frame
// pair, so A's stream carries one "ok\n" per broadcast.
func TestTCPBroadcastEnterAddLeave(t *testing.T) {
	s, err := store.New("")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer s.Close()
	reg := NewRegistry()

	a := startTCPClient(t, s, reg)
	if err := a.eng.Init("@a", "sysprog"); err != nil {
		t.Fatalf("A Init: %v", err)
	}
	// Give the server a moment to register A before B joins, so the enter
	// broadcast ordering is deterministic.
	time.Sleep(20 * time.Millisecond)

	b := startTCPClient(t, s, reg)
	if err := b.eng.Init("@b", "sysprog"); err != nil {
		t.Fatalf("B Init: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if err := b.eng.SubmitAdd("@b", "sysprog", "hi", []string{"#t"}); err != nil {
		t.Fatalf("B SubmitAdd: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	b.end(t)
	time.Sleep(20 * time.Millisecond)
	a.end(t)

	got := a.ok.String()
	for _, want := range []string{
		"ok\nuser @b has entered the room\n",
		"ok\nmessage from @b\n#t hi",
		"ok\nuser @b has left the room\n",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("A's stream %q missing %q", got, want)
		}
	}
	if got := b.ok.String(); !strings.Contains(got, "ok\n") {
		t.Fatalf("B's stream %q missing the ADD response", got)
	}
}

// TestTCPConcurrentBroadcastsDoNotInterleave drives two peers ADDing into
// the same room at once while a third only listens. Every frame the
// listener receives must still parse cleanly (the per-session write mutex
// keeps concurrent broadcasters from interleaving header and body bytes)
// and every broadcast must arrive exactly once.
func TestTCPConcurrentBroadcastsDoNotInterleave(t *testing.T) {
	s, err := store.New("")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer s.Close()
	reg := NewRegistry()

	c := startTCPClient(t, s, reg)
	if err := c.eng.Init("@c", "sysprog"); err != nil {
		t.Fatalf("C Init: %v", err)
	}
	a := startTCPClient(t, s, reg)
	if err := a.eng.Init("@a", "sysprog"); err != nil {
		t.Fatalf("A Init: %v", err)
	}
	b := startTCPClient(t, s, reg)
	if err := b.eng.Init("@b", "sysprog"); err != nil {
		t.Fatalf("B Init: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	const perSender = 5
	senders := []struct {
		cl   *tcpTestClient
		user string
	}{{a, "@a"}, {b, "@b"}}
	var wg sync.WaitGroup
	for _, sender := range senders {
		wg.Add(1)
		go func(cl *tcpTestClient, user string) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				if err := cl.eng.SubmitAdd(user, "sysprog", "hi", []string{"#t"}); err != nil {
					t.Errorf("%s SubmitAdd: %v", user, err)
					return
				}
			}
		}(sender.cl, sender.user)
	}
	wg.Wait()
	time.Sleep(50 * time.Millisecond)

	b.end(t)
	a.end(t)
	c.end(t)

	got := c.ok.String()
	for _, user := range []string{"@a", "@b"} {
		if n := strings.Count(got, "message from "+user+"\n"); n != perSender {
			t.Fatalf("C saw %d broadcasts from %s, want %d; stream %q", n, user, perSender, got)
		}
	}
}

// TestTCPFirstFrameMustBeInit covers the mandated INIT handshake: a session
// whose first frame is anything else is torn down without entering the
// request loop.
func TestTCPFirstFrameMustBeInit(t *testing.T) {
	s, err := store.New("")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer s.Close()
	reg := NewRegistry()

	clientConn, serverConn := net.Pipe()
	done := make(chan struct{})
	go func() {
		RunTCP(s, reg, transport.NewTCPChannel(serverConn))
		close(done)
	}()

	eng := clientengine.New(transport.NewTCPChannel(clientConn))
	if err := eng.SubmitQuery("sysprog", nil, 1); err != nil {
		t.Fatalf("SubmitQuery: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("server did not tear down a session that skipped INIT")
	}
}
