package clientengine

import (
	"bytes"
	"net"
	"testing"

	"chathive/internal/protocol"
	"chathive/internal/transport"
)

func TestCollectResponseErrorStopsAtOneFrame(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	clientCh := transport.NewTCPChannel(clientConn)
	serverCh := transport.NewTCPChannel(serverConn)

	go func() {
		protocol.WriteServerHeader(serverCh, protocol.ServerHeader{Status: protocol.StatusUserErr, NBytes: len("BAD_ROOM: unknown room")})
		serverCh.SendBytes([]byte("BAD_ROOM: unknown room"))
		serverCh.Flush()
	}()

	var ok, errBuf bytes.Buffer
	eng := New(clientCh)
	if err := eng.collectResponse(Sinks{OK: &ok, Err: &errBuf}); err != nil {
		t.Fatalf("collectResponse: %v", err)
	}
	if ok.Len() != 0 {
		t.Fatalf("ok sink = %q, want empty", ok.String())
	}
	want := "err BAD_ROOM: unknown room\n"
	if errBuf.String() != want {
		t.Fatalf("err sink = %q, want %q", errBuf.String(), want)
	}
}

func TestCollectResponseMultiBodyThenTerminalOK(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	clientCh := transport.NewTCPChannel(clientConn)
	serverCh := transport.NewTCPChannel(serverConn)

	go func() {
		for _, body := range []string{"first", "second"} {
			protocol.WriteServerHeader(serverCh, protocol.ServerHeader{Status: protocol.StatusOK, NBytes: len(body)})
			serverCh.SendBytes([]byte(body))
			serverCh.Flush()
		}
		protocol.WriteServerHeader(serverCh, protocol.ServerHeader{Status: protocol.StatusOK, NBytes: 0})
		serverCh.Flush()
	}()

	var ok, errBuf bytes.Buffer
	eng := New(clientCh)
	if err := eng.collectResponse(Sinks{OK: &ok, Err: &errBuf}); err != nil {
		t.Fatalf("collectResponse: %v", err)
	}
	if errBuf.Len() != 0 {
		t.Fatalf("err sink = %q, want empty", errBuf.String())
	}
	want := "ok\nfirstsecond"
	if ok.String() != want {
		t.Fatalf("ok sink = %q, want %q (single leading ok\\n)", ok.String(), want)
	}
}

func TestRunReceiveLoopContinuesPastBroadcasts(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	clientCh := transport.NewTCPChannel(clientConn)
	serverCh := transport.NewTCPChannel(serverConn)

	// Broadcasts arrive as OK frame pairs (body + terminal {OK, 0}), the
	// same shape as a request's response.
	go func() {
		for _, body := range []string{"user @b has entered the room\n", "message from @b\n#t hi"} {
			protocol.WriteServerHeader(serverCh, protocol.ServerHeader{Status: protocol.StatusOK, NBytes: len(body)})
			serverCh.SendBytes([]byte(body))
			protocol.WriteServerHeader(serverCh, protocol.ServerHeader{Status: protocol.StatusOK, NBytes: 0})
			serverCh.Flush()
		}
		protocol.WriteServerHeader(serverCh, protocol.ServerHeader{Status: protocol.StatusEndAck, NBytes: 0})
		serverCh.Flush()
	}()

	var ok, errBuf bytes.Buffer
	if err := RunReceiveLoop(clientCh, Sinks{OK: &ok, Err: &errBuf}, false); err != nil {
		t.Fatalf("RunReceiveLoop: %v", err)
	}
	want := "ok\nuser @b has entered the room\nok\nmessage from @b\n#t hi"
	if ok.String() != want {
		t.Fatalf("ok sink = %q, want %q", ok.String(), want)
	}
}
