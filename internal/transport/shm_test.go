//go:build linux

package transport

import (
	"bytes"
	"testing"

	"chathive/internal/protocol"
)

// regionPair creates one shared region and the two channels a real session
// would hold, one per process; here both live in the test process, which
// exercises the same eventfd semaphores and mmap'd buffer.
func regionPair(t *testing.T, bufSize int) (client, server *shmChannel) {
	t.Helper()
	region, err := newShmRegion(bufSize)
	if err != nil {
		t.Fatalf("newShmRegion: %v", err)
	}
	client = newShmChannel(region, false)
	server = newShmChannel(region, true)
	// Both channels share the region; close it exactly once.
	t.Cleanup(func() { client.Close() })
	return client, server
}

func TestShmRequestResponseRoundTrip(t *testing.T) {
	client, server := regionPair(t, 4096)

	reqHeader := protocol.ClientHeader{Cmd: protocol.CmdQuery, Count: 5, NTopics: 1, NBytes: 10}
	payload := []byte("sysprog\x00#t\x00")

	done := make(chan error, 1)
	go func() {
		if err := protocol.WriteClientHeader(client, reqHeader); err != nil {
			done <- err
			return
		}
		if err := client.SendBytes(payload); err != nil {
			done <- err
			return
		}
		done <- client.Flush()
	}()

	got, err := protocol.ReadClientHeader(server)
	if err != nil {
		t.Fatalf("ReadClientHeader: %v", err)
	}
	if got != reqHeader {
		t.Fatalf("header = %+v, want %+v", got, reqHeader)
	}
	body, err := server.ReceiveBytes(len(payload))
	if err != nil {
		t.Fatalf("ReceiveBytes: %v", err)
	}
	if !bytes.Equal(body, payload) {
		t.Fatalf("payload = %q, want %q", body, payload)
	}
	if err := <-done; err != nil {
		t.Fatalf("client send: %v", err)
	}

	// Response in the other direction.
	resHeader := protocol.ServerHeader{Status: protocol.StatusOK, NBytes: 0}
	go func() {
		if err := protocol.WriteServerHeader(server, resHeader); err != nil {
			done <- err
			return
		}
		done <- server.Flush()
	}()
	gotRes, err := protocol.ReadServerHeader(client)
	if err != nil {
		t.Fatalf("ReadServerHeader: %v", err)
	}
	if gotRes != resHeader {
		t.Fatalf("response header = %+v, want %+v", gotRes, resHeader)
	}
	if err := <-done; err != nil {
		t.Fatalf("server send: %v", err)
	}
}

// TestShmChunkedTransfer sends a message several times larger than the
// buffer; the sender must split it into buffer-sized chunks and block on
// the memory semaphore until the receiver drains each one.
func TestShmChunkedTransfer(t *testing.T) {
	const bufSize = 32
	client, server := regionPair(t, bufSize)

	msg := bytes.Repeat([]byte("0123456789"), 20) // 200 bytes, > 6 chunks
	done := make(chan error, 1)
	go func() {
		if err := client.SendBytes(msg); err != nil {
			done <- err
			return
		}
		done <- client.Flush()
	}()

	got, err := server.ReceiveBytes(len(msg))
	if err != nil {
		t.Fatalf("ReceiveBytes: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("received %d bytes differ from sent", len(got))
	}
	if err := <-done; err != nil {
		t.Fatalf("sender: %v", err)
	}
}
