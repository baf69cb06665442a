package transport

import (
	"fmt"
	"testing"
)

func TestTCPDialAccept(t *testing.T) {
	ln, err := ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	defer ln.Close()

	accepted := make(chan error, 1)
	go func() {
		ch, _, err := ln.Accept()
		if err != nil {
			accepted <- err
			return
		}
		defer ch.Close()
		got, err := ch.ReceiveBytes(5)
		if err != nil {
			accepted <- err
			return
		}
		if string(got) != "hello" {
			accepted <- fmt.Errorf("got %q", got)
			return
		}
		accepted <- nil
	}()

	client, err := DialTCP(ln.Addr().String())
	if err != nil {
		t.Fatalf("DialTCP: %v", err)
	}
	defer client.Close()
	if err := client.SendBytes([]byte("hello")); err != nil {
		t.Fatalf("SendBytes: %v", err)
	}
	if err := client.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := <-accepted; err != nil {
		t.Fatalf("server side: %v", err)
	}
}
