package server

import (
	"log"

	"chathive/internal/protocol"
	"chathive/internal/store"
	"chathive/internal/transport"
)

// ServeTCP accepts connections on ln until it is closed, running one
// goroutine per session against the shared Store and Registry.
func ServeTCP(s *store.Store, ln *transport.Listener) {
	reg := NewRegistry()
	for {
		ch, addr, err := ln.Accept()
		if err != nil {
			log.Printf("[server] accept: %v", err)
			return
		}
		log.Printf("[server] accepted %s", addr)
		go RunTCP(s, reg, ch)
	}
}

// ServeSingleSession runs the single-session request loop (no broadcast,
// no INIT) to completion over ch, for the pipe/FIFO/shm transports where
// one server process serves exactly one client.
func ServeSingleSession(s *store.Store, ch protocol.Channel) error {
	sess := &Session{Channel: ch}
	return RunSession(s, sess, nil)
}
