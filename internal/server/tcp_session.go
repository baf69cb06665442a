package server

import (
	"log"

	"chathive/internal/protocol"
	"chathive/internal/store"
)

// RunTCP services one accepted connection end to end: waits for the
// mandatory INIT frame, registers the session, broadcasts the join, runs
// the shared request loop with room broadcast wired to ADD, then
// broadcasts the leave and unregisters on exit (whether by END or error).
// This is the only transport that uses Registry; the single-session
// transports go through ServeSingleSession, which runs RunSession with a
// nil Broadcaster.
func RunTCP(s *store.Store, reg *Registry, ch protocol.Channel) {
	sess := &Session{Channel: ch}

	if err := awaitInit(sess); err != nil {
		log.Printf("[server] INIT failed: %v", err)
		ch.Close()
		return
	}
	reg.InitSession(sess, sess.User, sess.Room)
	reg.BroadcastToRoom(sess.Room, EnterBody(sess.User), sess, log.Printf)

	broadcast := func(room, body string, except *Session) {
		reg.BroadcastToRoom(room, body, except, log.Printf)
	}
	if err := RunSession(s, sess, broadcast); err != nil {
		log.Printf("[server] session for %s ended: %v", sess.User, err)
	}

	reg.BroadcastToRoom(sess.Room, LeaveBody(sess.User), sess, log.Printf)
	reg.CleanupSession(sess)
	ch.Close()
}

// awaitInit reads the mandatory first frame and requires it to be INIT.
func awaitInit(sess *Session) error {
	h, err := protocol.ReadClientHeader(sess.Channel)
	if err != nil {
		return err
	}
	if h.Cmd != protocol.CmdInit {
		return errNotInit(h.Cmd)
	}
	payload, err := sess.Channel.ReceiveBytes(h.NBytes)
	if err != nil {
		return err
	}
	user, room, err := protocol.DecodeInitPayload(payload)
	if err != nil {
		return err
	}
	sess.User, sess.Room = user, room
	return nil
}

type notInitError struct{ cmd protocol.CmdType }

func (e notInitError) Error() string {
	return "expected INIT as first frame, got " + e.cmd.String()
}

func errNotInit(cmd protocol.CmdType) error { return notInitError{cmd} }
