// Package server implements the server-side protocol engine shared by
// every transport: decoding a ClientHeader, dispatching ADD/QUERY/END to
// the Store, and streaming results back as ServerHeader-framed frames, plus
// the concurrent session manager and per-transport daemon entry points.
// This file is the single choke point that classifies store/user errors
// into wire statuses — transports and the Store itself stay oblivious to
// status codes.
package server

import (
	"errors"
	"fmt"
	"sync"

	"chathive/internal/protocol"
	"chathive/internal/store"
)

// Session is the per-connection state the server protocol engine needs:
// a channel to read requests from and write responses to, plus (for the
// TCP multi-user variant) the room membership recorded by INIT. Single-
// session transports (pipe, FIFO, shm) never set User/Room; they stay
// empty and broadcast is a no-op for them.
type Session struct {
	Channel protocol.Channel
	User    string
	Room    string

	// wmu serializes all outbound frames on Channel. On the multi-user
	// TCP transport the session's own response writer and any number of
	// broadcasting peers write the same connection from different
	// goroutines, and neither bufio.Writer nor net.Conn tolerates that;
	// every emission helper below holds wmu across header, body, and
	// flush so frames never interleave mid-write.
	wmu sync.Mutex
}

// writeFrame emits one status frame (header plus optional body) and
// flushes, as a single locked unit.
func (s *Session) writeFrame(status protocol.Status, body []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := protocol.WriteServerHeader(s.Channel, protocol.ServerHeader{Status: status, NBytes: len(body)}); err != nil {
		return err
	}
	if len(body) > 0 {
		if err := s.Channel.SendBytes(body); err != nil {
			return err
		}
	}
	return s.Channel.Flush()
}

// writeBroadcast emits an unsolicited OK frame pair (the body frame
// followed by the terminal {OK, 0}, the same shape a request's response
// takes) under one lock acquisition, so a peer's in-flight response can
// never split the pair.
func (s *Session) writeBroadcast(body string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := protocol.WriteServerHeader(s.Channel, protocol.ServerHeader{Status: protocol.StatusOK, NBytes: len(body)}); err != nil {
		return err
	}
	if err := s.Channel.SendBytes([]byte(body)); err != nil {
		return err
	}
	if err := protocol.WriteServerHeader(s.Channel, protocol.ServerHeader{Status: protocol.StatusOK, NBytes: 0}); err != nil {
		return err
	}
	return s.Channel.Flush()
}

// Broadcaster pushes an unsolicited OK frame pair to every other valid
// session in room. The TCP daemon supplies the session manager's
// BroadcastToRoom; single-session transports pass a no-op.
type Broadcaster func(room string, body string, except *Session)

// RunSession executes the single-session request loop: read a
// ClientHeader, dispatch by command, repeat until END or the channel
// reports an error. The TCP variant wraps this with INIT handling and room
// broadcasts around ADD; see RunTCP.
func RunSession(s *store.Store, sess *Session, broadcast Broadcaster) error {
	for {
		h, err := protocol.ReadClientHeader(sess.Channel)
		if err != nil {
			return err
		}
		switch h.Cmd {
		case protocol.CmdAdd:
			if err := handleAdd(s, sess, h, broadcast); err != nil {
				return err
			}
		case protocol.CmdQuery:
			if err := handleQuery(s, sess, h); err != nil {
				return err
			}
		case protocol.CmdEnd:
			// Only the multi-user TCP variant acknowledges END; on the
			// point-to-point transports the client tears down without
			// waiting for a reply and a write here would hit a closed
			// peer.
			if broadcast != nil {
				return sess.writeFrame(protocol.StatusEndAck, nil)
			}
			return nil
		default:
			if err := sendUserErr(sess, fmt.Sprintf("BAD_CMD: unrecognized command %d", int(h.Cmd))); err != nil {
				return err
			}
		}
	}
}

func sendUserErr(sess *Session, msg string) error {
	return sess.writeFrame(protocol.StatusUserErr, []byte(msg))
}

func sendSysErr(sess *Session, msg string) error {
	return sess.writeFrame(protocol.StatusSysErr, []byte(msg))
}

// sendTerminalOK emits the {OK, 0} frame every request ends with absent an
// error.
func sendTerminalOK(sess *Session) error {
	return sess.writeFrame(protocol.StatusOK, nil)
}

func handleAdd(s *store.Store, sess *Session, h protocol.ClientHeader, broadcast Broadcaster) error {
	payload, err := sess.Channel.ReceiveBytes(h.NBytes)
	if err != nil {
		return err
	}
	user, room, message, topics, err := protocol.DecodeAddPayload(payload)
	if err != nil {
		return sendUserErr(sess, err.Error())
	}
	if err := s.Add(user, room, message, topics); err != nil {
		return sendSysErr(sess, s.LastError())
	}
	if err := sendTerminalOK(sess); err != nil {
		return err
	}
	if broadcast != nil && sess.Room != "" {
		body := fmt.Sprintf("message from %s\n%s", sess.User, joinTopicsAndMessage(topics, message))
		broadcast(sess.Room, body, sess)
	}
	return nil
}

func joinTopicsAndMessage(topics []string, message string) string {
	out := ""
	for _, t := range topics {
		out += t + " "
	}
	return out + message
}

func handleQuery(s *store.Store, sess *Session, h protocol.ClientHeader) error {
	payload, err := sess.Channel.ReceiveBytes(h.NBytes)
	if err != nil {
		return err
	}
	room, topics, err := protocol.DecodeQueryPayload(payload)
	if err != nil {
		return sendUserErr(sess, err.Error())
	}
	return querySequence(s, sess, room, topics, h.Count)
}

// querySequence classifies an unknown room/topic as USER_ERR, then streams
// one OK frame per matching message, finishing with the terminal {OK, 0}
// (or SYS_ERR on a store failure mid-iteration).
func querySequence(s *store.Store, sess *Session, room string, topics []string, count int) error {
	var sinkErr error
	err := s.Query(room, topics, count, func(m store.Message) bool {
		if werr := sess.writeFrame(protocol.StatusOK, []byte(formatResultBody(m))); werr != nil {
			sinkErr = werr
			return false
		}
		return true
	})
	if sinkErr != nil {
		return sinkErr
	}
	switch {
	case errors.Is(err, store.ErrUnknownRoom):
		return sendUserErr(sess, "BAD_ROOM: unknown room")
	case errors.Is(err, store.ErrUnknownTopic):
		return sendUserErr(sess, "BAD_TOPIC: unknown topic")
	case err != nil:
		return sendSysErr(sess, s.LastError())
	}
	return sendTerminalOK(sess)
}

// formatResultBody renders one QUERY match as
// "<ISO8601>\n<user> <room>[ <topics...>]\n<message>".
func formatResultBody(m store.Message) string {
	header := m.User + " " + m.Room
	for _, t := range m.Topics {
		header += " " + t
	}
	return protocol.ISO8601(m.CreatedAt) + "\n" + header + "\n" + m.Message
}
