// Package clientengine implements the client-side protocol engine: turn a
// validated ADD/QUERY/END command into a request frame, then run the
// response-collection state machine that routes frames to success/error
// sinks.
package clientengine

import (
	"fmt"
	"io"

	"chathive/internal/protocol"
)

// Sinks receives the client-visible output of one request: successful
// output goes to OK (already formatted exactly as the wire body, one call
// per body plus the leading "ok\n"), failures go to Err.
type Sinks struct {
	OK  io.Writer
	Err io.Writer
}

func (s Sinks) writeOK(b []byte) error {
	_, err := s.OK.Write(b)
	return err
}

func (s Sinks) writeErr(b []byte) error {
	_, err := s.Err.Write(b)
	return err
}

// Engine drives one channel's request/response traffic.
type Engine struct {
	Channel protocol.Channel
}

// New wraps ch as a client engine.
func New(ch protocol.Channel) *Engine { return &Engine{Channel: ch} }

// Init sends the INIT frame (TCP variant only), addressing the session to
// (user, room). No response is expected.
func (e *Engine) Init(user, room string) error {
	payload := protocol.EncodeInitPayload(user, room)
	h := protocol.ClientHeader{Cmd: protocol.CmdInit, Count: -1, NTopics: 0, NBytes: len(payload)}
	if err := protocol.WriteClientHeader(e.Channel, h); err != nil {
		return err
	}
	if err := e.Channel.SendBytes(payload); err != nil {
		return err
	}
	return e.Channel.Flush()
}

// Add sends an ADD request and runs the response state machine.
func (e *Engine) Add(user, room, message string, topics []string, sinks Sinks) error {
	if err := e.SubmitAdd(user, room, message, topics); err != nil {
		return err
	}
	return e.collectResponse(sinks)
}

// Query sends a QUERY request and runs the response state machine.
func (e *Engine) Query(room string, topics []string, count int, sinks Sinks) error {
	if err := e.SubmitQuery(room, topics, count); err != nil {
		return err
	}
	return e.collectResponse(sinks)
}

// SubmitAdd writes an ADD request frame without waiting for a response.
// Used by the TCP multi-user client, where a single dedicated receiver
// task (see RunReceiveLoop) already owns reading every incoming frame —
// both this request's response and unsolicited broadcasts share that one
// reader, so the submitting side must not also read. No reply correlation
// is needed because every server-to-client frame shares the same OK-body
// format.
func (e *Engine) SubmitAdd(user, room, message string, topics []string) error {
	payload := protocol.EncodeAddPayload(user, room, message, topics)
	h := protocol.ClientHeader{Cmd: protocol.CmdAdd, Count: -1, NTopics: len(topics), NBytes: len(payload)}
	return e.send(h, payload)
}

// SubmitQuery writes a QUERY request frame without waiting for a response;
// see SubmitAdd.
func (e *Engine) SubmitQuery(room string, topics []string, count int) error {
	payload := protocol.EncodeQueryPayload(room, topics)
	h := protocol.ClientHeader{Cmd: protocol.CmdQuery, Count: count, NTopics: len(topics), NBytes: len(payload)}
	return e.send(h, payload)
}

// End sends the END frame. On point-to-point transports no response is
// expected; on TCP the caller's receiver loop (see RunReceiveLoop) observes the
// terminal END_ACK asynchronously.
func (e *Engine) End() error {
	h := protocol.ClientHeader{Cmd: protocol.CmdEnd, Count: -1, NTopics: 0, NBytes: 0}
	if err := protocol.WriteClientHeader(e.Channel, h); err != nil {
		return err
	}
	return e.Channel.Flush()
}

func (e *Engine) send(h protocol.ClientHeader, payload []byte) error {
	if err := protocol.WriteClientHeader(e.Channel, h); err != nil {
		return err
	}
	if err := e.Channel.SendBytes(payload); err != nil {
		return err
	}
	return e.Channel.Flush()
}

// collectResponse runs the response-collection state machine for a single
// submitted request on a point-to-point transport: read ServerHeaders
// until a terminal frame (empty OK or an error) arrives.
func (e *Engine) collectResponse(sinks Sinks) error {
	return RunReceiveLoop(e.Channel, sinks, true)
}

// RunReceiveLoop implements the response state machine shared between the
// synchronous point-to-point collectors above and the TCP client's
// dedicated async receiver task. stopOnTerminalOK controls whether the
// loop returns after one request's terminal frame (true, for
// point-to-point transports) or keeps running indefinitely to also observe
// unsolicited broadcast frames (false, for the TCP receiver task —
// broadcasts arrive as the same OK-body frames with no reply correlation
// needed).
func RunReceiveLoop(ch protocol.Channel, sinks Sinks, stopOnTerminalOK bool) error {
	printedOK := false
	for {
		h, err := protocol.ReadServerHeader(ch)
		if err != nil {
			return err
		}
		if h.Status == protocol.StatusEndAck {
			return nil
		}
		if h.Status != protocol.StatusOK {
			body, err := ch.ReceiveBytes(h.NBytes)
			if err != nil {
				return err
			}
			line := fmt.Sprintf("err %s%s\n", h.Status.ErrPrefix(), string(body))
			if werr := sinks.writeErr([]byte(line)); werr != nil {
				return werr
			}
			if h.Status == protocol.StatusFatalErr {
				return nil
			}
			printedOK = false
			if stopOnTerminalOK {
				return nil
			}
			continue
		}

		// status == OK
		if !printedOK {
			if err := sinks.writeOK([]byte("ok\n")); err != nil {
				return err
			}
			printedOK = true
		}
		if h.NBytes == 0 {
			printedOK = false
			if stopOnTerminalOK {
				return nil
			}
			continue
		}
		body, err := ch.ReceiveBytes(h.NBytes)
		if err != nil {
			return err
		}
		if err := sinks.writeOK(body); err != nil {
			return err
		}
	}
}
