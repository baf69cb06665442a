// Package protocol defines the wire format shared by every transport: header
// encoding (ASCII line for stream transports, packed struct for shared
// memory), NUL-separated payload framing, and the client/server status
// vocabulary. Transports only need to move bytes; protocol is the single
// place that knows how to frame them.
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"time"
)

// CmdType identifies a client request.
type CmdType int

const (
	CmdAdd   CmdType = 0
	CmdQuery CmdType = 1
	CmdEnd   CmdType = 2
	CmdInit  CmdType = 3 // TCP only
)

func (c CmdType) String() string {
	switch c {
	case CmdAdd:
		return "ADD"
	case CmdQuery:
		return "QUERY"
	case CmdEnd:
		return "END"
	case CmdInit:
		return "INIT"
	default:
		return fmt.Sprintf("CmdType(%d)", int(c))
	}
}

// Status identifies a server response.
type Status int

const (
	StatusOK       Status = 0
	StatusUserErr  Status = 1
	StatusSysErr   Status = 2
	StatusFatalErr Status = 3
	StatusEndAck   Status = 4
)

// ErrPrefix returns the text prepended to an error message on the client's
// err sink.
func (s Status) ErrPrefix() string {
	switch s {
	case StatusUserErr:
		return ""
	case StatusSysErr:
		return "SYS_ERR: "
	case StatusFatalErr:
		return "FATAL_ERR: "
	default:
		return ""
	}
}

// MaxHeaderLine is the maximum length, including the trailing newline, of a
// stream-transport header line.
const MaxHeaderLine = 80

// ClientHeader precedes every client request.
type ClientHeader struct {
	Cmd     CmdType
	Count   int // only meaningful for QUERY; -1 otherwise
	NTopics int
	NBytes  int
}

// ServerHeader precedes every server response frame.
type ServerHeader struct {
	Status Status
	NBytes int
}

// ---------------------------------------------------------------------------
// Stream (ASCII line) encoding — pipes, FIFOs, TCP.
// ---------------------------------------------------------------------------

// EncodeClientHeaderLine renders h as "cmd count nTopics nBytes\n".
func EncodeClientHeaderLine(h ClientHeader) []byte {
	line := fmt.Sprintf("%d %d %d %d\n", int(h.Cmd), h.Count, h.NTopics, h.NBytes)
	return []byte(line)
}

// DecodeClientHeaderLine parses a line previously produced by
// EncodeClientHeaderLine. line must not include the trailing newline.
func DecodeClientHeaderLine(line []byte) (ClientHeader, error) {
	fields := bytes.Fields(line)
	if len(fields) != 4 {
		return ClientHeader{}, fmt.Errorf("protocol: malformed client header %q", line)
	}
	cmd, err := strconv.Atoi(string(fields[0]))
	if err != nil {
		return ClientHeader{}, fmt.Errorf("protocol: bad cmdType in header %q: %w", line, err)
	}
	count, err := strconv.Atoi(string(fields[1]))
	if err != nil {
		return ClientHeader{}, fmt.Errorf("protocol: bad count in header %q: %w", line, err)
	}
	nTopics, err := strconv.Atoi(string(fields[2]))
	if err != nil {
		return ClientHeader{}, fmt.Errorf("protocol: bad nTopics in header %q: %w", line, err)
	}
	nBytes, err := strconv.Atoi(string(fields[3]))
	if err != nil {
		return ClientHeader{}, fmt.Errorf("protocol: bad nBytes in header %q: %w", line, err)
	}
	return ClientHeader{Cmd: CmdType(cmd), Count: count, NTopics: nTopics, NBytes: nBytes}, nil
}

// EncodeServerHeaderLine renders h as "status nBytes\n".
func EncodeServerHeaderLine(h ServerHeader) []byte {
	return []byte(fmt.Sprintf("%d %d\n", int(h.Status), h.NBytes))
}

// DecodeServerHeaderLine parses a line previously produced by
// EncodeServerHeaderLine. line must not include the trailing newline.
func DecodeServerHeaderLine(line []byte) (ServerHeader, error) {
	fields := bytes.Fields(line)
	if len(fields) != 2 {
		return ServerHeader{}, fmt.Errorf("protocol: malformed server header %q", line)
	}
	status, err := strconv.Atoi(string(fields[0]))
	if err != nil {
		return ServerHeader{}, fmt.Errorf("protocol: bad status in header %q: %w", line, err)
	}
	nBytes, err := strconv.Atoi(string(fields[1]))
	if err != nil {
		return ServerHeader{}, fmt.Errorf("protocol: bad nBytes in header %q: %w", line, err)
	}
	return ServerHeader{Status: Status(status), NBytes: nBytes}, nil
}

// ---------------------------------------------------------------------------
// Packed-struct encoding — shared memory.
// ---------------------------------------------------------------------------

// ClientHdrSize is the wire size of the packed ClientHeader struct: four
// little-endian int64 fields (cmd, nTopics, count, reqSize).
const ClientHdrSize = 32

// ServerHdrSize is the wire size of the packed ServerHeader struct: two
// little-endian int64 fields (status, resSize).
const ServerHdrSize = 16

func putInt64(buf []byte, off int, v int64) {
	binary.LittleEndian.PutUint64(buf[off:], uint64(v))
}

func getInt64(buf []byte, off int) int64 {
	return int64(binary.LittleEndian.Uint64(buf[off:]))
}

// EncodeClientHeaderStruct renders h as the fixed-layout packed struct used
// by the shared-memory transport.
func EncodeClientHeaderStruct(h ClientHeader) []byte {
	buf := make([]byte, ClientHdrSize)
	putInt64(buf, 0, int64(h.Cmd))
	putInt64(buf, 8, int64(h.NTopics))
	putInt64(buf, 16, int64(h.Count))
	putInt64(buf, 24, int64(h.NBytes))
	return buf
}

// DecodeClientHeaderStruct is the inverse of EncodeClientHeaderStruct.
func DecodeClientHeaderStruct(buf []byte) (ClientHeader, error) {
	if len(buf) != ClientHdrSize {
		return ClientHeader{}, fmt.Errorf("protocol: client header struct must be %d bytes, got %d", ClientHdrSize, len(buf))
	}
	return ClientHeader{
		Cmd:     CmdType(getInt64(buf, 0)),
		NTopics: int(getInt64(buf, 8)),
		Count:   int(getInt64(buf, 16)),
		NBytes:  int(getInt64(buf, 24)),
	}, nil
}

// EncodeServerHeaderStruct renders h as the fixed-layout packed struct used
// by the shared-memory transport.
func EncodeServerHeaderStruct(h ServerHeader) []byte {
	buf := make([]byte, ServerHdrSize)
	putInt64(buf, 0, int64(h.Status))
	putInt64(buf, 8, int64(h.NBytes))
	return buf
}

// DecodeServerHeaderStruct is the inverse of EncodeServerHeaderStruct.
func DecodeServerHeaderStruct(buf []byte) (ServerHeader, error) {
	if len(buf) != ServerHdrSize {
		return ServerHeader{}, fmt.Errorf("protocol: server header struct must be %d bytes, got %d", ServerHdrSize, len(buf))
	}
	return ServerHeader{
		Status: Status(getInt64(buf, 0)),
		NBytes: int(getInt64(buf, 8)),
	}, nil
}

// ---------------------------------------------------------------------------
// Payload framing — NUL-separated strings in a fixed order.
// ---------------------------------------------------------------------------

func encodeNulFields(fields ...string) []byte {
	var buf bytes.Buffer
	for _, f := range fields {
		buf.WriteString(f)
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// splitNulFields splits data on NUL bytes, dropping a single trailing empty
// field produced by the final separator.
func splitNulFields(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	parts := bytes.Split(data, []byte{0})
	// A well-formed payload ends with a separator, leaving one empty
	// trailing element after the split; drop it.
	if len(parts) > 0 && len(parts[len(parts)-1]) == 0 {
		parts = parts[:len(parts)-1]
	}
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = string(p)
	}
	return out
}

// EncodeAddPayload builds the ADD payload: user\0 room\0 message\0 (topic\0)*
func EncodeAddPayload(user, room, message string, topics []string) []byte {
	fields := append([]string{user, room, message}, topics...)
	return encodeNulFields(fields...)
}

// DecodeAddPayload parses an ADD payload produced by EncodeAddPayload.
func DecodeAddPayload(data []byte) (user, room, message string, topics []string, err error) {
	fields := splitNulFields(data)
	if len(fields) < 3 {
		return "", "", "", nil, fmt.Errorf("protocol: ADD payload needs at least user, room, message; got %d fields", len(fields))
	}
	return fields[0], fields[1], fields[2], fields[3:], nil
}

// EncodeQueryPayload builds the QUERY payload: room\0 (topic\0)*
func EncodeQueryPayload(room string, topics []string) []byte {
	fields := append([]string{room}, topics...)
	return encodeNulFields(fields...)
}

// DecodeQueryPayload parses a QUERY payload produced by EncodeQueryPayload.
func DecodeQueryPayload(data []byte) (room string, topics []string, err error) {
	fields := splitNulFields(data)
	if len(fields) < 1 {
		return "", nil, fmt.Errorf("protocol: QUERY payload needs at least room")
	}
	return fields[0], fields[1:], nil
}

// EncodeInitPayload builds the INIT payload: user\0 room\0
func EncodeInitPayload(user, room string) []byte {
	return encodeNulFields(user, room)
}

// DecodeInitPayload parses an INIT payload produced by EncodeInitPayload.
func DecodeInitPayload(data []byte) (user, room string, err error) {
	fields := splitNulFields(data)
	if len(fields) != 2 {
		return "", "", fmt.Errorf("protocol: INIT payload needs exactly user, room; got %d fields", len(fields))
	}
	return fields[0], fields[1], nil
}

// ---------------------------------------------------------------------------
// ISO-8601 timestamp formatting.
// ---------------------------------------------------------------------------

// ISO8601 formats timestamp as "YYYY-MM-DDThh:mm:ss.ttt" in local time with
// millisecond resolution.
func ISO8601(timestamp time.Time) string {
	return timestamp.Local().Format("2006-01-02T15:04:05.000")
}

// ---------------------------------------------------------------------------
// Channel — the abstract duplex byte channel every transport implements.
// ---------------------------------------------------------------------------

// Channel is the minimal contract every transport adapter satisfies: bytes
// delivered in order, complete, and exactly once per successful call.
type Channel interface {
	SendBytes(data []byte) error
	ReceiveBytes(n int) ([]byte, error)
	Flush() error
	Close() error
}

// LineChannel is implemented by stream transports (pipe, FIFO, TCP), which
// frame headers as a single newline-terminated ASCII line rather than the
// packed struct used over shared memory.
type LineChannel interface {
	Channel
	// ReceiveLine reads one '\n'-terminated line, not including the
	// newline, enforcing maxLen as the total line length including the
	// newline.
	ReceiveLine(maxLen int) ([]byte, error)
}

// WriteClientHeader frames and sends h over ch, using the line encoding for
// a LineChannel and the packed-struct encoding otherwise.
func WriteClientHeader(ch Channel, h ClientHeader) error {
	if _, ok := ch.(LineChannel); ok {
		return ch.SendBytes(EncodeClientHeaderLine(h))
	}
	return ch.SendBytes(EncodeClientHeaderStruct(h))
}

// ReadClientHeader receives and decodes a ClientHeader from ch.
func ReadClientHeader(ch Channel) (ClientHeader, error) {
	if lc, ok := ch.(LineChannel); ok {
		line, err := lc.ReceiveLine(MaxHeaderLine)
		if err != nil {
			return ClientHeader{}, err
		}
		return DecodeClientHeaderLine(line)
	}
	buf, err := ch.ReceiveBytes(ClientHdrSize)
	if err != nil {
		return ClientHeader{}, err
	}
	return DecodeClientHeaderStruct(buf)
}

// WriteServerHeader frames and sends h over ch.
func WriteServerHeader(ch Channel, h ServerHeader) error {
	if _, ok := ch.(LineChannel); ok {
		return ch.SendBytes(EncodeServerHeaderLine(h))
	}
	return ch.SendBytes(EncodeServerHeaderStruct(h))
}

// ReadServerHeader receives and decodes a ServerHeader from ch.
func ReadServerHeader(ch Channel) (ServerHeader, error) {
	if lc, ok := ch.(LineChannel); ok {
		line, err := lc.ReceiveLine(MaxHeaderLine)
		if err != nil {
			return ServerHeader{}, err
		}
		return DecodeServerHeaderLine(line)
	}
	buf, err := ch.ReceiveBytes(ServerHdrSize)
	if err != nil {
		return ServerHeader{}, err
	}
	return DecodeServerHeaderStruct(buf)
}
