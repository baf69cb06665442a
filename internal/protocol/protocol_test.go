package protocol

import (
	"reflect"
	"testing"
	"time"
)

func TestClientHeaderLineRoundTrip(t *testing.T) {
	cases := []ClientHeader{
		{Cmd: CmdAdd, Count: -1, NTopics: 2, NBytes: 42},
		{Cmd: CmdQuery, Count: 10, NTopics: 0, NBytes: 5},
		{Cmd: CmdEnd, Count: -1, NTopics: 0, NBytes: 0},
		{Cmd: CmdInit, Count: -1, NTopics: 0, NBytes: 12},
	}
	for _, h := range cases {
		line := EncodeClientHeaderLine(h)
		if line[len(line)-1] != '\n' {
			t.Fatalf("encoded line missing trailing newline: %q", line)
		}
		if len(line) > MaxHeaderLine {
			t.Fatalf("encoded line %q exceeds MaxHeaderLine", line)
		}
		got, err := DecodeClientHeaderLine(line[:len(line)-1])
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got != h {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
		}
	}
}

func TestServerHeaderLineRoundTrip(t *testing.T) {
	cases := []ServerHeader{
		{Status: StatusOK, NBytes: 0},
		{Status: StatusUserErr, NBytes: 20},
		{Status: StatusEndAck, NBytes: 0},
	}
	for _, h := range cases {
		line := EncodeServerHeaderLine(h)
		got, err := DecodeServerHeaderLine(line[:len(line)-1])
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got != h {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
		}
	}
}

func TestClientHeaderStructRoundTrip(t *testing.T) {
	h := ClientHeader{Cmd: CmdQuery, Count: 3, NTopics: 2, NBytes: 99}
	buf := EncodeClientHeaderStruct(h)
	if len(buf) != ClientHdrSize {
		t.Fatalf("encoded struct size = %d, want %d", len(buf), ClientHdrSize)
	}
	got, err := DecodeClientHeaderStruct(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != h {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestServerHeaderStructRoundTrip(t *testing.T) {
	h := ServerHeader{Status: StatusSysErr, NBytes: 7}
	buf := EncodeServerHeaderStruct(h)
	if len(buf) != ServerHdrSize {
		t.Fatalf("encoded struct size = %d, want %d", len(buf), ServerHdrSize)
	}
	got, err := DecodeServerHeaderStruct(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != h {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestAddPayloadRoundTrip(t *testing.T) {
	want := struct {
		user, room, message string
		topics               []string
	}{"@zdu", "sysprog", "sqlite is pretty cool", []string{"db", "sqlite"}}

	data := EncodeAddPayload(want.user, want.room, want.message, want.topics)
	user, room, message, topics, err := DecodeAddPayload(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if user != want.user || room != want.room || message != want.message {
		t.Fatalf("got (%q, %q, %q), want (%q, %q, %q)", user, room, message, want.user, want.room, want.message)
	}
	if !reflect.DeepEqual(topics, want.topics) {
		t.Fatalf("topics = %v, want %v", topics, want.topics)
	}
}

func TestAddPayloadNoTopics(t *testing.T) {
	data := EncodeAddPayload("@zdu", "sysprog", "hello", nil)
	_, _, _, topics, err := DecodeAddPayload(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(topics) != 0 {
		t.Fatalf("topics = %v, want empty", topics)
	}
}

func TestQueryPayloadRoundTrip(t *testing.T) {
	data := EncodeQueryPayload("sysprog", []string{"db"})
	room, topics, err := DecodeQueryPayload(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if room != "sysprog" || !reflect.DeepEqual(topics, []string{"db"}) {
		t.Fatalf("got (%q, %v)", room, topics)
	}
}

func TestInitPayloadRoundTrip(t *testing.T) {
	data := EncodeInitPayload("@a", "sysprog")
	user, room, err := DecodeInitPayload(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if user != "@a" || room != "sysprog" {
		t.Fatalf("got (%q, %q)", user, room)
	}
}

func TestDecodeAddPayloadTooFewFields(t *testing.T) {
	if _, _, _, _, err := DecodeAddPayload([]byte("onlyone\x00")); err == nil {
		t.Fatal("expected error for malformed ADD payload")
	}
}

func TestDecodeInitPayloadWrongFieldCount(t *testing.T) {
	if _, _, err := DecodeInitPayload([]byte("onlyone\x00")); err == nil {
		t.Fatal("expected error for malformed INIT payload")
	}
}

func TestISO8601Format(t *testing.T) {
	ts := time.Date(2026, 3, 5, 9, 8, 7, 123_000_000, time.Local)
	got := ISO8601(ts)
	want := "2026-03-05T09:08:07.123"
	if got != want {
		t.Fatalf("ISO8601 = %q, want %q", got, want)
	}
}

func TestErrPrefix(t *testing.T) {
	cases := map[Status]string{
		StatusUserErr:  "",
		StatusSysErr:   "SYS_ERR: ",
		StatusFatalErr: "FATAL_ERR: ",
	}
	for status, want := range cases {
		if got := status.ErrPrefix(); got != want {
			t.Errorf("Status(%d).ErrPrefix() = %q, want %q", status, got, want)
		}
	}
}
