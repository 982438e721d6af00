package protocol

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/juju/errors"
	"github.com/vmihailenco/msgpack/v5"
)

func TestInvocationFrames(t *testing.T) {
	tests := []Invocation{
		{Payloads: map[string][]byte{"json": []byte(`{"type":1}`)}},
		{
			ExcludedIDs: []string{"a", "b"},
			Payloads:    map[string][]byte{"json": []byte("j"), "msgpack": {0x91, 0x01}},
		},
		{
			Payloads:      map[string][]byte{"json": []byte("j")},
			InvocationID:  "aW52b2NhdGlvbg==",
			ReturnChannel: "bp_internal_return_s1",
		},
	}
	for i, inv := range tests {
		data, err := WriteInvocation(inv)
		if err != nil {
			t.Fatalf("#%d WriteInvocation: %v", i, err)
		}
		got, err := ReadInvocation(data)
		if err != nil {
			t.Fatalf("#%d ReadInvocation: %v", i, err)
		}
		if !reflect.DeepEqual(got, inv) {
			t.Errorf("#%d expected %+v, got %+v", i, inv, got)
		}
	}
}

func TestGroupCommandFrame(t *testing.T) {
	cmd := GroupCommand{ID: 42, ServerID: "host_1", Action: GroupActionRemove, Group: "alpha", SessionID: "s-1"}
	data, err := WriteGroupCommand(cmd)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ReadGroupCommand(data)
	if err != nil || got != cmd {
		t.Errorf("expected %+v, got %+v (%v)", cmd, got, err)
	}
}

func TestAckAndCompletionFrames(t *testing.T) {
	data, err := WriteAck(Ack{ID: -7})
	if err != nil {
		t.Fatal(err)
	}
	if ack, err := ReadAck(data); err != nil || ack.ID != -7 {
		t.Errorf("ack round trip: %+v %v", ack, err)
	}

	for _, c := range []Completion{
		{Codec: "json", Payload: []byte(`{"result":"pong"}`), InvocationID: "id1"},
		{Codec: "msgpack", Payload: []byte{1, 2, 3}},
	} {
		data, err := WriteCompletion(c)
		if err != nil {
			t.Fatal(err)
		}
		got, err := ReadCompletion(data)
		if err != nil || !reflect.DeepEqual(got, c) {
			t.Errorf("completion round trip: expected %+v, got %+v (%v)", c, got, err)
		}
	}
}

// frames written by a newer peer with extra trailing fields
func TestReadersSkipTrailingFields(t *testing.T) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	_ = enc.EncodeArrayLen(3)
	_ = enc.EncodeInt(9)
	_ = enc.EncodeMapLen(1)
	_ = enc.EncodeString("future")
	if ack, err := ReadAck(buf.Bytes()); err != nil || ack.ID != 9 {
		t.Errorf("expected ack 9, got %+v %v", ack, err)
	}

	buf.Reset()
	_ = enc.EncodeArrayLen(7)
	_ = enc.EncodeInt(1)
	_ = enc.EncodeString("srv")
	_ = enc.EncodeUint(1)
	_ = enc.EncodeString("g")
	_ = enc.EncodeString("s")
	_ = enc.EncodeBool(true)
	_ = enc.EncodeArrayLen(2)
	_ = enc.EncodeString("x")
	_ = enc.EncodeString("y")
	cmd, err := ReadGroupCommand(buf.Bytes())
	if err != nil || cmd.Action != GroupActionAdd || cmd.SessionID != "s" {
		t.Errorf("unexpected command %+v %v", cmd, err)
	}
}

func TestReadersRejectShortFrames(t *testing.T) {
	short := func(fields int) []byte {
		var buf bytes.Buffer
		enc := msgpack.NewEncoder(&buf)
		_ = enc.EncodeArrayLen(fields)
		for i := 0; i < fields; i++ {
			_ = enc.EncodeString("x")
		}
		return buf.Bytes()
	}
	tests := []struct {
		name string
		read func([]byte) error
		data []byte
	}{
		{"invocation", func(b []byte) error { _, err := ReadInvocation(b); return err }, short(1)},
		{"group command", func(b []byte) error { _, err := ReadGroupCommand(b); return err }, short(4)},
		{"ack", func(b []byte) error { _, err := ReadAck(b); return err }, short(0)},
		{"completion", func(b []byte) error { _, err := ReadCompletion(b); return err }, short(1)},
		{"garbage", func(b []byte) error { _, err := ReadInvocation(b); return err }, []byte{0xc1}},
		{"empty", func(b []byte) error { _, err := ReadAck(b); return err }, nil},
		{"truncated", func(b []byte) error { _, err := ReadGroupCommand(b); return err }, short(5)[:4]},
	}
	for _, tt := range tests {
		if err := tt.read(tt.data); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: expected malformed frame error, got %v", tt.name, err)
		}
	}
}

func TestReadersRejectOversizedHeaders(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"excluded ids", []byte{0x92, 0xdd, 0x7f, 0xff, 0xff, 0xff}},
		{"payloads", []byte{0x92, 0x90, 0xdf, 0x7f, 0xff, 0xff, 0xff}},
	}
	for _, tt := range tests {
		if _, err := ReadInvocation(tt.data); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: expected malformed frame error, got %v", tt.name, err)
		}
	}
}

func TestUnknownGroupAction(t *testing.T) {
	data, _ := WriteGroupCommand(GroupCommand{ID: 1, Action: GroupAction(9), Group: "g", SessionID: "s"})
	if _, err := ReadGroupCommand(data); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected malformed frame error, got %v", err)
	}
}
