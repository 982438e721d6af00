// Package protocol frames the messages servers exchange over NOTIFY.
//
// Every frame is a MessagePack array whose header carries the field count.
// Readers require a minimum number of fields and skip any trailing fields
// they do not know, so newer servers can append fields without breaking
// older ones.
package protocol

import (
	"bytes"
	"sort"

	"github.com/juju/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrMalformed is returned, annotated, for frames that cannot be decoded.
const ErrMalformed = errors.ConstError("malformed frame")

type GroupAction byte

const (
	GroupActionAdd    GroupAction = 1
	GroupActionRemove GroupAction = 2
)

func (a GroupAction) String() string {
	switch a {
	case GroupActionAdd:
		return "add"
	case GroupActionRemove:
		return "remove"
	}
	return "unknown"
}

// Invocation is a message for sessions, serialized once per session codec.
type Invocation struct {
	ExcludedIDs []string
	Payloads    map[string][]byte
	// set only when the sender awaits a completion
	InvocationID  string
	ReturnChannel string
}

func (i Invocation) ExpectsResult() bool {
	return i.InvocationID != ""
}

type GroupCommand struct {
	ID        int32
	ServerID  string
	Action    GroupAction
	Group     string
	SessionID string
}

type Ack struct {
	ID int32
}

// Completion carries a session's response to an invocation, encoded with
// the codec named by Codec.
type Completion struct {
	Codec        string
	Payload      []byte
	InvocationID string
}

func malformed(kind string, cause error) error {
	if cause == nil {
		return errors.Annotatef(ErrMalformed, "%s", kind)
	}
	return errors.Annotatef(ErrMalformed, "%s: %v", kind, cause)
}

func WriteInvocation(inv Invocation) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	fields := 2
	if inv.ExpectsResult() {
		fields = 4
	}
	if err := enc.EncodeArrayLen(fields); err != nil {
		return nil, errors.Trace(err)
	}
	if err := writeStrings(enc, inv.ExcludedIDs); err != nil {
		return nil, errors.Trace(err)
	}

	codecs := make([]string, 0, len(inv.Payloads))
	for name := range inv.Payloads {
		codecs = append(codecs, name)
	}
	sort.Strings(codecs)
	if err := enc.EncodeMapLen(len(codecs)); err != nil {
		return nil, errors.Trace(err)
	}
	for _, name := range codecs {
		if err := enc.EncodeString(name); err != nil {
			return nil, errors.Trace(err)
		}
		if err := enc.EncodeBytes(inv.Payloads[name]); err != nil {
			return nil, errors.Trace(err)
		}
	}

	if inv.ExpectsResult() {
		if err := enc.EncodeString(inv.InvocationID); err != nil {
			return nil, errors.Trace(err)
		}
		if err := enc.EncodeString(inv.ReturnChannel); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return buf.Bytes(), nil
}

func ReadInvocation(data []byte) (Invocation, error) {
	var inv Invocation
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	n, err := readHeader(dec, "invocation", 2)
	if err != nil {
		return inv, err
	}

	if inv.ExcludedIDs, err = readStrings(dec, len(data)); err != nil {
		return inv, malformed("invocation excluded ids", err)
	}
	m, err := dec.DecodeMapLen()
	if err != nil {
		return inv, malformed("invocation payloads", err)
	}
	if err := checkLength(m, len(data)); err != nil {
		return inv, malformed("invocation payloads", err)
	}
	if m > 0 {
		inv.Payloads = make(map[string][]byte, m)
	}
	for i := 0; i < m; i++ {
		name, err := dec.DecodeString()
		if err != nil {
			return inv, malformed("invocation codec name", err)
		}
		payload, err := dec.DecodeBytes()
		if err != nil {
			return inv, malformed("invocation payload", err)
		}
		inv.Payloads[name] = payload
	}

	read := 2
	if n >= 4 {
		if inv.InvocationID, err = dec.DecodeString(); err != nil {
			return inv, malformed("invocation id", err)
		}
		if inv.ReturnChannel, err = dec.DecodeString(); err != nil {
			return inv, malformed("invocation return channel", err)
		}
		read = 4
	}
	if err := skip(dec, n-read); err != nil {
		return inv, malformed("invocation trailer", err)
	}
	return inv, nil
}

func WriteGroupCommand(cmd GroupCommand) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeArrayLen(5); err != nil {
		return nil, errors.Trace(err)
	}
	if err := enc.EncodeInt(int64(cmd.ID)); err != nil {
		return nil, errors.Trace(err)
	}
	if err := enc.EncodeString(cmd.ServerID); err != nil {
		return nil, errors.Trace(err)
	}
	if err := enc.EncodeUint(uint64(cmd.Action)); err != nil {
		return nil, errors.Trace(err)
	}
	if err := enc.EncodeString(cmd.Group); err != nil {
		return nil, errors.Trace(err)
	}
	if err := enc.EncodeString(cmd.SessionID); err != nil {
		return nil, errors.Trace(err)
	}
	return buf.Bytes(), nil
}

func ReadGroupCommand(data []byte) (GroupCommand, error) {
	var cmd GroupCommand
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	n, err := readHeader(dec, "group command", 5)
	if err != nil {
		return cmd, err
	}
	if cmd.ID, err = dec.DecodeInt32(); err != nil {
		return cmd, malformed("group command id", err)
	}
	if cmd.ServerID, err = dec.DecodeString(); err != nil {
		return cmd, malformed("group command server", err)
	}
	action, err := dec.DecodeUint8()
	if err != nil {
		return cmd, malformed("group command action", err)
	}
	cmd.Action = GroupAction(action)
	if cmd.Action != GroupActionAdd && cmd.Action != GroupActionRemove {
		return cmd, malformed("group command action", errors.Errorf("unknown action %d", action))
	}
	if cmd.Group, err = dec.DecodeString(); err != nil {
		return cmd, malformed("group command group", err)
	}
	if cmd.SessionID, err = dec.DecodeString(); err != nil {
		return cmd, malformed("group command session", err)
	}
	if err := skip(dec, n-5); err != nil {
		return cmd, malformed("group command trailer", err)
	}
	return cmd, nil
}

func WriteAck(ack Ack) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeArrayLen(1); err != nil {
		return nil, errors.Trace(err)
	}
	if err := enc.EncodeInt(int64(ack.ID)); err != nil {
		return nil, errors.Trace(err)
	}
	return buf.Bytes(), nil
}

func ReadAck(data []byte) (Ack, error) {
	var ack Ack
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	n, err := readHeader(dec, "ack", 1)
	if err != nil {
		return ack, err
	}
	if ack.ID, err = dec.DecodeInt32(); err != nil {
		return ack, malformed("ack id", err)
	}
	if err := skip(dec, n-1); err != nil {
		return ack, malformed("ack trailer", err)
	}
	return ack, nil
}

func WriteCompletion(c Completion) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	fields := 2
	if c.InvocationID != "" {
		fields = 3
	}
	if err := enc.EncodeArrayLen(fields); err != nil {
		return nil, errors.Trace(err)
	}
	if err := enc.EncodeString(c.Codec); err != nil {
		return nil, errors.Trace(err)
	}
	if err := enc.EncodeBytes(c.Payload); err != nil {
		return nil, errors.Trace(err)
	}
	if c.InvocationID != "" {
		if err := enc.EncodeString(c.InvocationID); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return buf.Bytes(), nil
}

func ReadCompletion(data []byte) (Completion, error) {
	var c Completion
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	n, err := readHeader(dec, "completion", 2)
	if err != nil {
		return c, err
	}
	if c.Codec, err = dec.DecodeString(); err != nil {
		return c, malformed("completion codec", err)
	}
	if c.Payload, err = dec.DecodeBytes(); err != nil {
		return c, malformed("completion payload", err)
	}
	read := 2
	if n >= 3 {
		if c.InvocationID, err = dec.DecodeString(); err != nil {
			return c, malformed("completion invocation id", err)
		}
		read = 3
	}
	if err := skip(dec, n-read); err != nil {
		return c, malformed("completion trailer", err)
	}
	return c, nil
}

func readHeader(dec *msgpack.Decoder, kind string, minFields int) (int, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return 0, malformed(kind, err)
	}
	if n < minFields {
		return 0, malformed(kind, errors.Errorf("%d fields, expected at least %d", n, minFields))
	}
	return n, nil
}

func skip(dec *msgpack.Decoder, n int) error {
	for i := 0; i < n; i++ {
		if err := dec.Skip(); err != nil {
			return err
		}
	}
	return nil
}

func writeStrings(enc *msgpack.Encoder, values []string) error {
	if err := enc.EncodeArrayLen(len(values)); err != nil {
		return err
	}
	for _, v := range values {
		if err := enc.EncodeString(v); err != nil {
			return err
		}
	}
	return nil
}

// checkLength rejects a collection header claiming more elements than the
// frame has bytes; every element takes at least one byte.
func checkLength(n, frameSize int) error {
	if n > frameSize {
		return errors.Errorf("%d elements in a %d byte frame", n, frameSize)
	}
	return nil
}

func readStrings(dec *msgpack.Decoder, frameSize int) ([]string, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	if err := checkLength(n, frameSize); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	values := make([]string, n)
	for i := range values {
		if values[i], err = dec.DecodeString(); err != nil {
			return nil, err
		}
	}
	return values, nil
}
