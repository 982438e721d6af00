package codec

import (
	"github.com/juju/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// MessagePack is the binary codec.
type MessagePack struct{}

type msgpackInvocation struct {
	Type         MessageType `msgpack:"type"`
	InvocationID string      `msgpack:"invocationId,omitempty"`
	Target       string      `msgpack:"target"`
	Arguments    []any       `msgpack:"arguments"`
}

type msgpackCompletion struct {
	Type         MessageType        `msgpack:"type"`
	InvocationID string             `msgpack:"invocationId"`
	Result       msgpack.RawMessage `msgpack:"result,omitempty"`
	Error        string             `msgpack:"error,omitempty"`
}

func (MessagePack) Name() string {
	return "msgpack"
}

func (MessagePack) Binary() bool {
	return true
}

func (MessagePack) Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (MessagePack) Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

func (MessagePack) EncodeInvocation(inv Invocation) ([]byte, error) {
	args := inv.Arguments
	if args == nil {
		args = []any{}
	}
	return msgpack.Marshal(&msgpackInvocation{
		Type:         InvocationMessage,
		InvocationID: inv.InvocationID,
		Target:       inv.Target,
		Arguments:    args,
	})
}

func (MessagePack) EncodeCompletion(c Completion) ([]byte, error) {
	return msgpack.Marshal(&msgpackCompletion{
		Type:         CompletionMessage,
		InvocationID: c.InvocationID,
		Result:       c.Result,
		Error:        c.Error,
	})
}

func (MessagePack) DecodeCompletion(data []byte) (Completion, error) {
	var m msgpackCompletion
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return Completion{}, errors.NotValidf("msgpack completion: %v", err)
	}
	if m.Type != CompletionMessage {
		return Completion{}, errors.NotValidf("msgpack message type %d", m.Type)
	}
	return Completion{InvocationID: m.InvocationID, Result: m.Result, Error: m.Error}, nil
}
