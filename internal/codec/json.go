package codec

import (
	"encoding/json"

	"github.com/juju/errors"
)

// JSON is the text codec.
type JSON struct{}

type jsonInvocation struct {
	Type         MessageType `json:"type"`
	InvocationID string      `json:"invocationId,omitempty"`
	Target       string      `json:"target"`
	Arguments    []any       `json:"arguments"`
}

type jsonCompletion struct {
	Type         MessageType     `json:"type"`
	InvocationID string          `json:"invocationId"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
}

func (JSON) Name() string {
	return "json"
}

func (JSON) Binary() bool {
	return false
}

func (JSON) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (JSON) EncodeInvocation(inv Invocation) ([]byte, error) {
	args := inv.Arguments
	if args == nil {
		args = []any{}
	}
	return json.Marshal(jsonInvocation{
		Type:         InvocationMessage,
		InvocationID: inv.InvocationID,
		Target:       inv.Target,
		Arguments:    args,
	})
}

func (JSON) EncodeCompletion(c Completion) ([]byte, error) {
	return json.Marshal(jsonCompletion{
		Type:         CompletionMessage,
		InvocationID: c.InvocationID,
		Result:       c.Result,
		Error:        c.Error,
	})
}

func (JSON) DecodeCompletion(data []byte) (Completion, error) {
	var m jsonCompletion
	if err := json.Unmarshal(data, &m); err != nil {
		return Completion{}, errors.NotValidf("json completion: %v", err)
	}
	if m.Type != CompletionMessage {
		return Completion{}, errors.NotValidf("json message type %d", m.Type)
	}
	return Completion{InvocationID: m.InvocationID, Result: m.Result, Error: m.Error}, nil
}
