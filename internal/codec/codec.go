// Package codec holds the session level message codecs. Each session
// negotiates one codec and every message it receives is encoded with it.
package codec

import (
	"sort"
	"sync"

	"github.com/juju/errors"
)

type MessageType int

const (
	InvocationMessage MessageType = 1
	CompletionMessage MessageType = 3
)

// Invocation asks a session to run Target with Arguments. InvocationID is
// set when the sender awaits a Completion.
type Invocation struct {
	InvocationID string
	Target       string
	Arguments    []any
}

// Completion answers an Invocation. Result holds the value encoded with the
// codec that produced the completion.
type Completion struct {
	InvocationID string
	Result       []byte
	Error        string
}

type Codec interface {
	Name() string
	Binary() bool
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	EncodeInvocation(inv Invocation) ([]byte, error)
	EncodeCompletion(c Completion) ([]byte, error)
	DecodeCompletion(data []byte) (Completion, error)
}

// Registry is an immutable set of codecs keyed by name.
type Registry struct {
	codecs map[string]Codec
	names  []string
}

func NewRegistry(codecs ...Codec) *Registry {
	r := &Registry{codecs: make(map[string]Codec, len(codecs))}
	for _, c := range codecs {
		if _, ok := r.codecs[c.Name()]; ok {
			continue
		}
		r.codecs[c.Name()] = c
		r.names = append(r.names, c.Name())
	}
	sort.Strings(r.names)
	return r
}

// DefaultRegistry holds the json and msgpack codecs.
func DefaultRegistry() *Registry {
	return NewRegistry(JSON{}, MessagePack{})
}

func (r *Registry) Get(name string) (Codec, bool) {
	c, ok := r.codecs[name]
	return c, ok
}

func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// SerializedMessage encodes an Invocation at most once per codec. It is safe
// for concurrent use by fan-out writers.
type SerializedMessage struct {
	Message Invocation

	mu    sync.Mutex
	cache map[string][]byte
}

func NewSerializedMessage(msg Invocation) *SerializedMessage {
	return &SerializedMessage{Message: msg, cache: make(map[string][]byte)}
}

func (m *SerializedMessage) Bytes(c Codec) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if data, ok := m.cache[c.Name()]; ok {
		return data, nil
	}
	data, err := c.EncodeInvocation(m.Message)
	if err != nil {
		return nil, errors.Annotatef(err, "encoding %q with %s", m.Message.Target, c.Name())
	}
	m.cache[c.Name()] = data
	return data, nil
}

// All encodes the message with every codec in r.
func (m *SerializedMessage) All(r *Registry) (map[string][]byte, error) {
	payloads := make(map[string][]byte, len(r.names))
	for _, name := range r.names {
		data, err := m.Bytes(r.codecs[name])
		if err != nil {
			return nil, errors.Trace(err)
		}
		payloads[name] = data
	}
	return payloads, nil
}
