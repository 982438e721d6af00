package codec

import (
	"encoding/json"
	"sync"
	"testing"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry(MessagePack{}, JSON{}, JSON{})
	names := r.Names()
	if len(names) != 2 || names[0] != "json" || names[1] != "msgpack" {
		t.Fatalf("unexpected names %v", names)
	}
	if _, ok := r.Get("json"); !ok {
		t.Error("json codec missing")
	}
	if _, ok := r.Get("xml"); ok {
		t.Error("unexpected xml codec")
	}
}

func TestCompletionRoundTrip(t *testing.T) {
	for _, c := range []Codec{JSON{}, MessagePack{}} {
		result, err := c.Marshal("pong:ping")
		if err != nil {
			t.Fatalf("%s: %v", c.Name(), err)
		}
		data, err := c.EncodeCompletion(Completion{InvocationID: "abc", Result: result})
		if err != nil {
			t.Fatalf("%s: %v", c.Name(), err)
		}
		got, err := c.DecodeCompletion(data)
		if err != nil {
			t.Fatalf("%s: %v", c.Name(), err)
		}
		var s string
		if err := c.Unmarshal(got.Result, &s); err != nil || s != "pong:ping" || got.InvocationID != "abc" {
			t.Errorf("%s: unexpected completion %+v (%q, %v)", c.Name(), got, s, err)
		}

		data, _ = c.EncodeCompletion(Completion{InvocationID: "abc", Error: "boom"})
		got, err = c.DecodeCompletion(data)
		if err != nil || got.Error != "boom" || len(got.Result) != 0 {
			t.Errorf("%s: unexpected error completion %+v %v", c.Name(), got, err)
		}
	}
}

func TestDecodeCompletionRejectsInvocations(t *testing.T) {
	for _, c := range []Codec{JSON{}, MessagePack{}} {
		data, err := c.EncodeInvocation(Invocation{Target: "send", Arguments: []any{"x"}})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := c.DecodeCompletion(data); err == nil {
			t.Errorf("%s: invocation decoded as completion", c.Name())
		}
		if _, err := c.DecodeCompletion([]byte{0xff, 0x00}); err == nil {
			t.Errorf("%s: garbage decoded as completion", c.Name())
		}
	}
}

func TestJSONInvocationShape(t *testing.T) {
	data, err := JSON{}.EncodeInvocation(Invocation{Target: "send"})
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if m["target"] != "send" || m["type"] != float64(InvocationMessage) {
		t.Errorf("unexpected invocation %s", data)
	}
	if _, ok := m["invocationId"]; ok {
		t.Errorf("fire and forget invocation should omit invocationId: %s", data)
	}
	if args, ok := m["arguments"].([]any); !ok || len(args) != 0 {
		t.Errorf("arguments should be an empty array: %s", data)
	}
}

type countingCodec struct {
	JSON
	mu    sync.Mutex
	calls int
}

func (c *countingCodec) Name() string { return "counting" }

func (c *countingCodec) EncodeInvocation(inv Invocation) ([]byte, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.JSON.EncodeInvocation(inv)
}

func TestSerializedMessageEncodesOncePerCodec(t *testing.T) {
	counting := &countingCodec{}
	r := NewRegistry(counting, MessagePack{})
	msg := NewSerializedMessage(Invocation{Target: "send", Arguments: []any{"x"}})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := msg.Bytes(counting); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	payloads, err := msg.All(r)
	if err != nil {
		t.Fatal(err)
	}
	if len(payloads) != 2 || payloads["counting"] == nil || payloads["msgpack"] == nil {
		t.Errorf("unexpected payloads %v", payloads)
	}
	if counting.calls != 1 {
		t.Errorf("expected a single encode, got %d", counting.calls)
	}
}
