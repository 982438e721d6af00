package results

import (
	"testing"

	"github.com/juju/errors"

	"github.com/life-stream-dev/life-stream-go-backplane/internal/codec"
)

func collect() (func(Outcome), *[]Outcome) {
	var got []Outcome
	return func(o Outcome) { got = append(got, o) }, &got
}

func TestCompleteOnce(t *testing.T) {
	m := NewManager()
	complete, got := collect()
	if err := m.Add("1", "b", complete); err != nil {
		t.Fatal(err)
	}
	if err := m.Add("1", "b", complete); !errors.Is(err, errors.AlreadyExists) {
		t.Errorf("duplicate id accepted: %v", err)
	}
	o := Outcome{Codec: "json", Completion: codec.Completion{InvocationID: "1", Result: []byte(`"pong"`)}}
	if !m.Complete("1", o) {
		t.Fatal("Complete returned false")
	}
	if m.Complete("1", o) {
		t.Error("second Complete returned true")
	}
	if len(*got) != 1 || (*got)[0].Codec != "json" {
		t.Errorf("unexpected outcomes %+v", *got)
	}
}

func TestCompleteFromChecksSession(t *testing.T) {
	m := NewManager()
	complete, got := collect()
	_ = m.Add("1", "b", complete)
	if err := m.CompleteFrom("c", "1", Outcome{}); !errors.Is(err, errors.Forbidden) {
		t.Errorf("expected forbidden, got %v", err)
	}
	if err := m.CompleteFrom("b", "2", Outcome{}); !errors.Is(err, errors.NotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if err := m.CompleteFrom("b", "1", Outcome{}); err != nil {
		t.Errorf("CompleteFrom: %v", err)
	}
	if len(*got) != 1 || m.Pending() != 0 {
		t.Errorf("unexpected state %d outcomes, %d pending", len(*got), m.Pending())
	}
}

func TestFailSessionAndClose(t *testing.T) {
	m := NewManager()
	complete, got := collect()
	_ = m.Add("1", "b", complete)
	_ = m.Add("2", "b", complete)
	_ = m.Add("3", "c", complete)

	disconnected := errors.New("disconnected")
	if n := m.FailSession("b", disconnected); n != 2 {
		t.Errorf("expected 2 failed invocations, got %d", n)
	}
	for _, o := range *got {
		if o.Err != disconnected {
			t.Errorf("unexpected outcome %+v", o)
		}
	}
	if m.Remove("3") != true || m.Pending() != 0 {
		t.Error("Remove did not drop the invocation")
	}

	_ = m.Add("4", "d", complete)
	closed := errors.New("closed")
	m.Close(closed)
	if last := (*got)[len(*got)-1]; last.Err != closed {
		t.Errorf("Close did not fail pending invocation: %+v", last)
	}
	if err := m.Add("5", "d", complete); err == nil {
		t.Error("Add accepted after Close")
	}
}
