package backplane

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/life-stream-dev/life-stream-go-backplane/internal/codec"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/connection"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/logger"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/results"
)

// InvocationError is a failure reported by the invoked session.
type InvocationError struct {
	SessionID string
	Message   string
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invocation on session %q failed: %s", e.SessionID, e.Message)
}

// Result is the raw value a session completed an invocation with.
type Result struct {
	codec codec.Codec
	raw   []byte
}

func (r Result) Codec() string {
	return r.codec.Name()
}

func (r Result) Raw() []byte {
	return r.raw
}

// Decode unmarshals the result into v with the codec that produced it.
func (r Result) Decode(v any) error {
	if err := r.codec.Unmarshal(r.raw, v); err != nil {
		return errors.Annotatef(ErrResultType, "%s result %q into %T: %v", r.codec.Name(), r.raw, v, err)
	}
	return nil
}

// Invoke calls method on a session and decodes its result as T.
func Invoke[T any](ctx context.Context, c *Coordinator, sessionID, method string, args ...any) (T, error) {
	var value T
	r, err := c.InvokeSession(ctx, sessionID, method, args...)
	if err != nil {
		return value, err
	}
	err = r.Decode(&value)
	return value, err
}

// newInvocationID returns 16 random bytes, base64 encoded.
func newInvocationID() string {
	id := uuid.New()
	return base64.StdEncoding.EncodeToString(id[:])
}

// InvokeSession calls method on a session, wherever it is connected, and
// waits for SetSessionResult on that session or for its disconnection.
func (c *Coordinator) InvokeSession(ctx context.Context, sessionID, method string, args ...any) (Result, error) {
	if err := c.initializeLazily(ctx); err != nil {
		return Result{}, err
	}
	id := newInvocationID()
	done := make(chan results.Outcome, 1)
	complete := func(o results.Outcome) { done <- o }
	msg := codec.NewSerializedMessage(codec.Invocation{InvocationID: id, Target: method, Arguments: args})

	if entry, ok := c.local(sessionID); ok {
		if err := c.invokeLocal(ctx, entry, id, msg, complete); err != nil {
			return Result{}, err
		}
	} else if err := c.invokeRemote(ctx, sessionID, id, msg, complete); err != nil {
		return Result{}, err
	}

	select {
	case o := <-done:
		return c.result(sessionID, o)
	case <-ctx.Done():
		c.results.Remove(id)
		return Result{}, errors.Trace(ctx.Err())
	}
}

func (c *Coordinator) invokeLocal(ctx context.Context, entry *connection.Entry, id string, msg *codec.SerializedMessage, complete func(results.Outcome)) error {
	s := entry.Session
	cd, ok := c.cfg.Codecs.Get(s.Codec())
	if !ok {
		return errors.NotSupportedf("codec %q of session %q", s.Codec(), s.ID())
	}
	frame, err := msg.Bytes(cd)
	if err != nil {
		return errors.Trace(err)
	}
	if err := c.results.Add(id, s.ID(), complete); err != nil {
		return errors.Trace(err)
	}
	// A session that is already gone fails like one that leaves mid-call.
	select {
	case <-s.Done():
		c.results.Remove(id)
		return errors.Annotatef(ErrSessionDisconnected, "session %q", s.ID())
	default:
	}
	if err := connection.Send(ctx, s, frame); err != nil {
		c.results.Remove(id)
		return errors.Trace(err)
	}
	return nil
}

// invokeRemote binds the pending invocation to no local session; only the
// owner's completion or its disconnection notice finishes it.
func (c *Coordinator) invokeRemote(ctx context.Context, sessionID, id string, msg *codec.SerializedMessage, complete func(results.Outcome)) error {
	payloads, err := msg.All(c.cfg.Codecs)
	if err != nil {
		return errors.Trace(err)
	}
	frame, err := protocol.WriteInvocation(protocol.Invocation{
		Payloads:      payloads,
		InvocationID:  id,
		ReturnChannel: c.channels.OwnReturn(),
	})
	if err != nil {
		return errors.Trace(err)
	}
	if err := c.results.Add(id, "", complete); err != nil {
		return errors.Trace(err)
	}
	if err := c.publish(ctx, c.channels.Session(sessionID), metrics.KindInvocation, frame); err != nil {
		c.results.Remove(id)
		return errors.Trace(err)
	}
	return nil
}

func (c *Coordinator) result(sessionID string, o results.Outcome) (Result, error) {
	if o.Err != nil {
		return Result{}, errors.Trace(o.Err)
	}
	if msg := o.Completion.Error; msg != "" {
		if msg == ErrSessionDisconnected.Error() {
			return Result{}, errors.Annotatef(ErrSessionDisconnected, "session %q", sessionID)
		}
		return Result{}, &InvocationError{SessionID: sessionID, Message: msg}
	}
	cd, ok := c.cfg.Codecs.Get(o.Codec)
	if !ok {
		return Result{}, errors.Annotatef(ErrCodecMismatch, "codec %q", o.Codec)
	}
	return Result{codec: cd, raw: o.Completion.Result}, nil
}

// SetSessionResult completes an invocation sent to sessionID. The session
// must be held by this server and must be the one the invocation targeted.
func (c *Coordinator) SetSessionResult(_ context.Context, sessionID string, completion codec.Completion) error {
	entry, ok := c.local(sessionID)
	if !ok {
		return errors.NotFoundf("session %q", sessionID)
	}
	if completion.InvocationID == "" {
		return errors.NotValidf("completion without invocation id")
	}
	o := results.Outcome{Codec: entry.Session.Codec(), Completion: completion}
	return errors.Trace(c.results.CompleteFrom(sessionID, completion.InvocationID, o))
}

// forwardCompletion sends the outcome of an invocation that arrived from
// another server back on its return channel.
func (c *Coordinator) forwardCompletion(id, returnChannel string, o results.Outcome) {
	completion := o.Completion
	cd, ok := c.cfg.Codecs.Get(o.Codec)
	if o.Err != nil || !ok {
		cd, _ = c.cfg.Codecs.Get(c.cfg.Codecs.Names()[0])
		completion = codec.Completion{InvocationID: id, Error: outcomeMessage(o)}
	}
	completion.InvocationID = id
	data, err := cd.EncodeCompletion(completion)
	if err != nil {
		logger.WarnF("Encoding completion %s: %v", id, err)
		return
	}
	frame, err := protocol.WriteCompletion(protocol.Completion{Codec: cd.Name(), Payload: data, InvocationID: id})
	if err != nil {
		logger.WarnF("Encoding completion frame %s: %v", id, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := c.publish(ctx, returnChannel, metrics.KindCompletion, frame); err != nil {
		logger.WarnF("Returning completion %s: %v", id, err)
	}
}

func outcomeMessage(o results.Outcome) string {
	switch {
	case o.Err == nil:
		return fmt.Sprintf("unsupported codec %q", o.Codec)
	case errors.Is(o.Err, ErrSessionDisconnected), errors.Is(o.Err, ErrClosed):
		return ErrSessionDisconnected.Error()
	}
	return o.Err.Error()
}
