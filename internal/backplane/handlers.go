package backplane

import (
	"context"
	"time"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"golang.org/x/sync/errgroup"

	"github.com/life-stream-dev/life-stream-go-backplane/internal/connection"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/logger"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/results"
)

const (
	ackFlushTimeout = 5 * time.Second
	publishTimeout  = 10 * time.Second
)

func (c *Coordinator) readInvocation(ch string, data []byte) (protocol.Invocation, bool) {
	inv, err := protocol.ReadInvocation(data)
	if err != nil {
		c.cfg.Metrics.Dropped("malformed")
		logger.WarnF("Dropping invocation on %s: %v", ch, err)
		return protocol.Invocation{}, false
	}
	c.cfg.Metrics.Received(metrics.KindInvocation)
	return inv, true
}

func (c *Coordinator) handleAll(ctx context.Context, ch string, data []byte) {
	inv, ok := c.readInvocation(ch, data)
	if !ok {
		return
	}
	var targets []Session
	c.sessions.Range(func(e *connection.Entry) bool {
		targets = append(targets, e.Session)
		return true
	})
	c.deliver(ctx, inv, targets)
}

// handleScoped serves group and user channels.
func (c *Coordinator) handleScoped(ctx context.Context, ch string, data []byte) {
	inv, ok := c.readInvocation(ch, data)
	if !ok {
		return
	}
	interested := c.subs.Sessions(ch)
	targets := make([]Session, 0, len(interested))
	for _, s := range interested {
		if session, ok := s.(Session); ok {
			targets = append(targets, session)
		}
	}
	c.deliver(ctx, inv, targets)
}

func (c *Coordinator) sessionHandler(sessionID string) handlerFunc {
	return func(ctx context.Context, ch string, data []byte) {
		inv, ok := c.readInvocation(ch, data)
		if !ok {
			return
		}
		entry, ok := c.local(sessionID)
		if !ok {
			c.cfg.Metrics.Dropped("unknown_session")
			return
		}
		if inv.ExpectsResult() {
			id, returnChannel := inv.InvocationID, inv.ReturnChannel
			err := c.results.Add(id, sessionID, func(o results.Outcome) {
				c.forwardCompletion(id, returnChannel, o)
			})
			if err != nil {
				logger.WarnF("[%s] Cannot track invocation %s: %v", sessionID, id, err)
				return
			}
			// OnDisconnected may have failed the session before Add.
			select {
			case <-entry.Session.Done():
				c.results.Complete(id, results.Outcome{Err: ErrSessionDisconnected})
				return
			default:
			}
		}
		c.deliver(ctx, inv, []Session{entry.Session})
	}
}

// deliver writes the frame matching each session's codec. Write failures
// are logged by connection.Send and never stop the fan-out.
func (c *Coordinator) deliver(ctx context.Context, inv protocol.Invocation, targets []Session) {
	excluded := set.NewStrings(inv.ExcludedIDs...)
	var g errgroup.Group
	g.SetLimit(c.cfg.FanOut)
	for _, s := range targets {
		s := s
		if excluded.Contains(s.ID()) {
			continue
		}
		frame, ok := inv.Payloads[s.Codec()]
		if !ok {
			c.cfg.Metrics.Dropped("codec")
			logger.WarnF("[%s] No payload for codec %s", s.ID(), s.Codec())
			continue
		}
		g.Go(func() error {
			_ = connection.Send(ctx, s, frame)
			return nil
		})
	}
	_ = g.Wait()
}

// handleGroupCommand applies a membership change for a session this server
// owns. Other servers ignore it.
func (c *Coordinator) handleGroupCommand(_ context.Context, ch string, data []byte) {
	cmd, err := protocol.ReadGroupCommand(data)
	if err != nil {
		c.cfg.Metrics.Dropped("malformed")
		logger.WarnF("Dropping group command on %s: %v", ch, err)
		return
	}
	c.cfg.Metrics.Received(metrics.KindGroupCommand)
	entry, ok := c.local(cmd.SessionID)
	if !ok {
		return
	}
	switch cmd.Action {
	case protocol.GroupActionAdd:
		c.joinLocal(entry, cmd.Group)
	case protocol.GroupActionRemove:
		c.leaveLocal(entry, cmd.Group)
	}
	logger.DebugF("[%s] Applied %s %s for server %s", cmd.SessionID, cmd.Action, cmd.Group, cmd.ServerID)

	// The ack waits for the LISTEN to land, which needs the pump, so it
	// cannot run on the dispatcher.
	c.tomb.Go(func() error {
		ctx := c.tomb.Context(context.Background())
		fctx, cancel := context.WithTimeout(ctx, ackFlushTimeout)
		if err := c.listener.Flush(fctx); err != nil {
			logger.DebugF("Flush before ack %d: %v", cmd.ID, err)
		}
		cancel()
		frame, err := protocol.WriteAck(protocol.Ack{ID: cmd.ID})
		if err != nil {
			return errors.Trace(err)
		}
		pctx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()
		if err := c.publish(pctx, c.channels.Ack(cmd.ServerID), metrics.KindAck, frame); err != nil {
			logger.WarnF("Acknowledging group command %d to %s failed: %v", cmd.ID, cmd.ServerID, err)
		}
		return nil
	})
}

func (c *Coordinator) handleAck(_ context.Context, ch string, data []byte) {
	a, err := protocol.ReadAck(data)
	if err != nil {
		c.cfg.Metrics.Dropped("malformed")
		logger.WarnF("Dropping ack on %s: %v", ch, err)
		return
	}
	c.cfg.Metrics.Received(metrics.KindAck)
	c.acks.Resolve(a.ID)
}

func (c *Coordinator) handleCompletion(_ context.Context, ch string, data []byte) {
	frame, err := protocol.ReadCompletion(data)
	if err != nil {
		c.cfg.Metrics.Dropped("malformed")
		logger.WarnF("Dropping completion on %s: %v", ch, err)
		return
	}
	c.cfg.Metrics.Received(metrics.KindCompletion)
	cd, ok := c.cfg.Codecs.Get(frame.Codec)
	if !ok {
		c.failCompletion(frame.InvocationID, errors.Annotatef(ErrCodecMismatch, "codec %q", frame.Codec))
		return
	}
	completion, err := cd.DecodeCompletion(frame.Payload)
	if err != nil {
		c.failCompletion(frame.InvocationID, errors.Annotatef(ErrCodecMismatch, "decoding %s completion: %v", frame.Codec, err))
		return
	}
	if completion.InvocationID == "" {
		completion.InvocationID = frame.InvocationID
	}
	if !c.results.Complete(completion.InvocationID, results.Outcome{Codec: cd.Name(), Completion: completion}) {
		logger.DebugF("Completion for unknown invocation %s", completion.InvocationID)
	}
}

func (c *Coordinator) failCompletion(id string, err error) {
	if id == "" || !c.results.Complete(id, results.Outcome{Err: err}) {
		c.cfg.Metrics.Dropped("completion")
		logger.WarnF("Dropping completion: %v", err)
	}
}
