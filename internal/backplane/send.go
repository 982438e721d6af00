package backplane

import (
	"context"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"golang.org/x/sync/errgroup"

	"github.com/life-stream-dev/life-stream-go-backplane/internal/codec"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/connection"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/logger"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/payload"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/protocol"
)

// publish sends frame on ch and reports every failure.
func (c *Coordinator) publish(ctx context.Context, ch, kind string, frame []byte) error {
	if err := c.cfg.Payload.Publish(ctx, ch, frame); err != nil {
		c.cfg.Metrics.PublishFailed(kind)
		return errors.Annotatef(err, "publishing %s on %s", kind, ch)
	}
	c.cfg.Metrics.Published(kind)
	return nil
}

// broadcast publishes frame once per distinct channel. Only oversized
// payloads and cancellation are returned; transport failures are logged.
func (c *Coordinator) broadcast(ctx context.Context, channels []string, frame []byte) error {
	var g errgroup.Group
	g.SetLimit(c.cfg.FanOut)
	for _, ch := range set.NewStrings(channels...).SortedValues() {
		ch := ch
		g.Go(func() error {
			err := c.publish(ctx, ch, metrics.KindInvocation, frame)
			switch {
			case err == nil:
				return nil
			case errors.Is(err, payload.ErrPayloadTooLarge):
				return err
			case ctx.Err() != nil:
				return ctx.Err()
			}
			logger.WarnF("%v", err)
			return nil
		})
	}
	return g.Wait()
}

func (c *Coordinator) invocationFrame(msg *codec.SerializedMessage, excluded []string) ([]byte, error) {
	payloads, err := msg.All(c.cfg.Codecs)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return protocol.WriteInvocation(protocol.Invocation{ExcludedIDs: excluded, Payloads: payloads})
}

func (c *Coordinator) publishInvocation(ctx context.Context, channels []string, excluded []string, method string, args []any) error {
	if err := c.initializeLazily(ctx); err != nil {
		return err
	}
	if len(channels) == 0 {
		return nil
	}
	msg := codec.NewSerializedMessage(codec.Invocation{Target: method, Arguments: args})
	frame, err := c.invocationFrame(msg, excluded)
	if err != nil {
		return errors.Trace(err)
	}
	return c.broadcast(ctx, channels, frame)
}

// writeLocal encodes msg for every session before writing any of them, so an
// encoding error reaches nobody.
func (c *Coordinator) writeLocal(ctx context.Context, msg *codec.SerializedMessage, sessions []Session) error {
	frames := make([][]byte, len(sessions))
	for i, s := range sessions {
		cd, ok := c.cfg.Codecs.Get(s.Codec())
		if !ok {
			return errors.NotSupportedf("codec %q of session %q", s.Codec(), s.ID())
		}
		frame, err := msg.Bytes(cd)
		if err != nil {
			return errors.Trace(err)
		}
		frames[i] = frame
	}
	var g errgroup.Group
	g.SetLimit(c.cfg.FanOut)
	for i, s := range sessions {
		i, s := i, s
		g.Go(func() error {
			_ = connection.Send(ctx, s, frames[i])
			return nil
		})
	}
	return g.Wait()
}

func (c *Coordinator) SendAll(ctx context.Context, method string, args ...any) error {
	return c.publishInvocation(ctx, []string{c.channels.All()}, nil, method, args)
}

func (c *Coordinator) SendAllExcept(ctx context.Context, excludedIDs []string, method string, args ...any) error {
	return c.publishInvocation(ctx, []string{c.channels.All()}, excludedIDs, method, args)
}

func (c *Coordinator) SendCaller(ctx context.Context, callerID, method string, args ...any) error {
	return c.SendSession(ctx, callerID, method, args...)
}

func (c *Coordinator) SendOthers(ctx context.Context, callerID, method string, args ...any) error {
	return c.SendAllExcept(ctx, []string{callerID}, method, args...)
}

func (c *Coordinator) SendSession(ctx context.Context, sessionID, method string, args ...any) error {
	return c.SendSessions(ctx, []string{sessionID}, method, args...)
}

// SendSessions writes directly to sessions held by this server and publishes
// on the session channel of the others.
func (c *Coordinator) SendSessions(ctx context.Context, sessionIDs []string, method string, args ...any) error {
	if err := c.initializeLazily(ctx); err != nil {
		return err
	}
	msg := codec.NewSerializedMessage(codec.Invocation{Target: method, Arguments: args})
	var local []Session
	var remote []string
	for _, id := range set.NewStrings(sessionIDs...).SortedValues() {
		if id == "" {
			continue
		}
		if entry, ok := c.local(id); ok {
			local = append(local, entry.Session)
			continue
		}
		remote = append(remote, c.channels.Session(id))
	}
	if len(remote) > 0 {
		frame, err := c.invocationFrame(msg, nil)
		if err != nil {
			return errors.Trace(err)
		}
		if err := c.broadcast(ctx, remote, frame); err != nil {
			return errors.Trace(err)
		}
	}
	return c.writeLocal(ctx, msg, local)
}

func (c *Coordinator) SendGroup(ctx context.Context, group, method string, args ...any) error {
	return c.SendGroups(ctx, []string{group}, method, args...)
}

func (c *Coordinator) SendGroups(ctx context.Context, groups []string, method string, args ...any) error {
	return c.publishInvocation(ctx, c.groupChannels(groups), nil, method, args)
}

func (c *Coordinator) SendGroupExcept(ctx context.Context, group string, excludedIDs []string, method string, args ...any) error {
	return c.publishInvocation(ctx, c.groupChannels([]string{group}), excludedIDs, method, args)
}

func (c *Coordinator) SendOthersInGroup(ctx context.Context, callerID, group, method string, args ...any) error {
	return c.SendGroupExcept(ctx, group, []string{callerID}, method, args...)
}

func (c *Coordinator) SendUser(ctx context.Context, userID, method string, args ...any) error {
	return c.SendUsers(ctx, []string{userID}, method, args...)
}

func (c *Coordinator) SendUsers(ctx context.Context, userIDs []string, method string, args ...any) error {
	channels := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if id != "" {
			channels = append(channels, c.channels.User(id))
		}
	}
	return c.publishInvocation(ctx, channels, nil, method, args)
}

func (c *Coordinator) groupChannels(groups []string) []string {
	channels := make([]string, 0, len(groups))
	for _, g := range groups {
		if g != "" {
			channels = append(channels, c.channels.Group(g))
		}
	}
	return channels
}
