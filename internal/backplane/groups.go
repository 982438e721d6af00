package backplane

import (
	"context"

	"github.com/juju/errors"

	"github.com/life-stream-dev/life-stream-go-backplane/internal/connection"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/protocol"
)

// AddToGroup adds a session to a group. For a session held by another server
// it returns once that server acknowledged the change.
func (c *Coordinator) AddToGroup(ctx context.Context, sessionID, group string) error {
	return c.changeGroup(ctx, sessionID, group, protocol.GroupActionAdd)
}

func (c *Coordinator) RemoveFromGroup(ctx context.Context, sessionID, group string) error {
	return c.changeGroup(ctx, sessionID, group, protocol.GroupActionRemove)
}

func (c *Coordinator) changeGroup(ctx context.Context, sessionID, group string, action protocol.GroupAction) error {
	if sessionID == "" {
		return errors.NotValidf("empty session id")
	}
	if group == "" {
		return errors.NotValidf("empty group name")
	}
	if err := c.initializeLazily(ctx); err != nil {
		return err
	}
	if entry, ok := c.local(sessionID); ok {
		if action == protocol.GroupActionAdd {
			c.joinLocal(entry, group)
		} else {
			c.leaveLocal(entry, group)
		}
		return errors.Trace(c.listener.Flush(ctx))
	}

	id := c.acks.NextID()
	waiter := c.acks.Create(id)
	frame, err := protocol.WriteGroupCommand(protocol.GroupCommand{
		ID:        id,
		ServerID:  c.cfg.ServerID,
		Action:    action,
		Group:     group,
		SessionID: sessionID,
	})
	if err != nil {
		c.acks.Cancel(id)
		return errors.Trace(err)
	}
	if err := c.publish(ctx, c.channels.GroupManagement(), metrics.KindGroupCommand, frame); err != nil {
		c.acks.Cancel(id)
		return errors.Trace(err)
	}
	return errors.Annotatef(waiter.Wait(ctx), "%s session %q group %q", action, sessionID, group)
}

func (c *Coordinator) joinLocal(entry *connection.Entry, group string) {
	if entry.AddGroup(group) {
		c.subs.AddInterest(c.channels.Group(group), entry.Session, c.subscribeWith(c.handleScoped))
	}
}

func (c *Coordinator) leaveLocal(entry *connection.Entry, group string) {
	if entry.RemoveGroup(group) {
		c.subs.RemoveInterest(c.channels.Group(group), entry.Session.ID(), c.unsubscribe)
	}
}
