package channel

// Channels resolves every logical channel the backplane uses for one server.
type Channels struct {
	namer    *Namer
	serverID string

	all       string
	groups    string
	ownAck    string
	ownReturn string
}

func NewChannels(namer *Namer, serverID string) *Channels {
	c := &Channels{namer: namer, serverID: serverID}
	c.all = namer.Name("all")
	c.groups = namer.Name("internal_groups")
	c.ownAck = c.Ack(serverID)
	c.ownReturn = c.Return(serverID)
	return c
}

func (c *Channels) ServerID() string {
	return c.serverID
}

// All is listened to by every server.
func (c *Channels) All() string {
	return c.all
}

// GroupManagement carries group commands for sessions on other servers.
func (c *Channels) GroupManagement() string {
	return c.groups
}

func (c *Channels) Ack(serverID string) string {
	return c.namer.Name("internal_ack_" + serverID)
}

func (c *Channels) Return(serverID string) string {
	return c.namer.Name("internal_return_" + serverID)
}

func (c *Channels) OwnAck() string {
	return c.ownAck
}

func (c *Channels) OwnReturn() string {
	return c.ownReturn
}

func (c *Channels) Session(sessionID string) string {
	return c.namer.Name("session_" + sessionID)
}

func (c *Channels) Group(name string) string {
	return c.namer.Name("group_" + name)
}

func (c *Channels) User(userID string) string {
	return c.namer.Name("user_" + userID)
}

// Lifetime lists the channels a ready server listens to until it shuts down.
func (c *Channels) Lifetime() []string {
	return []string{c.all, c.groups, c.ownAck, c.ownReturn}
}
