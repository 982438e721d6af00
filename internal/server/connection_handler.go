package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"

	"github.com/life-stream-dev/life-stream-go-backplane/internal/codec"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/logger"
)

const (
	writeTimeout   = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 * 1024
	commandTimeout = 30 * time.Second
)

// wsSession adapts a websocket to backplane.Session.
type wsSession struct {
	id    string
	user  string
	codec codec.Codec
	conn  *websocket.Conn

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newWSSession(id, user string, cd codec.Codec, conn *websocket.Conn) *wsSession {
	return &wsSession{id: id, user: user, codec: cd, conn: conn, done: make(chan struct{})}
}

func (s *wsSession) ID() string            { return s.id }
func (s *wsSession) UserID() string        { return s.user }
func (s *wsSession) Codec() string         { return s.codec.Name() }
func (s *wsSession) Done() <-chan struct{} { return s.done }

func (s *wsSession) Write(ctx context.Context, frame []byte) error {
	messageType := websocket.TextMessage
	if s.codec.Binary() {
		messageType = websocket.BinaryMessage
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeTimeout)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteMessage(messageType, frame)
}

func (s *wsSession) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.conn.Close(); err != nil && !isNetClosedError(err) {
			logger.WarnF("[%s] Error occurred while closing connection, details: %v", s.id, err)
		}
	})
}

// command is what clients send. Arguments and results travel as JSON and
// are re-encoded with the session codec.
type command struct {
	Type         string          `json:"type"`
	ID           string          `json:"id,omitempty"`
	Scope        string          `json:"scope,omitempty"`
	Target       string          `json:"target,omitempty"`
	Targets      []string        `json:"targets,omitempty"`
	Group        string          `json:"group,omitempty"`
	Method       string          `json:"method,omitempty"`
	Arguments    []any           `json:"arguments,omitempty"`
	InvocationID string          `json:"invocationId,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
}

type ConnectionHandler struct {
	server  *Server
	session *wsSession
}

func (h *ConnectionHandler) serve(ctx context.Context) {
	s := h.session
	coord := h.server.cfg.Coordinator
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := coord.OnConnected(ctx, s); err != nil {
		logger.ErrorF("[%s] Fail to register session, details: %v", s.id, err)
		s.close()
		return
	}
	defer func() {
		s.close()
		coord.OnDisconnected(context.Background(), s.id)
		logger.DebugF("[%s] Connection closed", s.id)
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go h.ping()

	_ = coord.SendCaller(ctx, s.id, "connected", s.id)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			handleReadError(s.id, err)
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.reportError(ctx, "", errors.NotValidf("command: %v", err))
			continue
		}
		logger.DebugF("[%s] Receive %s command", s.id, cmd.Type)
		go h.handleCommand(ctx, cmd)
	}
}

func (h *ConnectionHandler) ping() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-h.session.done:
			return
		case <-ticker.C:
			if err := h.session.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *ConnectionHandler) handleCommand(ctx context.Context, cmd command) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := h.dispatch(ctx, cmd); err != nil {
		h.reportError(ctx, cmd.ID, err)
		return
	}
	// invoke answers with its result instead
	if cmd.ID != "" && cmd.Type != "invoke" {
		_ = h.server.cfg.Coordinator.SendCaller(ctx, h.session.id, "ok", cmd.ID)
	}
}

func (h *ConnectionHandler) dispatch(ctx context.Context, cmd command) error {
	coord := h.server.cfg.Coordinator
	id := h.session.id
	switch cmd.Type {
	case "join":
		return coord.AddToGroup(ctx, id, cmd.Group)
	case "leave":
		return coord.RemoveFromGroup(ctx, id, cmd.Group)
	case "send":
		return h.send(ctx, cmd)
	case "invoke":
		result, err := coord.InvokeSession(ctx, cmd.Target, cmd.Method, cmd.Arguments...)
		if err != nil {
			return err
		}
		var value any
		if err := result.Decode(&value); err != nil {
			return err
		}
		return coord.SendCaller(ctx, id, "invokeResult", cmd.ID, value)
	case "completion":
		return h.complete(ctx, cmd)
	}
	return errors.NotSupportedf("command %q", cmd.Type)
}

func (h *ConnectionHandler) send(ctx context.Context, cmd command) error {
	coord := h.server.cfg.Coordinator
	id := h.session.id
	switch cmd.Scope {
	case "all":
		return coord.SendAll(ctx, cmd.Method, cmd.Arguments...)
	case "others":
		return coord.SendOthers(ctx, id, cmd.Method, cmd.Arguments...)
	case "caller":
		return coord.SendCaller(ctx, id, cmd.Method, cmd.Arguments...)
	case "session":
		return coord.SendSession(ctx, cmd.Target, cmd.Method, cmd.Arguments...)
	case "sessions":
		return coord.SendSessions(ctx, cmd.Targets, cmd.Method, cmd.Arguments...)
	case "group":
		return coord.SendGroup(ctx, cmd.Group, cmd.Method, cmd.Arguments...)
	case "groups":
		return coord.SendGroups(ctx, cmd.Targets, cmd.Method, cmd.Arguments...)
	case "group_except":
		return coord.SendGroupExcept(ctx, cmd.Group, cmd.Targets, cmd.Method, cmd.Arguments...)
	case "others_in_group":
		return coord.SendOthersInGroup(ctx, id, cmd.Group, cmd.Method, cmd.Arguments...)
	case "user":
		return coord.SendUser(ctx, cmd.Target, cmd.Method, cmd.Arguments...)
	case "users":
		return coord.SendUsers(ctx, cmd.Targets, cmd.Method, cmd.Arguments...)
	}
	return errors.NotSupportedf("send scope %q", cmd.Scope)
}

// complete re-encodes the JSON result with the session codec.
func (h *ConnectionHandler) complete(ctx context.Context, cmd command) error {
	completion := codec.Completion{InvocationID: cmd.InvocationID, Error: cmd.Error}
	if len(cmd.Result) > 0 && cmd.Error == "" {
		var value any
		if err := json.Unmarshal(cmd.Result, &value); err != nil {
			return errors.NotValidf("completion result: %v", err)
		}
		encoded, err := h.session.codec.Marshal(value)
		if err != nil {
			return errors.Trace(err)
		}
		completion.Result = encoded
	}
	return h.server.cfg.Coordinator.SetSessionResult(ctx, h.session.id, completion)
}

func (h *ConnectionHandler) reportError(ctx context.Context, commandID string, err error) {
	logger.WarnF("[%s] Command %s failed, details: %v", h.session.id, commandID, err)
	if serr := h.server.cfg.Coordinator.SendCaller(ctx, h.session.id, "error", commandID, err.Error()); serr != nil {
		logger.DebugF("[%s] Fail to report error, details: %v", h.session.id, serr)
	}
}
