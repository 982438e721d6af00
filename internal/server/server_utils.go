package server

import (
	"errors"
	"io"
	"net"
	"os"

	"github.com/gorilla/websocket"

	"github.com/life-stream-dev/life-stream-go-backplane/internal/logger"
)

func isNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

func handleReadError(connID string, err error) {
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway), errors.Is(err, io.EOF):
		logger.InfoF("[%s] Client close connection", connID)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout", connID)
	default:
		logger.ErrorF("[%s] Error occurred while reading message, details: %v", connID, err)
	}
}
