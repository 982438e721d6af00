// Package server is a websocket host for the backplane. Each websocket is a
// session; clients drive the coordinator with small JSON commands.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/life-stream-dev/life-stream-go-backplane/internal/backplane"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/codec"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/logger"
)

const (
	maxConnections  = 10000
	shutdownTimeout = 10 * time.Second
)

type Config struct {
	Coordinator *backplane.Coordinator
	Codecs      *codec.Registry
	// Gatherer serves MetricsPath when set.
	Gatherer    prometheus.Gatherer
	MetricsPath string
}

type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	sem      chan struct{}
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Coordinator == nil {
		return nil, errors.NotValidf("nil Coordinator")
	}
	if cfg.Codecs == nil {
		return nil, errors.NotValidf("nil Codecs")
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sem: make(chan struct{}, maxConnections),
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWebsocket)
	mux.HandleFunc("/healthz", s.serveHealth)
	if s.cfg.Gatherer != nil {
		mux.Handle(s.cfg.MetricsPath, promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		logger.InfoF("Backplane server listen on %s", addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return errors.Annotate(err, "backplane server start error")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Annotate(err, "server close error")
	}
	return nil
}

type health struct {
	ServerID string `json:"server_id"`
	State    string `json:"state"`
	Sessions int    `json:"sessions"`
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	coord := s.cfg.Coordinator
	state := coord.State()
	body := health{ServerID: coord.ServerID(), State: state.String(), Sessions: coord.Stats().LocalSessions}
	w.Header().Set("Content-Type", "application/json")
	if state == backplane.Stopped {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	codecName := r.URL.Query().Get("codec")
	if codecName == "" {
		codecName = "json"
	}
	cd, ok := s.cfg.Codecs.Get(codecName)
	if !ok {
		http.Error(w, "unsupported codec", http.StatusBadRequest)
		return
	}
	select {
	case s.sem <- struct{}{}:
	default:
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	defer func() { <-s.sem }()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnF("[%s] Websocket upgrade failed, details: %v", r.RemoteAddr, err)
		return
	}
	logger.DebugF("Accepted new connection from %s", r.RemoteAddr)

	session := newWSSession(uuid.NewString(), r.URL.Query().Get("user"), cd, conn)
	handler := &ConnectionHandler{server: s, session: session}
	handler.serve(r.Context())
}
