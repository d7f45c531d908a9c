package relay

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/jiascheduler/jiascheduler/pkg/wsconn"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server exposes the Comet's two WebSocket ingresses over HTTP: one for
// agents presenting hello, one for the Console's dispatcher link.
type Server struct {
	relay *Relay
}

func NewServer(r *Relay) *Server {
	return &Server{relay: r}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/agent/ws", s.handleAgent)
	mux.HandleFunc("/console/ws", s.handleConsole)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	return mux
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("comet: agent upgrade failed")
		return
	}
	conn := wsconn.New(ws)
	go s.relay.ServeAgent(context.Background(), conn)
}

func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("comet: console upgrade failed")
		return
	}
	conn := wsconn.New(ws)
	go s.relay.ServeConsole(context.Background(), uuid.NewString(), conn)
}
