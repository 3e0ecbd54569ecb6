package server

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/hoistd/hoist/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		// Daemons are non-browser clients; origin is meaningless here.
		return true
	},
}

// wsSocket wraps a websocket connection behind a write lock. The manager
// writes commands from multiple goroutines and gorilla allows only one
// concurrent writer.
type wsSocket struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSocket) WriteJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *wsSocket) Close() error {
	return s.conn.Close()
}

// handleDaemonConnect upgrades an authenticated daemon onto the persistent
// socket. The token arrives in the Authorization header or, for clients
// that cannot set upgrade headers, in the token query parameter.
func (s *Server) handleDaemonConnect(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}

	daemonID, userID, ok := s.mgr.Authenticate(token)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Warn().Err(err).Str("daemon_id", daemonID).Msg("websocket upgrade failed")
		return
	}

	sock := &wsSocket{conn: conn}
	name := r.URL.Query().Get("name")
	s.mgr.HandleConnect(r.Context(), daemonID, userID, name, sock)

	go s.readPump(daemonID, sock)
}

// readPump consumes inbound socket messages until the connection dies,
// then runs the disconnect cascade. Malformed frames are logged and
// skipped; only a transport-level read error ends the session.
func (s *Server) readPump(daemonID string, sock *wsSocket) {
	defer s.mgr.HandleDisconnect(daemonID, sock)

	for {
		_, data, err := sock.conn.ReadMessage()
		if err != nil {
			s.logger.Debug().Err(err).Str("daemon_id", daemonID).Msg("socket closed")
			return
		}

		msg, err := protocol.DecodeMessage(data)
		if err != nil {
			s.logger.Warn().Err(err).Str("daemon_id", daemonID).Msg("dropping malformed socket message")
			continue
		}

		switch msg.Type {
		case protocol.MessagePong:
			s.mgr.HandlePong(daemonID)
		case protocol.MessageAgentAck:
			s.mgr.HandleAgentAck(context.Background(), daemonID, msg)
		default:
			s.logger.Warn().Str("daemon_id", daemonID).Str("type", string(msg.Type)).
				Msg("dropping unknown socket message")
		}
	}
}
