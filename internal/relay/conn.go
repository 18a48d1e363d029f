package relay

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range s.allowedOrigins {
				if allowed == "*" || origin == allowed {
					return true
				}
			}
			return false
		},
	}
}

// handshake reads the connection identity from the query string.
func (s *Server) handshake(r *http.Request) (ClientInfo, bool) {
	q := r.URL.Query()
	info := ClientInfo{
		UserID:       strings.TrimSpace(q.Get("userId")),
		SessionToken: strings.TrimSpace(q.Get("sessionToken")),
	}
	if info.UserID == "" || info.SessionToken == "" {
		return ClientInfo{}, false
	}
	info.IsAdmin, _ = strconv.ParseBool(q.Get("isAdmin"))
	if raw := q.Get("employeeId"); raw != "" {
		eid, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return ClientInfo{}, false
		}
		info.EmployeeID = &eid
	}

	if s.sessions != nil && s.sessions.Enabled() {
		identity, err := s.sessions.Parse(info.SessionToken)
		if err != nil || identity.Service || identity.UserID != info.UserID {
			return ClientInfo{}, false
		}
	}
	return info, true
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	info, ok := s.handshake(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "authentication required"})
		return
	}

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", info.UserID).Msg("websocket upgrade failed")
		return
	}

	client := s.hub.Register(info)
	if !info.IsAdmin && info.EmployeeID != nil {
		s.monitor.MarkOnline(*info.EmployeeID)
	}

	go s.writePump(conn, client)
	s.readPump(conn, client)
}

func (s *Server) readPump(conn *websocket.Conn, client *Client) {
	id := client.info.ConnectionID
	defer func() {
		s.disconnect(id, client.info)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		s.hub.Touch(id)
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Str("connection_id", id).Msg("websocket read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		s.hub.Touch(id)

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.logger.Debug().Err(err).Str("connection_id", id).Msg("ignoring malformed frame")
			continue
		}
		s.handleClientEvent(client, env)
	}
}

func (s *Server) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame, ok := <-client.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// disconnect unregisters a socket and flips an employee offline. It is safe
// to call more than once for the same socket.
func (s *Server) disconnect(connectionID string, info ClientInfo) {
	if !s.hub.Unregister(connectionID) {
		return
	}
	if !info.IsAdmin && info.EmployeeID != nil {
		s.monitor.MarkOffline(*info.EmployeeID)
	}
}

func (s *Server) handleClientEvent(client *Client, env Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error().
				Interface("panic", rec).
				Str("event", env.Event).
				Str("connection_id", client.info.ConnectionID).
				Msg("socket handler panicked")
		}
	}()

	switch env.Event {
	case EventHeartbeat:
		var hb struct {
			Timestamp json.RawMessage `json:"timestamp"`
		}
		if len(env.Data) > 0 {
			_ = json.Unmarshal(env.Data, &hb)
		}
		s.hub.SendTo(client.info.ConnectionID, EventHeartbeatAck, HeartbeatAck{
			ServerTime:      s.now(),
			ClientTimestamp: hb.Timestamp,
		})
	case EventProductAssigned, EventProductUpdate, EventStockUpdate, EventProductDelete:
		s.hub.EmitToAll(env.Event, env.Data)
	case EventDashboardUpdate:
		s.hub.EmitToAdmins(EventDashboardData, env.Data)
	default:
		s.logger.Debug().Str("event", env.Event).Msg("unhandled client event")
	}
}
