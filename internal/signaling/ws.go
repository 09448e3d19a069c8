package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/rubigo/screenshare-sfu/internal/room"
	"github.com/rubigo/screenshare-sfu/internal/sfu"
)

type wsMessage struct {
	Type   string      `json:"type"`
	SDP    string      `json:"sdp,omitempty"`
	Status *sfu.Status `json:"status,omitempty"`
	Error  string      `json:"error,omitempty"`
	Code   int         `json:"code,omitempty"`
}

// wsSession is one signaling socket. Only the read loop touches peers;
// writes from the read loop and the pinger are serialised by writeMu.
type wsSession struct {
	conn         *websocket.Conn
	roomID       string
	writeMu      sync.Mutex
	writeTimeout time.Duration
	peers        []*room.Peer
	logger       log.FieldLogger
}

func (w *wsSession) send(msg wsMessage) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	return w.conn.WriteJSON(msg)
}

func (w *wsSession) sendControl(messageType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	deadline := time.Now().Add(w.writeTimeout)
	return w.conn.WriteControl(messageType, data, deadline)
}

func (w *wsSession) sendError(err error) {
	_ = w.send(wsMessage{Type: "error", Error: err.Error(), Code: statusCode(err)})
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	s.track(conn)
	defer s.untrack(conn)

	pongWait := s.opts.PongWait
	if pongWait <= 0 {
		pongWait = 45 * time.Second
	}
	pingInterval := s.opts.PingInterval
	if pingInterval <= 0 || pingInterval >= pongWait {
		pingInterval = pongWait / 2
	}

	if s.opts.WSReadLimit > 0 {
		conn.SetReadLimit(s.opts.WSReadLimit)
	}
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	session := &wsSession{
		conn:         conn,
		roomID:       c.Param("id"),
		writeTimeout: s.opts.WriteTimeout,
		logger:       s.logger.WithFields(log.Fields{"room": c.Param("id"), "remote": c.ClientIP()}),
	}
	session.logger.Debug("websocket connected")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := session.sendControl(websocket.PingMessage, []byte("ping")); err != nil {
					_ = conn.Close()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				session.logger.WithError(err).Debug("websocket read failed")
			}
			break
		}

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			session.sendError(fmt.Errorf("%w: invalid signaling payload", sfu.ErrInvalidRequest))
			continue
		}
		s.dispatch(ctx, session, msg)
	}

	cancel()
	for _, p := range session.peers {
		p.Close()
	}
	_ = conn.Close()
	session.logger.WithField("sessions", len(session.peers)).Debug("websocket closed")
}

func (s *Server) dispatch(ctx context.Context, session *wsSession, msg wsMessage) {
	desc := sfu.SessionDescription{Type: "offer", SDP: msg.SDP}

	switch msg.Type {
	case "publish", "subscribe":
		var (
			result *sfu.Session
			err    error
		)
		if msg.Type == "publish" {
			result, err = s.svc.Publish(ctx, session.roomID, desc)
		} else {
			result, err = s.svc.Subscribe(ctx, session.roomID, desc)
		}
		if err != nil {
			session.sendError(err)
			return
		}
		session.peers = append(session.peers, result.Peer)
		_ = session.send(wsMessage{Type: "answer", SDP: result.Answer.SDP})
	case "status":
		status := s.svc.Status(session.roomID)
		_ = session.send(wsMessage{Type: "status", Status: &status})
	case "ping":
		_ = session.send(wsMessage{Type: "pong"})
	default:
		session.sendError(fmt.Errorf("%w: unsupported signaling message type %q", sfu.ErrInvalidRequest, msg.Type))
	}
}

func (s *Server) track(conn *websocket.Conn) {
	s.socketsMu.Lock()
	defer s.socketsMu.Unlock()
	s.sockets[conn] = struct{}{}
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.socketsMu.Lock()
	defer s.socketsMu.Unlock()
	delete(s.sockets, conn)
}

// CloseSockets sends a going-away close frame to every open signaling
// socket and closes it. http.Server.Shutdown does not reach hijacked
// connections, so it is registered as a shutdown hook.
func (s *Server) CloseSockets() {
	s.socketsMu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.sockets))
	for conn := range s.sockets {
		conns = append(conns, conn)
	}
	s.socketsMu.Unlock()

	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, conn := range conns {
		_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = conn.Close()
	}
}
