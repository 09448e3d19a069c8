// Package signaling exposes the SFU over HTTP and WebSocket.
package signaling

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/rubigo/screenshare-sfu/internal/logging"
	"github.com/rubigo/screenshare-sfu/internal/sfu"
)

type Options struct {
	// CORSOrigin is sent as Access-Control-Allow-Origin and also bounds
	// which origins may open a WebSocket. "*" allows any.
	CORSOrigin string

	WSReadLimit  int64
	PingInterval time.Duration
	PongWait     time.Duration
	WriteTimeout time.Duration
}

type Server struct {
	svc      *sfu.Service
	opts     Options
	logger   log.FieldLogger
	router   *gin.Engine
	upgrader websocket.Upgrader

	socketsMu sync.Mutex
	sockets   map[*websocket.Conn]struct{}
}

func NewServer(svc *sfu.Service, opts Options, logger log.FieldLogger) *Server {
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 4 * time.Second
	}

	s := &Server{
		svc:     svc,
		opts:    opts,
		logger:  logger,
		sockets: make(map[*websocket.Conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	router := gin.New()
	router.Use(gin.Recovery(), logging.Middleware(logger))

	router.GET("/health", s.health)
	router.GET("/healthz", s.health)
	router.GET("/metrics", s.metrics)

	rooms := router.Group("/internal/room", s.cors)
	for _, path := range []string{"", "/:id", "/:id/publish", "/:id/subscribe", "/:id/status"} {
		rooms.OPTIONS(path, s.preflight)
	}
	rooms.POST("", s.createRoom)
	rooms.DELETE("/:id", s.deleteRoom)
	rooms.POST("/:id/publish", s.publish)
	rooms.POST("/:id/subscribe", s.subscribe)
	rooms.GET("/:id/status", s.status)
	rooms.GET("/:id/ws", s.handleWS)

	s.router = router
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) cors(c *gin.Context) {
	h := c.Writer.Header()
	h.Set("Access-Control-Allow-Origin", s.opts.CORSOrigin)
	h.Set("Access-Control-Allow-Methods", "POST, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
	c.Next()
}

func (s *Server) preflight(c *gin.Context) {
	c.Status(http.StatusOK)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.opts.CORSOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || origin == s.opts.CORSOrigin
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) metrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Metrics())
}

type createRoomRequest struct {
	RoomID string `json:"roomId"`
}

func (s *Server) createRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, fmt.Errorf("%w: %w", sfu.ErrInvalidRequest, err))
		return
	}
	if _, err := s.svc.CreateRoom(req.RoomID); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "roomId": req.RoomID})
}

func (s *Server) deleteRoom(c *gin.Context) {
	id := c.Param("id")
	if err := s.svc.DeleteRoom(id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "roomId": id})
}

func (s *Server) publish(c *gin.Context) {
	var desc sfu.SessionDescription
	if err := c.ShouldBindJSON(&desc); err != nil {
		s.fail(c, fmt.Errorf("%w: %w", sfu.ErrInvalidRequest, err))
		return
	}
	session, err := s.svc.Publish(c.Request.Context(), c.Param("id"), desc)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, session.Answer)
}

func (s *Server) subscribe(c *gin.Context) {
	var desc sfu.SessionDescription
	if err := c.ShouldBindJSON(&desc); err != nil {
		s.fail(c, fmt.Errorf("%w: %w", sfu.ErrInvalidRequest, err))
		return
	}
	session, err := s.svc.Subscribe(c.Request.Context(), c.Param("id"), desc)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, session.Answer)
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Status(c.Param("id")))
}

func (s *Server) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(statusCode(err), gin.H{"error": err.Error()})
}

// statusCode maps service errors to HTTP status codes. Anything not
// recognised, negotiation failures included, is a server error.
func statusCode(err error) int {
	switch {
	case errors.Is(err, sfu.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, sfu.ErrRoomNotFound), errors.Is(err, sfu.ErrNoBroadcaster):
		return http.StatusNotFound
	case errors.Is(err, sfu.ErrRoomFull):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
