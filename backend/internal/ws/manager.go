package ws

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"docsync/backend/internal/cache"
	"docsync/backend/internal/collab"
	"docsync/backend/internal/revsync"
)

// Allows local development origins.
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	// some clients send no Origin, or "null"
	if origin == "" || origin == "null" {
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

const DefaultHeartbeatInterval = 8 * time.Second

type Options struct {
	HeartbeatInterval time.Duration
	// HeartbeatTimeout defaults to twice the interval.
	HeartbeatTimeout time.Duration
}

type Manager struct {
	hub      *Hub
	docs     *revsync.Manager
	presence cache.PresenceCache
	sem      *collab.SemaphoreControl
	opt      Options
}

// NewManager wires the transport to the document manager. presence and
// sem may be nil.
func NewManager(h *Hub, docs *revsync.Manager, presence cache.PresenceCache, sem *collab.SemaphoreControl, opt Options) *Manager {
	if opt.HeartbeatInterval <= 0 {
		opt.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opt.HeartbeatTimeout <= 0 {
		opt.HeartbeatTimeout = 2 * opt.HeartbeatInterval
	}
	return &Manager{hub: h, docs: docs, presence: presence, sem: sem, opt: opt}
}

func (m *Manager) Hub() *Hub { return m.hub }

// WebSocketConnect upgrades the request and serves the session until the
// socket closes. Identity comes from the auth middleware.
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetString("userId")
	username := c.GetString("username")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}

	s := m.newSession(conn, userID, username)
	log.Printf("ws connected session=%s user=%s", s.id, userID)

	// the request context ends with the handler
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.writeLoop()
	go s.heartbeat(ctx)
	s.state.Store(int32(Connected))

	s.readLoop(ctx)
	s.close(context.Background())
	log.Printf("ws disconnected session=%s user=%s", s.id, userID)
}

func (m *Manager) newSession(conn *websocket.Conn, userID, username string) *Session {
	s := &Session{
		id:       uuid.NewString(),
		userID:   userID,
		username: username,
		ws:       conn,
		hub:      m.hub,
		docs:     m.docs,
		presence: m.presence,
		sem:      m.sem,
		interval: m.opt.HeartbeatInterval,
		timeout:  m.opt.HeartbeatTimeout,
		send:     make(chan Envelope, sendQueueSize),
		rooms:    make(map[string]struct{}),
	}
	s.state.Store(int32(Connecting))
	s.touch()
	conn.SetPongHandler(func(string) error {
		s.touch()
		return nil
	})
	return s
}
