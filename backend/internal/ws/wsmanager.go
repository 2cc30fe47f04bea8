package ws

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// upgrader allows the builder frontend origins plus local development.
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
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

type Manager struct {
	hub *Hub
}

func NewManager(hub *Hub) *Manager {
	return &Manager{hub: hub}
}

// WebSocketConnect upgrades an authenticated request and runs the connection
// until the socket closes. The room and transport mode are fixed for the
// whole session at this point; a client wanting the other mode reconnects.
func (m *Manager) WebSocketConnect(c *gin.Context) {
	projectID := c.Query("projectId")
	pageID := c.Query("pageId")
	if projectID == "" || pageID == "" {
		c.String(http.StatusBadRequest, "missing projectId or pageId")
		return
	}
	mode := c.DefaultQuery("mode", ModeCRDT)
	if mode != ModeCRDT && mode != ModeSnapshot {
		c.String(http.StatusBadRequest, "unknown mode %q", mode)
		return
	}
	clientID := c.Query("clientId")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	userID := c.GetString("userId")
	username := c.GetString("username")

	sock, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}

	conn := newConn(sock, m.hub, clientID, userID, username, mode)
	room := m.hub.Join(c.Request.Context(), projectID, pageID, conn)
	m.hub.touchPresence(conn)

	go conn.writeLoop()

	if mode == ModeSnapshot {
		// snapshot handshake is server-initiated
		room.sendCurrentState(conn)
	} else {
		// crdt clients must complete the state-vector handshake in time
		conn.syncTimer = time.AfterFunc(syncDeadline, func() {
			if !conn.synced.Load() {
				log.Printf("client %s never synced, recycling connection", clientID)
				_ = sock.Close()
			}
		})
	}

	conn.readLoop(c.Request.Context())
	m.hub.Leave(conn)
}
