package ws

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/STNx99/webbuilderver2-sub002/backend/internal/element"
	"github.com/STNx99/webbuilderver2-sub002/backend/internal/replica"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // serialized page trees can get large
	sendQueueSize  = 64

	// a connection that never completes the sync handshake is recycled
	syncDeadline = 15 * time.Second

	applyTimeout = 200 * time.Millisecond
)

// Conn is one client socket attached to a room.
type Conn struct {
	ws   *websocket.Conn
	hub  *Hub
	room *Room

	clientID string
	userID   string
	username string
	mode     string

	send   chan []byte
	sendMu sync.Mutex
	closed bool

	synced    atomic.Bool
	syncTimer *time.Timer
}

// newConn builds the connection; Hub.Join attaches it to its room.
func newConn(ws *websocket.Conn, hub *Hub, clientID, userID, username, mode string) *Conn {
	return &Conn{
		ws:       ws,
		hub:      hub,
		clientID: clientID,
		userID:   userID,
		username: username,
		mode:     mode,
		send:     make(chan []byte, sendQueueSize),
	}
}

// enqueue encodes for this connection's mode and queues the message. A full
// queue or a closing connection drops the message silently; slow or dying
// peers must not stall the room.
func (c *Conn) enqueue(env *Envelope) {
	var data []byte
	var err error
	if c.mode == ModeCRDT {
		data, err = EncodeFrame(env)
	} else {
		data, err = json.Marshal(env)
	}
	if err != nil {
		log.Printf("conn %s: encode %s: %v", c.clientID, env.Type, err)
		return
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Conn) sendError(code, msg string) {
	env, err := NewEnvelope(TypeError, c.room.ID, "", ErrorPayload{Code: code, Message: msg})
	if err != nil {
		return
	}
	c.enqueue(env)
}

func (c *Conn) markSynced() {
	c.synced.Store(true)
	if c.syncTimer != nil {
		c.syncTimer.Stop()
	}
}

// closeSend stops the write loop; safe to call more than once.
func (c *Conn) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	msgType := websocket.TextMessage
	if c.mode == ModeCRDT {
		msgType = websocket.BinaryMessage
	}
	for {
		select {
		case data, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(msgType, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("read error (client=%s room=%s): %v", c.clientID, c.room.ID, err)
			}
			return
		}

		var env *Envelope
		if msgType == websocket.BinaryMessage {
			env, err = DecodeFrame(data)
		} else {
			env = &Envelope{}
			err = json.Unmarshal(data, env)
		}
		if err != nil {
			c.sendError(CodeMalformed, "undecodable message")
			continue
		}
		c.handle(ctx, env)
	}
}

func (c *Conn) handle(ctx context.Context, env *Envelope) {
	switch env.Type {
	case TypeSync:
		var p SyncPayload
		if err := env.DecodePayload(&p); err != nil {
			c.sendError(CodeMalformed, "bad sync payload")
			return
		}
		c.room.HandleSync(c, p.StateVector)
		// a client may push its missing ops along with the handshake
		if p.Update != nil {
			c.applyUpdate(ctx, p.Update)
		}

	case TypeUpdate:
		if c.mode == ModeSnapshot {
			var p SnapshotPayload
			if err := env.DecodePayload(&p); err != nil {
				c.sendError(CodeMalformed, "bad snapshot payload")
				return
			}
			c.applySnapshot(ctx, p.Elements)
			return
		}
		var p UpdatePayload
		if err := env.DecodePayload(&p); err != nil {
			c.sendError(CodeMalformed, "bad update payload")
			return
		}
		c.applyUpdate(ctx, p.Update)

	case TypeAwareness:
		var p AwarenessPayload
		if err := env.DecodePayload(&p); err != nil {
			c.sendError(CodeMalformed, "bad awareness payload")
			return
		}
		c.room.HandleAwareness(c, p.Entries)
		c.hub.touchPresence(c)
		if entry, ok := p.Entries[c.clientID]; ok {
			c.hub.storeCursor(c, entry)
		}

	default:
		c.sendError(CodeUnknownType, "unknown message type: "+env.Type)
	}
}

func (c *Conn) applyUpdate(ctx context.Context, u *replica.Update) {
	applyCtx, cancel := context.WithTimeout(ctx, applyTimeout)
	defer cancel()
	if err := c.hub.sem.Acquire(applyCtx); err != nil {
		c.sendError(CodeBusy, "server busy, retry")
		return
	}
	defer c.hub.sem.Release()

	if err := c.room.HandleUpdate(c, u); err != nil {
		c.sendError(CodeMalformed, err.Error())
	}
}

func (c *Conn) applySnapshot(ctx context.Context, els []*element.Element) {
	applyCtx, cancel := context.WithTimeout(ctx, applyTimeout)
	defer cancel()
	if err := c.hub.sem.Acquire(applyCtx); err != nil {
		c.sendError(CodeBusy, "server busy, retry")
		return
	}
	defer c.hub.sem.Release()

	if err := c.room.HandleSnapshot(c, els); err != nil {
		c.sendError(CodeMalformed, err.Error())
	}
}
