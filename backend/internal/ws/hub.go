package ws

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/STNx99/webbuilderver2-sub002/backend/internal/awareness"
	"github.com/STNx99/webbuilderver2-sub002/backend/internal/cache"
	"github.com/STNx99/webbuilderver2-sub002/backend/internal/collab"
	"github.com/STNx99/webbuilderver2-sub002/backend/internal/element"
	"github.com/STNx99/webbuilderver2-sub002/backend/internal/replica"
	"github.com/STNx99/webbuilderver2-sub002/backend/internal/store"
)

const presenceTTL = 10 * time.Minute

// Hub owns all live rooms on this server instance and the shared
// infrastructure they relay through. presence, dispatcher and store are
// optional; a nil field just disables that integration.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	presence   cache.PresenceCache
	dispatcher *collab.Dispatcher
	store      store.ElementStore
	sem        *collab.SemaphoreControl

	nodeID string
}

func NewHub(presence cache.PresenceCache, dispatcher *collab.Dispatcher, st store.ElementStore) *Hub {
	return &Hub{
		rooms:      make(map[string]*Room),
		presence:   presence,
		dispatcher: dispatcher,
		store:      st,
		sem:        collab.NewSemaphoreControl(),
		nodeID:     uuid.NewString(),
	}
}

func (h *Hub) NodeID() string { return h.nodeID }

// Leave detaches the connection. The last connection out flushes the final
// replica content and destroys the room.
func (h *Hub) Leave(c *Conn) {
	room := c.room
	c.closeSend()

	left := room.removeConn(c)
	room.broadcastDisconnect(c.clientID)

	if h.presence != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), flushDeadline)
			defer cancel()
			if err := h.presence.Remove(ctx, room.ID, c.clientID); err != nil {
				log.Printf("presence remove (room=%s client=%s): %v", room.ID, c.clientID, err)
			}
		}()
	}

	if left > 0 {
		return
	}

	h.mu.Lock()
	// re-check under the hub lock; a new join may have raced the teardown
	if room.ClientCount() > 0 {
		h.mu.Unlock()
		return
	}
	delete(h.rooms, room.ID)
	h.mu.Unlock()

	if h.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), flushDeadline)
		defer cancel()
		if err := h.store.FlushPage(ctx, room.ProjectID, room.PageID, room.Forest()); err != nil {
			log.Printf("flush room %s: %v", room.ID, err)
		}
	}
}

// Join attaches the connection to the live room for the key, creating the
// room if needed. Lookup and attach happen under the hub lock so a join can
// never land on a room the last-leave teardown is about to drop: either the
// attach is visible to the teardown's re-check, or the join finds the room
// already gone and creates a fresh one.
func (h *Hub) Join(ctx context.Context, projectID, pageID string, c *Conn) *Room {
	key := RoomKey(projectID, pageID)

	h.mu.Lock()
	if r := h.rooms[key]; r != nil {
		r.addConn(c)
		c.room = r
		h.mu.Unlock()
		return r
	}
	h.mu.Unlock()

	// bootstrap outside the lock; the store read can be slow
	var boot *element.Forest
	if h.store != nil {
		loaded, err := h.store.LoadPage(ctx, projectID, pageID)
		if err != nil {
			log.Printf("bootstrap room %s: %v", key, err)
		} else {
			boot = loaded
		}
	}

	h.mu.Lock()
	r := h.rooms[key]
	if r == nil {
		r = newRoom(projectID, pageID, "srv-"+h.nodeID, boot)
		h.rooms[key] = r
	}
	r.addConn(c)
	c.room = r
	h.mu.Unlock()
	return r
}

// dispatch hands an applied update to the cross-instance relay.
func (h *Hub) dispatch(roomID, origin string, u *replica.Update) {
	if h.dispatcher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	defer cancel()
	evt := collab.RoomOpEvent{
		EventType: collab.EventRoomUpdate,
		NodeID:    h.nodeID,
		RoomID:    roomID,
		Origin:    origin,
		Update:    u,
		AppliedAt: time.Now(),
	}
	if err := h.dispatcher.Enqueue(ctx, evt); err != nil {
		log.Printf("relay enqueue room=%s: %v", roomID, err)
	}
}

// touchPresence refreshes the member's logical TTL off the hot path.
func (h *Hub) touchPresence(c *Conn) {
	if h.presence == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.presence.Touch(ctx, c.room.ID, c.clientID, c.userID, c.username, presenceTTL); err != nil {
			log.Printf("presence touch (room=%s client=%s): %v", c.room.ID, c.clientID, err)
		}
	}()
}

// storeCursor caches the client's latest cursor so REST consumers on any
// instance can render it without holding a socket to this one.
func (h *Hub) storeCursor(c *Conn, entry awareness.Entry) {
	if h.presence == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.presence.SetCursor(ctx, c.room.ID, c.clientID, data, presenceTTL); err != nil {
			log.Printf("presence cursor (room=%s client=%s): %v", c.room.ID, c.clientID, err)
		}
	}()
}

// ApplyRelayed implements collab.RelayHandler: merge an update published by
// a sibling instance into the local room, if this node holds it live.
func (h *Hub) ApplyRelayed(evt collab.RoomOpEvent) {
	h.mu.RLock()
	r := h.rooms[evt.RoomID]
	h.mu.RUnlock()
	if r == nil {
		return // no local connections care; the op log reaches us on next sync
	}
	r.applyRelayed(evt.Origin, evt.Update)
}

// RoomInfo is the REST-facing view of one live room.
type RoomInfo struct {
	RoomID    string `json:"roomId"`
	ProjectID string `json:"projectId"`
	PageID    string `json:"pageId"`
	Clients   int    `json:"clients"`
	Hash      string `json:"hash"`
}

func (h *Hub) Rooms() []RoomInfo {
	h.mu.RLock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.RUnlock()

	out := make([]RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, RoomInfo{
			RoomID:    r.ID,
			ProjectID: r.ProjectID,
			PageID:    r.PageID,
			Clients:   r.ClientCount(),
			Hash:      r.Hash(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

// PageForest returns the live tree for a page, or nil when no room is open.
func (h *Hub) PageForest(projectID, pageID string) *element.Forest {
	h.mu.RLock()
	r := h.rooms[RoomKey(projectID, pageID)]
	h.mu.RUnlock()
	if r == nil {
		return nil
	}
	return r.Forest()
}
