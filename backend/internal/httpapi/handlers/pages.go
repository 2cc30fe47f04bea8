package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/STNx99/webbuilderver2-sub002/backend/internal/cache"
	"github.com/STNx99/webbuilderver2-sub002/backend/internal/element"
	"github.com/STNx99/webbuilderver2-sub002/backend/internal/store"
	"github.com/STNx99/webbuilderver2-sub002/backend/internal/ws"
)

// PageHandler exposes read-only views over live rooms, falling back to the
// persistence layer for pages nobody is editing right now.
type PageHandler struct {
	hub      *ws.Hub
	store    store.ElementStore
	presence cache.PresenceCache
}

func NewPageHandler(hub *ws.Hub, st store.ElementStore, presence cache.PresenceCache) *PageHandler {
	return &PageHandler{hub: hub, store: st, presence: presence}
}

// ListRooms reports the rooms currently open on this instance.
func (h *PageHandler) ListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.hub.Rooms()})
}

// PageElements returns the current tree for a page: the live replica when a
// room is open, otherwise the stored snapshot.
func (h *PageHandler) PageElements(c *gin.Context) {
	projectID := c.Param("projectId")
	pageID := c.Param("pageId")

	f := h.hub.PageForest(projectID, pageID)
	live := f != nil
	if f == nil {
		if h.store == nil {
			c.JSON(http.StatusNotFound, gin.H{"code": "PAGE_NOT_OPEN", "message": "no live room and no store configured"})
			return
		}
		loaded, err := h.store.LoadPage(c.Request.Context(), projectID, pageID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": "STORE_ERROR", "message": err.Error()})
			return
		}
		f = loaded
	}

	c.JSON(http.StatusOK, gin.H{
		"projectId": projectID,
		"pageId":    pageID,
		"live":      live,
		"hash":      element.Hash(f),
		"roots":     f.Roots(),
		"elements":  f.Elements(),
	})
}

type memberView struct {
	ClientID string          `json:"clientId"`
	UserID   string          `json:"userId"`
	Username string          `json:"username,omitempty"`
	Cursor   json.RawMessage `json:"cursor,omitempty"`
}

// RoomMembers lists who is editing the page right now, across all server
// instances, with each member's last published cursor when one is cached.
func (h *PageHandler) RoomMembers(c *gin.Context) {
	if h.presence == nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "PRESENCE_DISABLED", "message": "presence cache not configured"})
		return
	}
	projectID := c.Param("projectId")
	pageID := c.Param("pageId")
	roomID := ws.RoomKey(projectID, pageID)

	members, err := h.presence.AliveMembers(c.Request.Context(), roomID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "PRESENCE_ERROR", "message": err.Error()})
		return
	}

	out := make([]memberView, 0, len(members))
	for _, m := range members {
		mv := memberView{ClientID: m.ClientID, UserID: m.UserID, Username: m.Username}
		if raw, err := h.presence.GetCursor(c.Request.Context(), roomID, m.ClientID); err == nil && len(raw) > 0 {
			mv.Cursor = raw
		}
		out = append(out, mv)
	}
	c.JSON(http.StatusOK, gin.H{"roomId": roomID, "members": out})
}
