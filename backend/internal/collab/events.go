package collab

import (
	"time"

	"github.com/STNx99/webbuilderver2-sub002/backend/internal/replica"
)

const EventRoomUpdate = "ROOM_UPDATE"

// RoomOpEvent is the cross-instance relay payload: an update a node has
// already applied to its authoritative room replica, published so sibling
// nodes holding connections for the same room can apply and rebroadcast it.
type RoomOpEvent struct {
	EventType string          `json:"eventType"` // always ROOM_UPDATE
	NodeID    string          `json:"nodeId"`    // publishing server instance
	RoomID    string          `json:"roomId"`
	Origin    string          `json:"origin"` // authoring client id
	Update    *replica.Update `json:"update"`
	AppliedAt time.Time       `json:"appliedAt"`
}
