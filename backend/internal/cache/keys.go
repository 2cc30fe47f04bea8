package cache

import "fmt"

// Key semantics:
// - memberKey(roomID): room members (ZSet<clientId, expireAtUnix>, score=expireAt)
// - nameKey(roomID):   clientId -> "userId:username" mapping (Hash)
// - cursorKey(roomID, clientID): last awareness payload (String, TTL-bound)

const (
	keyMemberFmt = "collab:room:{%s}:members"
	keyNameFmt   = "collab:room:{%s}:names"
	keyCursorFmt = "collab:room:{%s}:cursor:%s"
)

func memberKey(roomID string) string { return fmt.Sprintf(keyMemberFmt, roomID) }
func nameKey(roomID string) string   { return fmt.Sprintf(keyNameFmt, roomID) }
func cursorKey(roomID, clientID string) string {
	return fmt.Sprintf(keyCursorFmt, roomID, clientID)
}
