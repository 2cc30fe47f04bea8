package cache

import (
	"context"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache shares room membership across server instances so any node
// can answer "who is editing this page". The websocket layer remains the
// source of truth for in-room broadcast; this is advisory presence only.
type PresenceCache interface {
	Touch(ctx context.Context, roomID, clientID, userID, username string, ttl time.Duration) error
	Remove(ctx context.Context, roomID, clientID string) error
	AliveMembers(ctx context.Context, roomID string) ([]Member, error)
	SetCursor(ctx context.Context, roomID, clientID string, jsonData []byte, ttl time.Duration) error
	GetCursor(ctx context.Context, roomID, clientID string) ([]byte, error)
}

type Member struct {
	ClientID string
	UserID   string
	Username string
}

type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

// Touch registers the client or refreshes its logical TTL. The ZSET score is
// expireAt (unix seconds); expired members are swept by AliveMembers.
func (p *redisPresence) Touch(ctx context.Context, roomID, clientID, userID, username string, ttl time.Duration) error {
	tx := p.rdb.TxPipeline()
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, memberKey(roomID), redis.Z{Score: float64(expireAt), Member: clientID})
	tx.HSet(ctx, nameKey(roomID), clientID, userID+":"+username)
	_, err := tx.Exec(ctx)
	return err
}

// Remove drops the client immediately; awareness has no grace period.
func (p *redisPresence) Remove(ctx context.Context, roomID, clientID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, memberKey(roomID), clientID)
	tx.HDel(ctx, nameKey(roomID), clientID)
	tx.Del(ctx, cursorKey(roomID, clientID))
	_, err := tx.Exec(ctx)
	return err
}

// pruneScript removes logically-expired members and their name entries
// atomically.
var pruneScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

func (p *redisPresence) AliveMembers(ctx context.Context, roomID string) ([]Member, error) {
	now := time.Now().Unix()
	if _, err := pruneScript.Run(ctx, p.rdb,
		[]string{memberKey(roomID), nameKey(roomID)}, now).Int(); err != nil && err != redis.Nil {
		return nil, err
	}

	ids, err := p.rdb.ZRangeByScore(ctx, memberKey(roomID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	names, err := p.rdb.HMGet(ctx, nameKey(roomID), ids...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]Member, 0, len(ids))
	for i, id := range ids {
		m := Member{ClientID: id}
		if i < len(names) && names[i] != nil {
			if s, ok := names[i].(string); ok {
				if at := strings.IndexByte(s, ':'); at >= 0 {
					m.UserID, m.Username = s[:at], s[at+1:]
				} else {
					m.UserID = s
				}
			}
		}
		members = append(members, m)
	}
	return members, nil
}

func (p *redisPresence) SetCursor(ctx context.Context, roomID, clientID string, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(roomID, clientID), jsonData, ttl).Err()
}

func (p *redisPresence) GetCursor(ctx context.Context, roomID, clientID string) ([]byte, error) {
	return p.rdb.Get(ctx, cursorKey(roomID, clientID)).Bytes()
}
