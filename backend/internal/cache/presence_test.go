package cache

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

func testClient(t *testing.T) redis.UniversalClient {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	return rdb
}

func TestTouchAndAliveMembers(t *testing.T) {
	rdb := testClient(t)
	defer rdb.Close()
	ctx := context.Background()
	p := NewRedisPresence(rdb)
	room := "proj1:page1"
	defer rdb.Del(ctx, memberKey(room), nameKey(room))

	if err := p.Touch(ctx, room, "c1", "u1", "ann", time.Minute); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := p.Touch(ctx, room, "c2", "u2", "bob", time.Minute); err != nil {
		t.Fatalf("touch: %v", err)
	}

	members, err := p.AliveMembers(ctx, room)
	if err != nil {
		t.Fatalf("alive members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
	byClient := map[string]Member{}
	for _, m := range members {
		byClient[m.ClientID] = m
	}
	if byClient["c1"].Username != "ann" || byClient["c1"].UserID != "u1" {
		t.Fatalf("name mapping broken: %+v", byClient["c1"])
	}
}

func TestRemoveDropsMemberImmediately(t *testing.T) {
	rdb := testClient(t)
	defer rdb.Close()
	ctx := context.Background()
	p := NewRedisPresence(rdb)
	room := "proj1:page2"
	defer rdb.Del(ctx, memberKey(room), nameKey(room))

	_ = p.Touch(ctx, room, "c1", "u1", "ann", time.Minute)
	_ = p.SetCursor(ctx, room, "c1", []byte(`{"x":1,"y":2}`), time.Minute)

	if err := p.Remove(ctx, room, "c1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	members, err := p.AliveMembers(ctx, room)
	if err != nil {
		t.Fatalf("alive members: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("expected no members after remove, got %+v", members)
	}
	if _, err := p.GetCursor(ctx, room, "c1"); err != redis.Nil {
		t.Fatalf("cursor should be gone, err=%v", err)
	}
}

func TestExpiredMembersPruned(t *testing.T) {
	rdb := testClient(t)
	defer rdb.Close()
	ctx := context.Background()
	p := NewRedisPresence(rdb)
	room := "proj1:page3"
	defer rdb.Del(ctx, memberKey(room), nameKey(room))

	_ = p.Touch(ctx, room, "stale", "u1", "ann", -time.Second)
	_ = p.Touch(ctx, room, "fresh", "u2", "bob", time.Minute)

	members, err := p.AliveMembers(ctx, room)
	if err != nil {
		t.Fatalf("alive members: %v", err)
	}
	if len(members) != 1 || members[0].ClientID != "fresh" {
		t.Fatalf("expected only fresh member, got %+v", members)
	}
}
