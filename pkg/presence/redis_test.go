package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"liveclass/constant"
	"liveclass/pkg/signal"
)

func openTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client, time.Hour), mr
}

func TestStore_JoinLeaveMembers(t *testing.T) {
	store, mr := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	peers := []signal.Peer{
		{UserId: "s1", Name: "Sam", Role: constant.RoleStudent, JoinedAt: base.Add(2 * time.Second)},
		{UserId: "t1", Name: "Tina", Role: constant.RoleTutor, IsHost: true, JoinedAt: base},
		{UserId: "s2", Name: "Sue", Role: constant.RoleStudent, JoinedAt: base.Add(time.Second)},
	}
	for _, p := range peers {
		if err := store.Join(ctx, "sess-1", p); err != nil {
			t.Fatalf("Join %s: %v", p.UserId, err)
		}
	}

	members, err := store.Members(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Members: %v", err)
	}
	want := []string{"t1", "s2", "s1"}
	if len(members) != len(want) {
		t.Fatalf("got %d members, want %d", len(members), len(want))
	}
	for i, id := range want {
		if members[i].UserId != id {
			t.Errorf("member %d = %s, want %s", i, members[i].UserId, id)
		}
	}
	if !members[0].IsHost {
		t.Error("host flag lost in the roster")
	}
	if ttl := mr.TTL(roomKey("sess-1")); ttl != time.Hour {
		t.Errorf("roster ttl = %v, want 1h", ttl)
	}

	if err := store.Leave(ctx, "sess-1", "s2"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	count, err := store.Count(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestStore_ClearAndEmptyRoom(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	members, err := store.Members(ctx, "nobody")
	if err != nil {
		t.Fatalf("Members on empty room: %v", err)
	}
	if len(members) != 0 {
		t.Errorf("expected no members, got %d", len(members))
	}

	if err := store.Join(ctx, "sess-2", signal.Peer{UserId: "s1"}); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := store.Clear(ctx, "sess-2"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if count, _ := store.Count(ctx, "sess-2"); count != 0 {
		t.Errorf("count after clear = %d, want 0", count)
	}
}
