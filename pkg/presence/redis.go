// Package presence keeps the roster of each live room in Redis so any
// server instance can report who is connected.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"liveclass/pkg/signal"
)

const DefaultTTL = 6 * time.Hour

type Store struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, ttl: ttl}
}

func roomKey(sessionID string) string {
	return fmt.Sprintf("liveclass:room:%s:peers", sessionID)
}

func (s *Store) Join(ctx context.Context, sessionID string, peer signal.Peer) error {
	raw, err := json.Marshal(peer)
	if err != nil {
		return err
	}
	key := roomKey(sessionID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, peer.UserId, raw)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	return err
}

func (s *Store) Leave(ctx context.Context, sessionID, userID string) error {
	return s.client.HDel(ctx, roomKey(sessionID), userID).Err()
}

// Members returns the room roster ordered by join time.
func (s *Store) Members(ctx context.Context, sessionID string) ([]signal.Peer, error) {
	entries, err := s.client.HGetAll(ctx, roomKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	peers := make([]signal.Peer, 0, len(entries))
	for userID, raw := range entries {
		var peer signal.Peer
		if err := json.Unmarshal([]byte(raw), &peer); err != nil {
			return nil, fmt.Errorf("decode roster entry %s: %w", userID, err)
		}
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].JoinedAt.Equal(peers[j].JoinedAt) {
			return peers[i].UserId < peers[j].UserId
		}
		return peers[i].JoinedAt.Before(peers[j].JoinedAt)
	})
	return peers, nil
}

func (s *Store) Count(ctx context.Context, sessionID string) (int64, error) {
	return s.client.HLen(ctx, roomKey(sessionID)).Result()
}

func (s *Store) Clear(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, roomKey(sessionID)).Err()
}
