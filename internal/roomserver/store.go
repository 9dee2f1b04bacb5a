package roomserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/1ureka/meshroom/internal/config"
)

// rosterTTL expires a room's mirrored roster if the server dies without
// cleaning up.
const rosterTTL = 24 * time.Hour

// RosterStore mirrors room membership outside the process so the HTTP API
// (and other instances) can report occupancy. The in-process hub remains
// authoritative for admission.
type RosterStore interface {
	Add(ctx context.Context, roomID, userID string) error
	Remove(ctx context.Context, roomID, userID string) error
	Count(ctx context.Context, roomID string) (int, error)
	Close() error
}

var (
	_ RosterStore = (*MemoryStore)(nil)
	_ RosterStore = (*RedisStore)(nil)
)

// ---------------------------------------------------------------------------
// Memory
// ---------------------------------------------------------------------------

// MemoryStore keeps rosters in a map.
type MemoryStore struct {
	mu    sync.Mutex
	rooms map[string]map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]map[string]struct{})}
}

func (s *MemoryStore) Add(_ context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		s.rooms[roomID] = members
	}
	members[userID] = struct{}{}
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.rooms[roomID]
	delete(members, userID)
	if len(members) == 0 {
		delete(s.rooms, roomID)
	}
	return nil
}

func (s *MemoryStore) Count(_ context.Context, roomID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms[roomID]), nil
}

func (s *MemoryStore) Close() error { return nil }

// ---------------------------------------------------------------------------
// Redis
// ---------------------------------------------------------------------------

// RedisStore keeps each roster in the set room:<id>:peers.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, cfg config.Redis) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func peersKey(roomID string) string {
	return "room:" + roomID + ":peers"
}

func (s *RedisStore) Add(ctx context.Context, roomID, userID string) error {
	key := peersKey(roomID)
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, key, userID)
	pipe.Expire(ctx, key, rosterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis add %s to %s: %w", userID, key, err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, roomID, userID string) error {
	if err := s.client.SRem(ctx, peersKey(roomID), userID).Err(); err != nil {
		return fmt.Errorf("redis remove %s from %s: %w", userID, peersKey(roomID), err)
	}
	return nil
}

func (s *RedisStore) Count(ctx context.Context, roomID string) (int, error) {
	n, err := s.client.SCard(ctx, peersKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis count %s: %w", peersKey(roomID), err)
	}
	return int(n), nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
