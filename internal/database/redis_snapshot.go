// Redis-backed position snapshots for crash recovery. The live daemon saves
// the position book after every mutation; on startup the book is rebuilt
// from these snapshots before the first reconciler pass. When Redis is
// unavailable the store degrades to an in-memory cache so trading continues,
// at the cost of losing recovery across restarts.
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// positionKeyPrefix is the prefix for per-symbol snapshot keys.
	// Format: core:position:{symbol}
	positionKeyPrefix = "core:position"

	// positionSetKey holds the set of symbols with a live snapshot.
	positionSetKey = "core:positions"
)

// PersistedPosition is the snapshot shape written to Redis. It mirrors the
// position book's entry but is defined here to avoid an import cycle with
// the position package.
type PersistedPosition struct {
	Symbol          string            `json:"symbol"`
	Direction       string            `json:"direction"`
	Strategy        string            `json:"strategy"`
	EntryPrice      float64           `json:"entry_price"`
	Size            float64           `json:"size"`
	StopLoss        float64           `json:"stop_loss"`
	TakeProfits     []TakeProfitLevel `json:"take_profits,omitempty"`
	VenueIncomplete bool              `json:"venue_incomplete,omitempty"`
	OpenedAt        time.Time         `json:"opened_at"`
	SavedAt         time.Time         `json:"saved_at"`
}

// RedisSnapshotStore persists position snapshots to Redis with an in-memory
// fallback when Redis is unavailable.
type RedisSnapshotStore struct {
	client    *redis.Client
	ttl       time.Duration
	cache     map[string]*PersistedPosition
	cacheMu   sync.RWMutex
	available atomic.Bool
}

// NewRedisSnapshotStore creates a snapshot store. A nil client puts the
// store in memory-only mode.
func NewRedisSnapshotStore(client *redis.Client, ttl time.Duration) *RedisSnapshotStore {
	store := &RedisSnapshotStore{
		client: client,
		ttl:    ttl,
		cache:  make(map[string]*PersistedPosition),
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			log.Printf("[REDIS-SNAPSHOT] Redis unavailable at startup: %v, using in-memory cache", err)
			store.available.Store(false)
		} else {
			log.Printf("[REDIS-SNAPSHOT] Redis connected successfully")
			store.available.Store(true)
		}
	} else {
		log.Printf("[REDIS-SNAPSHOT] No Redis client provided, using in-memory cache only")
		store.available.Store(false)
	}

	return store
}

// Available reports whether Redis was reachable on the last operation.
func (s *RedisSnapshotStore) Available() bool {
	return s.available.Load()
}

func (s *RedisSnapshotStore) positionKey(symbol string) string {
	return fmt.Sprintf("%s:%s", positionKeyPrefix, symbol)
}

// SavePosition writes one position snapshot.
func (s *RedisSnapshotStore) SavePosition(ctx context.Context, pos *PersistedPosition) error {
	if pos == nil {
		return fmt.Errorf("cannot save nil position snapshot")
	}
	pos.SavedAt = time.Now().UTC()

	s.cacheMu.Lock()
	s.cache[pos.Symbol] = pos
	s.cacheMu.Unlock()

	if s.client == nil {
		return nil
	}

	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("marshal position snapshot: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.positionKey(pos.Symbol), data, s.ttl)
	pipe.SAdd(ctx, positionSetKey, pos.Symbol)
	pipe.Expire(ctx, positionSetKey, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.available.Store(false)
		log.Printf("[REDIS-SNAPSHOT] Save failed for %s: %v, kept in-memory copy", pos.Symbol, err)
		return nil
	}
	s.available.Store(true)
	return nil
}

// DeletePosition removes the snapshot for a symbol.
func (s *RedisSnapshotStore) DeletePosition(ctx context.Context, symbol string) error {
	s.cacheMu.Lock()
	delete(s.cache, symbol)
	s.cacheMu.Unlock()

	if s.client == nil {
		return nil
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.positionKey(symbol))
	pipe.SRem(ctx, positionSetKey, symbol)
	if _, err := pipe.Exec(ctx); err != nil {
		s.available.Store(false)
		log.Printf("[REDIS-SNAPSHOT] Delete failed for %s: %v", symbol, err)
		return nil
	}
	s.available.Store(true)
	return nil
}

// LoadPositions returns all stored snapshots keyed by symbol. Redis is the
// source of truth when reachable; otherwise the in-memory cache is returned.
func (s *RedisSnapshotStore) LoadPositions(ctx context.Context) (map[string]*PersistedPosition, error) {
	if s.client != nil {
		positions, err := s.loadFromRedis(ctx)
		if err == nil {
			s.available.Store(true)
			return positions, nil
		}
		s.available.Store(false)
		log.Printf("[REDIS-SNAPSHOT] Load failed: %v, falling back to in-memory cache", err)
	}

	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	positions := make(map[string]*PersistedPosition, len(s.cache))
	for symbol, pos := range s.cache {
		cp := *pos
		positions[symbol] = &cp
	}
	return positions, nil
}

func (s *RedisSnapshotStore) loadFromRedis(ctx context.Context) (map[string]*PersistedPosition, error) {
	symbols, err := s.client.SMembers(ctx, positionSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("load position set: %w", err)
	}

	positions := make(map[string]*PersistedPosition, len(symbols))
	for _, symbol := range symbols {
		data, err := s.client.Get(ctx, s.positionKey(symbol)).Bytes()
		if err == redis.Nil {
			// Key expired but set member survived; drop the member.
			s.client.SRem(ctx, positionSetKey, symbol)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load position %s: %w", symbol, err)
		}
		pos := &PersistedPosition{}
		if err := json.Unmarshal(data, pos); err != nil {
			log.Printf("[REDIS-SNAPSHOT] Corrupt snapshot for %s, skipping: %v", symbol, err)
			continue
		}
		positions[symbol] = pos
	}
	return positions, nil
}
