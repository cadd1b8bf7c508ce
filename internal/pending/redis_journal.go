// Package pending journals unsent editor drafts in Redis so a restarted
// server can resume them.
package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hyperdraft/api/internal/draft"

	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 7 * 24 * time.Hour

// entry is the stored value; SavedAt is informational.
type entry struct {
	Pending draft.PendingDraft `json:"pending"`
	SavedAt time.Time          `json:"saved_at"`
}

// RedisJournal implements draft.Journal using Redis.
type RedisJournal struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisJournal connects to redisURL and verifies the connection.
func NewRedisJournal(redisURL string, ttl time.Duration) (*RedisJournal, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisJournalWithClient(client, ttl), nil
}

// NewRedisJournalWithClient creates a journal from an existing Redis client.
func NewRedisJournalWithClient(client *redis.Client, ttl time.Duration) *RedisJournal {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisJournal{
		client: client,
		prefix: "draft:",
		ttl:    ttl,
	}
}

func (j *RedisJournal) key(key draft.DraftKey) string {
	return j.prefix + key.DocumentID + ":" + key.Author
}

// Save overwrites the journaled draft for key and refreshes its TTL.
func (j *RedisJournal) Save(ctx context.Context, key draft.DraftKey, pending draft.PendingDraft) error {
	data, err := json.Marshal(entry{Pending: pending, SavedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal pending draft: %w", err)
	}
	if err := j.client.Set(ctx, j.key(key), data, j.ttl).Err(); err != nil {
		return fmt.Errorf("save pending draft %s: %w", key, err)
	}
	return nil
}

// Load returns the journaled draft for key, if any.
func (j *RedisJournal) Load(ctx context.Context, key draft.DraftKey) (draft.PendingDraft, bool, error) {
	data, err := j.client.Get(ctx, j.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return draft.PendingDraft{}, false, nil
	}
	if err != nil {
		return draft.PendingDraft{}, false, fmt.Errorf("load pending draft %s: %w", key, err)
	}

	var stored entry
	if err := json.Unmarshal(data, &stored); err != nil {
		return draft.PendingDraft{}, false, fmt.Errorf("unmarshal pending draft %s: %w", key, err)
	}
	return stored.Pending, true, nil
}

// Clear removes the journaled draft. Clearing a missing key is not an error.
func (j *RedisJournal) Clear(ctx context.Context, key draft.DraftKey) error {
	if err := j.client.Del(ctx, j.key(key)).Err(); err != nil {
		return fmt.Errorf("clear pending draft %s: %w", key, err)
	}
	return nil
}

// Close closes the Redis connection
func (j *RedisJournal) Close() error {
	return j.client.Close()
}

// Ping checks if Redis is reachable
func (j *RedisJournal) Ping(ctx context.Context) error {
	return j.client.Ping(ctx).Err()
}
