package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for all presence hashes.
	KeyPrefix = "presence:"

	// RecordTTL is the time-to-live for presence keys. Records are purely
	// advisory (the registry is authoritative while a user is connected),
	// so stale entries may simply expire.
	RecordTTL = 24 * time.Hour
)

// Record is a user's persisted presence state.
type Record struct {
	UserID        string `redis:"user_id"`
	Online        bool   `redis:"online"`
	Status        string `redis:"status"`         // manual status, e.g. "away"
	CustomMessage string `redis:"custom_message"` // optional status message
	LastSeen      int64  `redis:"last_seen"`      // unix timestamp
}

// Store persists presence records in Redis so the REST layer can answer
// last-seen queries for users that are not currently connected.
type Store struct {
	client *redis.Client
}

// NewStore creates a presence store on the given Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Connect opens a Redis client, verifies the connection, and returns a store.
func Connect(addr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}
	return &Store{client: client}, nil
}

// SetOnline marks a user online and refreshes their last-seen marker.
func (s *Store) SetOnline(ctx context.Context, userID string) error {
	key := KeyPrefix + userID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "user_id", userID, "online", "1", "last_seen", time.Now().Unix())
	pipe.Expire(ctx, key, RecordTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// SetOffline marks a user offline and records when they were last seen.
func (s *Store) SetOffline(ctx context.Context, userID string) error {
	key := KeyPrefix + userID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "online", "0", "last_seen", time.Now().Unix())
	pipe.Expire(ctx, key, RecordTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// SetLastSeen refreshes only the last-seen marker.
func (s *Store) SetLastSeen(ctx context.Context, userID string) error {
	key := KeyPrefix + userID
	return s.client.HSet(ctx, key, "last_seen", time.Now().Unix()).Err()
}

// SetStatus stores a manual presence status and optional custom message.
func (s *Store) SetStatus(ctx context.Context, userID, status, customMessage string) error {
	key := KeyPrefix + userID
	return s.client.HSet(ctx, key, "status", status, "custom_message", customMessage).Err()
}

// Get retrieves a user's presence record. Returns nil when none exists.
func (s *Store) Get(ctx context.Context, userID string) (*Record, error) {
	key := KeyPrefix + userID
	var rec Record
	if err := s.client.HGetAll(ctx, key).Scan(&rec); err != nil {
		return nil, err
	}
	if rec.UserID == "" {
		return nil, nil // not found
	}
	return &rec, nil
}

// Client returns the underlying Redis client for use by other packages
// (rate limiting shares the connection).
func (s *Store) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
