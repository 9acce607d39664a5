// Package store holds the chat data model and the shared key-value gateway
// that every running instance reads and writes.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	userKey          = "sigmax:user:v1"
	conversationsKey = "sigmax:conversations:v1"

	// ConversationsChannel carries the full serialized conversation list to
	// every other listening instance after each save.
	ConversationsChannel = "sigmax:conversations:v1:changed"
)

// RedisStore is the persistence gateway. It holds exactly two records — the
// current user profile and the full unfiltered conversation list — and
// performs no filtering of its own.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient creates a gateway from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// SaveUser persists the current user profile.
func (s *RedisStore) SaveUser(ctx context.Context, user User) error {
	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	if err := s.client.Set(ctx, userKey, data, 0).Err(); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

// GetUser loads the current user profile. The second return value is false
// when no profile has ever been saved.
func (s *RedisStore) GetUser(ctx context.Context) (User, bool, error) {
	data, err := s.client.Get(ctx, userKey).Result()
	if err == redis.Nil {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, fmt.Errorf("get user: %w", err)
	}

	var user User
	if err := json.Unmarshal([]byte(data), &user); err != nil {
		return User{}, false, fmt.Errorf("unmarshal user: %w", err)
	}
	return user, true, nil
}

// GetConversations loads the full unfiltered conversation list, falling back
// to the pre-provisioned default channel set when nothing is stored.
func (s *RedisStore) GetConversations(ctx context.Context) ([]ChatSession, error) {
	data, err := s.client.Get(ctx, conversationsKey).Result()
	if err == redis.Nil {
		return DefaultSessions(time.Now().UnixMilli()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversations: %w", err)
	}

	var sessions []ChatSession
	if err := json.Unmarshal([]byte(data), &sessions); err != nil {
		return nil, fmt.Errorf("unmarshal conversations: %w", err)
	}
	return sessions, nil
}

// SaveConversations persists the full conversation list and publishes the
// new list so other running instances can reconcile. A publish failure does
// not fail the save; the write is the source of truth.
func (s *RedisStore) SaveConversations(ctx context.Context, sessions []ChatSession) error {
	data, err := json.Marshal(sessions)
	if err != nil {
		return fmt.Errorf("marshal conversations: %w", err)
	}
	if err := s.client.Set(ctx, conversationsKey, data, 0).Err(); err != nil {
		return fmt.Errorf("save conversations: %w", err)
	}
	if err := s.client.Publish(ctx, ConversationsChannel, data).Err(); err != nil {
		log.Printf("store: publish conversations change: %v", err)
	}
	return nil
}

// Watch returns a channel of raw conversation-list payloads published by any
// instance (including this one). The channel closes when ctx is cancelled.
func (s *RedisStore) Watch(ctx context.Context) <-chan string {
	pubsub := s.client.Subscribe(ctx, ConversationsChannel)
	out := make(chan string)

	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

// Clear removes both records. Used by tests and the logout path.
func (s *RedisStore) Clear(ctx context.Context) error {
	return s.client.Del(ctx, userKey, conversationsKey).Err()
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
