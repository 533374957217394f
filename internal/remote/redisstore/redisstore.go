// Package redisstore provides a Redis-backed remote document store.
//
// Each document is a hash under {prefix}{collection}:{id} with the fields
// payload, updated_by and updated_at. Writes publish the new payload on a
// channel named like the key, which is what subscriptions listen on.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/localboard/boardsync/internal/identity"
	"github.com/localboard/boardsync/internal/remote"
)

// DefaultPrefix namespaces document keys and channels.
const DefaultPrefix = "doc:"

// Store implements remote.Store on Redis.
type Store struct {
	client *redis.Client
	prefix string
	logger *log.Logger
	now    func() time.Time
}

// New connects to redisURL (redis://host:port/db) and verifies the connection.
func New(redisURL string, logger *log.Logger) (*Store, error) {
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

	return NewWithClient(client, logger), nil
}

// NewWithClient creates a store from an existing Redis client.
func NewWithClient(client *redis.Client, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(os.Stderr, "[redis] ", log.LstdFlags)
	}
	return &Store{
		client: client,
		prefix: DefaultPrefix,
		logger: logger,
		now:    time.Now,
	}
}

// key generates the Redis key (and channel) for a document
func (s *Store) key(k remote.Key) string {
	return s.prefix + k.Collection + ":" + k.DocumentID
}

// Read implements remote.Store.
func (s *Store) Read(ctx context.Context, key remote.Key) (string, bool, error) {
	payload, err := s.client.HGet(ctx, s.key(key), "payload").Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, classify("read", key, err)
	}
	return payload, true, nil
}

// UpsertMerge implements remote.Store. Only the payload and writer fields are
// replaced; other hash fields are kept.
func (s *Store) UpsertMerge(ctx context.Context, key remote.Key, payload string) error {
	writer := ""
	if id, ok := identity.FromContext(ctx); ok {
		writer = id.ID
	}

	rk := s.key(key)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, rk,
			"payload", payload,
			"updated_by", writer,
			"updated_at", s.now().UTC().Format(time.RFC3339Nano),
		)
		pipe.Publish(ctx, rk, payload)
		return nil
	})
	if err != nil {
		return classify("upsert", key, err)
	}
	return nil
}

// Subscribe implements remote.Store. The current payload is delivered once the
// subscription is confirmed, followed by every published change.
func (s *Store) Subscribe(ctx context.Context, key remote.Key, onChange func(string), onError func(error)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	rk := s.key(key)

	ps := s.client.Subscribe(ctx, rk)
	if _, err := ps.Receive(ctx); err != nil {
		cancel()
		_ = ps.Close()
		return nil, classify("subscribe", key, err)
	}

	current, found, err := s.Read(ctx, key)
	if err != nil {
		cancel()
		_ = ps.Close()
		return nil, err
	}

	ch := ps.Channel()
	go func() {
		if found {
			onChange(current)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					if ctx.Err() == nil && onError != nil {
						onError(remote.NewError(remote.Transient, "subscribe", key, errors.New("subscription channel closed")))
					}
					return
				}
				onChange(msg.Payload)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			if err := ps.Close(); err != nil {
				s.logger.Printf("Warning: failed to close subscription %s: %v", rk, err)
			}
		})
	}, nil
}

// UpdatedBy returns the identity that last wrote key.
func (s *Store) UpdatedBy(ctx context.Context, key remote.Key) (string, error) {
	v, err := s.client.HGet(ctx, s.key(key), "updated_by").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", classify("read", key, err)
	}
	return v, nil
}

// Ping checks if Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// classify maps a go-redis error onto the remote error taxonomy. ACL
// refusals deny the key; a closed client or failed authentication cannot
// recover without a restart.
func classify(op string, key remote.Key, err error) error {
	switch {
	case errors.Is(err, redis.ErrClosed):
		return remote.NewError(remote.UnavailableFatal, op, key, err)
	case hasRedisPrefix(err, "NOPERM"):
		return remote.NewError(remote.PermissionDenied, op, key, err)
	case hasRedisPrefix(err, "NOAUTH"), hasRedisPrefix(err, "WRONGPASS"):
		return remote.NewError(remote.UnavailableFatal, op, key, err)
	default:
		return remote.NewError(remote.Transient, op, key, err)
	}
}

func hasRedisPrefix(err error, prefix string) bool {
	var rerr redis.Error
	if !errors.As(err, &rerr) {
		return false
	}
	return strings.HasPrefix(rerr.Error(), prefix)
}
