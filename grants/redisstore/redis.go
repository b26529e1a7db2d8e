// Package redisstore is a Redis-backed grants.Store for deployments where
// the authorization callback and the token endpoint may land on different
// gateway instances.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mcpgate/mcpgate/grants"
)

const (
	grantKeyPrefix   = "mcpgate:grant:"
	sessionKeyPrefix = "mcpgate:session:"
)

// Store implements grants.Store on a Redis client.
type Store struct {
	client *redis.Client
}

var _ grants.Store = (*Store)(nil)

// New builds a Store from a Redis URL (e.g. "redis://localhost:6379/0") and
// verifies connectivity.
func New(ctx context.Context, redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{client: client}, nil
}

// NewWithClient wraps an existing client. The caller retains ownership of it.
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) PutGrant(ctx context.Context, g grants.Grant, ttl time.Duration) error {
	b, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal grant: %w", err)
	}
	return s.client.Set(ctx, grantKeyPrefix+g.Code, b, ttl).Err()
}

func (s *Store) GetGrant(ctx context.Context, code string) (grants.Grant, error) {
	return getJSON[grants.Grant](ctx, s.client, grantKeyPrefix+code)
}

func (s *Store) UpdateGrant(ctx context.Context, g grants.Grant) error {
	b, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal grant: %w", err)
	}
	// KEEPTTL preserves the original expiry; XX refuses to resurrect a
	// grant that already expired or was consumed.
	ok, err := s.client.SetArgs(ctx, grantKeyPrefix+g.Code, b, redis.SetArgs{
		Mode:    "XX",
		KeepTTL: true,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return grants.ErrNotFound
		}
		return err
	}
	if ok != "OK" {
		return grants.ErrNotFound
	}
	return nil
}

func (s *Store) ConsumeGrant(ctx context.Context, code string) (grants.Grant, error) {
	b, err := s.client.GetDel(ctx, grantKeyPrefix+code).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return grants.Grant{}, grants.ErrNotFound
		}
		return grants.Grant{}, err
	}
	var g grants.Grant
	if err := json.Unmarshal(b, &g); err != nil {
		return grants.Grant{}, fmt.Errorf("unmarshal grant: %w", err)
	}
	return g, nil
}

func (s *Store) PutSession(ctx context.Context, sess grants.Session, ttl time.Duration) error {
	b, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.client.Set(ctx, sessionKeyPrefix+sess.ID, b, ttl).Err()
}

func (s *Store) GetSession(ctx context.Context, id string) (grants.Session, error) {
	return getJSON[grants.Session](ctx, s.client, sessionKeyPrefix+id)
}

func (s *Store) UpdateSession(ctx context.Context, sess grants.Session) error {
	b, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ok, err := s.client.SetArgs(ctx, sessionKeyPrefix+sess.ID, b, redis.SetArgs{
		Mode:    "XX",
		KeepTTL: true,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return grants.ErrNotFound
		}
		return err
	}
	if ok != "OK" {
		return grants.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.client.Del(ctx, sessionKeyPrefix+id).Err()
}

func (s *Store) Close() error { return s.client.Close() }

func getJSON[T any](ctx context.Context, client *redis.Client, key string) (T, error) {
	var zero T
	b, err := client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return zero, grants.ErrNotFound
		}
		return zero, err
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return zero, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return v, nil
}
