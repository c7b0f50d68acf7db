package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/fuelvoucher/pkg/voucher"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "fuelvoucher:session:"

// RedisStore keeps sessions as JSON values whose TTL runs out maxAge after creation.
type RedisStore struct {
	client *redis.Client
	maxAge time.Duration
	now    func() time.Time
}

// NewRedisStore builds a Redis-backed store.
func NewRedisStore(client *redis.Client, maxAge time.Duration, now func() time.Time) *RedisStore {
	if now == nil {
		now = time.Now
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &RedisStore{client: client, maxAge: maxAge, now: now}
}

func redisKey(buyerID string) string {
	return redisKeyPrefix + buyerID
}

func (store *RedisStore) Load(ctx context.Context, buyerID voucher.BuyerID) (Session, error) {
	payload, err := store.client.Get(ctx, redisKey(buyerID.String())).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	var session Session
	if err := json.Unmarshal(payload, &session); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	return session, nil
}

func (store *RedisStore) Save(ctx context.Context, session Session) error {
	remaining := store.maxAge - store.now().Sub(session.CreatedAt)
	if remaining <= 0 {
		return store.client.Del(ctx, redisKey(session.BuyerID)).Err()
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := store.client.Set(ctx, redisKey(session.BuyerID), payload, remaining).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (store *RedisStore) Delete(ctx context.Context, buyerID voucher.BuyerID) error {
	if err := store.client.Del(ctx, redisKey(buyerID.String())).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
