package plans

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrInvalidTier = errors.New("invalid plan tier")

// RedisStore keeps subscriptions in Redis. Users without a record get the
// default tier.
type RedisStore struct {
	client      *redis.Client
	prefix      string
	defaultTier Tier
	now         func() time.Time
}

func NewRedisStore(redisURL string, defaultTier Tier) (*RedisStore, error) {
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
	return NewRedisStoreWithClient(client, defaultTier), nil
}

func NewRedisStoreWithClient(client *redis.Client, defaultTier Tier) *RedisStore {
	if _, ok := tierFeatures[defaultTier]; !ok {
		defaultTier = TierFree
	}
	return &RedisStore{
		client:      client,
		prefix:      "plan:",
		defaultTier: defaultTier,
		now:         time.Now,
	}
}

func (s *RedisStore) key(userID string) string {
	return s.prefix + userID
}

// SetSubscription stores sub. Records with an expiry are dropped by Redis
// once it passes.
func (s *RedisStore) SetSubscription(ctx context.Context, sub Subscription) error {
	if _, ok := tierFeatures[sub.Tier]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidTier, sub.Tier)
	}
	sub.UpdatedAt = s.now().UTC()

	var ttl time.Duration
	if !sub.ExpiresAt.IsZero() {
		ttl = sub.ExpiresAt.Sub(s.now())
		if ttl <= 0 {
			return s.Revoke(ctx, sub.UserID)
		}
	}

	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}
	if err := s.client.Set(ctx, s.key(sub.UserID), data, ttl).Err(); err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	return nil
}

// Lookup returns the user's subscription, or the default tier when none is stored.
func (s *RedisStore) Lookup(ctx context.Context, userID string) (Subscription, error) {
	raw, err := s.client.Get(ctx, s.key(userID)).Result()
	if err == redis.Nil {
		return Subscription{UserID: userID, Tier: s.defaultTier}, nil
	}
	if err != nil {
		return Subscription{}, fmt.Errorf("lookup subscription: %w", err)
	}

	var sub Subscription
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		return Subscription{}, fmt.Errorf("unmarshal subscription: %w", err)
	}
	if !sub.Active(s.now()) {
		return Subscription{UserID: userID, Tier: s.defaultTier}, nil
	}
	return sub, nil
}

func (s *RedisStore) Permits(ctx context.Context, userID string, feature Feature) (bool, error) {
	sub, err := s.Lookup(ctx, userID)
	if err != nil {
		return false, err
	}
	return sub.Tier.HasFeature(feature), nil
}

func (s *RedisStore) Revoke(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.key(userID)).Err(); err != nil {
		return fmt.Errorf("revoke subscription: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
