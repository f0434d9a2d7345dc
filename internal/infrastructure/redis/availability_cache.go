package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrCacheMiss = errors.New("キャッシュが見つかりません")
)

// AvailabilityCache はスロットの残り容量キャッシュを管理する
type AvailabilityCache struct {
	client *redis.Client
}

// NewAvailabilityCache は新しいAvailabilityCacheインスタンスを作成する
func NewAvailabilityCache(client *redis.Client) *AvailabilityCache {
	return &AvailabilityCache{client: client}
}

// Get はスロットの残り容量をキャッシュから取得する
func (c *AvailabilityCache) Get(ctx context.Context, slotID string) (int, error) {
	val, err := c.client.Get(ctx, c.availabilityKey(slotID)).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, ErrCacheMiss
		}
		return 0, fmt.Errorf("キャッシュ取得に失敗: %w", err)
	}
	return val, nil
}

// Set はスロットの残り容量をキャッシュに保存する
func (c *AvailabilityCache) Set(ctx context.Context, slotID string, available int, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.availabilityKey(slotID), available, ttl).Err(); err != nil {
		return fmt.Errorf("キャッシュ保存に失敗: %w", err)
	}
	return nil
}

// Invalidate はスロットのキャッシュを無効化する
func (c *AvailabilityCache) Invalidate(ctx context.Context, slotID string) error {
	if err := c.client.Del(ctx, c.availabilityKey(slotID)).Err(); err != nil {
		return fmt.Errorf("キャッシュ無効化に失敗: %w", err)
	}
	return nil
}

func (c *AvailabilityCache) availabilityKey(slotID string) string {
	return fmt.Sprintf("slots:available:%s", slotID)
}
