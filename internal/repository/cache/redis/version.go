package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"gitee.com/flycash/sequence-platform/internal/domain"
	"gitee.com/flycash/sequence-platform/internal/repository/cache"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type Cache struct {
	rdb redis.Cmdable
}

func NewCache(rdb redis.Cmdable) *Cache {
	return &Cache{
		rdb: rdb,
	}
}

func (c *Cache) Get(ctx context.Context, versionID int64) (domain.SequenceVersion, error) {
	key := cache.VersionKey(versionID)
	val, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.SequenceVersion{}, cache.ErrKeyNotFound
		}
		return domain.SequenceVersion{}, fmt.Errorf("failed to get version from redis %w", err)
	}

	var version domain.SequenceVersion
	err = json.Unmarshal([]byte(val), &version)
	if err != nil {
		return domain.SequenceVersion{}, fmt.Errorf("failed to unmarshal version data %w", err)
	}
	return version, nil
}

func (c *Cache) Set(ctx context.Context, version domain.SequenceVersion) error {
	key := cache.VersionKey(version.ID)
	data, err := json.Marshal(version)
	if err != nil {
		return fmt.Errorf("failed to marshal version data %w", err)
	}
	err = c.rdb.Set(ctx, key, data, cache.DefaultExpiredTime).Err()
	if err != nil {
		return fmt.Errorf("failed to set version to redis %w", err)
	}
	return nil
}

func (c *Cache) Del(ctx context.Context, versionID int64) error {
	return c.rdb.Del(ctx, cache.VersionKey(versionID)).Err()
}
