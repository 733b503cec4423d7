package local

import (
	"context"

	"gitee.com/flycash/sequence-platform/internal/domain"
	"gitee.com/flycash/sequence-platform/internal/repository/cache"

	ca "github.com/patrickmn/go-cache"
)

// Cache 进程内版本缓存，redis 缓存之上的第一层
type Cache struct {
	c *ca.Cache
}

func NewCache(c *ca.Cache) *Cache {
	return &Cache{c: c}
}

func (l *Cache) Get(_ context.Context, versionID int64) (domain.SequenceVersion, error) {
	key := cache.VersionKey(versionID)
	v, ok := l.c.Get(key)
	if !ok {
		return domain.SequenceVersion{}, cache.ErrKeyNotFound
	}
	return v.(domain.SequenceVersion), nil
}

func (l *Cache) Set(_ context.Context, version domain.SequenceVersion) error {
	key := cache.VersionKey(version.ID)
	// 激活版本不可变，本地不过期
	l.c.Set(key, version, ca.NoExpiration)
	return nil
}
