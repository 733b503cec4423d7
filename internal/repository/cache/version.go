package cache

import (
	"context"
	"fmt"
	"time"

	"gitee.com/flycash/sequence-platform/internal/domain"

	"github.com/pkg/errors"
)

const (
	VersionPrefix      = "seqver"
	DefaultExpiredTime = 10 * time.Minute
)

var ErrKeyNotFound = errors.New("key not found")

// VersionCache 序列版本缓存。版本一旦激活就不可变，适合长缓存
type VersionCache interface {
	Get(ctx context.Context, versionID int64) (domain.SequenceVersion, error)
	Set(ctx context.Context, version domain.SequenceVersion) error
}

func VersionKey(versionID int64) string {
	return fmt.Sprintf("%s:%d", VersionPrefix, versionID)
}
