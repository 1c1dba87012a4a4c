package service

import (
	"assessment_backend/pkg/logger"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// AttemptCache 缓存已结束答题的结果（不可变）以及心跳时间。
// RDB 为 nil 时所有操作都是空操作，Redis 故障只记录日志不影响主流程。
type AttemptCache struct {
	RDB *redis.Client
}

func NewAttemptCache(rdb *redis.Client) *AttemptCache {
	return &AttemptCache{RDB: rdb}
}

func resultKey(attemptID uint) string {
	return fmt.Sprintf("assessment:result:%d", attemptID)
}

func heartbeatKey(attemptID uint) string {
	return fmt.Sprintf("assessment:heartbeat:%d", attemptID)
}

func (c *AttemptCache) enabled() bool {
	return c != nil && c.RDB != nil
}

func (c *AttemptCache) GetResult(ctx context.Context, attemptID uint) (*AttemptResult, bool) {
	if !c.enabled() {
		return nil, false
	}
	raw, err := c.RDB.Get(ctx, resultKey(attemptID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Log.Warn("Failed to read cached result", zap.Uint("attempt_id", attemptID), zap.Error(err))
		}
		return nil, false
	}
	var res AttemptResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, false
	}
	return &res, true
}

func (c *AttemptCache) SetResult(ctx context.Context, res *AttemptResult, ttl time.Duration) {
	if !c.enabled() || res == nil {
		return
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := c.RDB.Set(ctx, resultKey(res.AttemptID), raw, ttl).Err(); err != nil {
		logger.Log.Warn("Failed to cache result", zap.Uint("attempt_id", res.AttemptID), zap.Error(err))
	}
}

// Touch 记录客户端最近一次心跳
func (c *AttemptCache) Touch(ctx context.Context, attemptID uint, at time.Time, ttl time.Duration) error {
	if !c.enabled() {
		return nil
	}
	return c.RDB.Set(ctx, heartbeatKey(attemptID), at.UTC().Format(time.RFC3339Nano), ttl).Err()
}

func (c *AttemptCache) LastSeen(ctx context.Context, attemptID uint) (time.Time, bool) {
	if !c.enabled() {
		return time.Time{}, false
	}
	v, err := c.RDB.Get(ctx, heartbeatKey(attemptID)).Result()
	if err != nil {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
