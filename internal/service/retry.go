package service

import (
	"assessment_backend/pkg/logger"
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// linearBackOff 第 n 次重试前等待 n*step
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() {
	b.n = 0
}

// retryLinear 最多执行 attempts 次 op。op 返回 backoff.Permanent 包装的错误时立即停止，返回内部错误。
func retryLinear(ctx context.Context, name string, attempts int, step time.Duration, op func() error, onRetry func(err error)) error {
	if attempts < 1 {
		attempts = 1
	}
	var b backoff.BackOff = &linearBackOff{step: step}
	b = backoff.WithMaxRetries(b, uint64(attempts-1))
	b = backoff.WithContext(b, ctx)

	try := 0
	return backoff.RetryNotify(func() error {
		try++
		return op()
	}, b, func(err error, wait time.Duration) {
		logger.Log.Warn("Retrying after transient error",
			zap.String("op", name),
			zap.Int("retry", try),
			zap.Duration("wait", wait),
			zap.Error(err))
		if onRetry != nil {
			onRetry(err)
		}
	})
}
