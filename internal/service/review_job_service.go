package service

import (
	"assessment_backend/internal/config"
	"assessment_backend/internal/model"
	"assessment_backend/internal/repository"
	"assessment_backend/pkg/logger"
	"assessment_backend/pkg/monitoring"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ReviewPayload 推送给人工审核端的内容
type ReviewPayload struct {
	AttemptID       uint       `json:"attemptId"`
	UserID          uint       `json:"userId"`
	TestID          uint       `json:"testId"`
	Score           float64    `json:"score"`
	Percentage      float64    `json:"percentage"`
	Passed          bool       `json:"passed"`
	CompletionMode  string     `json:"completionMode"`
	TabSwitches     int        `json:"tabSwitches"`
	FullscreenExits int        `json:"fullscreenExits"`
	FlagReason      string     `json:"flagReason"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

type ReviewSink interface {
	Publish(ctx context.Context, payload *ReviewPayload) error
}

const DefaultReviewQueue = "assessment:review:flagged"

// RedisReviewSink 把审核任务推入 Redis 列表，由审核端消费
type RedisReviewSink struct {
	RDB *redis.Client
	Key string
}

func NewRedisReviewSink(rdb *redis.Client) *RedisReviewSink {
	return &RedisReviewSink{RDB: rdb, Key: DefaultReviewQueue}
}

func (s *RedisReviewSink) Publish(ctx context.Context, payload *ReviewPayload) error {
	if s.RDB == nil {
		return fmt.Errorf("review sink has no redis client")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.RDB.RPush(ctx, s.Key, raw).Err()
}

type ReviewJobService struct {
	Jobs     *repository.ReviewJobRepository
	Sink     ReviewSink
	Settings *config.Settings
}

func NewReviewJobService(jobs *repository.ReviewJobRepository, sink ReviewSink, settings *config.Settings) *ReviewJobService {
	return &ReviewJobService{Jobs: jobs, Sink: sink, Settings: settings}
}

// Enqueue 在答题结束事务提交之后调用
func (s *ReviewJobService) Enqueue(ctx context.Context, res *AttemptResult) error {
	payload, err := json.Marshal(ReviewPayload{
		AttemptID:       res.AttemptID,
		UserID:          res.UserID,
		TestID:          res.TestID,
		Score:           res.Score,
		Percentage:      res.Percentage,
		Passed:          res.Passed,
		CompletionMode:  res.CompletionMode,
		TabSwitches:     res.TabSwitches,
		FullscreenExits: res.FullscreenExits,
		FlagReason:      res.FlagReason,
		CompletedAt:     res.CompletedAt,
	})
	if err != nil {
		return err
	}
	return s.Jobs.Enqueue(ctx, &model.ReviewJob{
		AttemptID:  res.AttemptID,
		Status:     model.JobPending,
		MaxRetries: s.Settings.Load().ReviewMaxRetries,
		Payload:    payload,
	})
}

// ProcessPending 领取并推送一批待处理任务，返回成功推送的数量
func (s *ReviewJobService) ProcessPending(ctx context.Context) (int, error) {
	jobs, err := s.Jobs.ClaimPending(ctx, 20)
	if err != nil {
		return 0, err
	}

	done := 0
	for i := range jobs {
		job := &jobs[i]
		if err := s.publish(ctx, job); err != nil {
			status, markErr := s.Jobs.MarkRetry(ctx, job, err)
			if markErr != nil {
				return done, markErr
			}
			if status == model.JobFailed {
				monitoring.ReviewJobCounter.WithLabelValues(string(model.JobFailed)).Inc()
				logger.Log.Error("Review job failed permanently",
					zap.Uint("attempt_id", job.AttemptID),
					zap.Int("retry", job.RetryCount),
					zap.Error(err))
			}
			continue
		}
		if err := s.Jobs.MarkCompleted(ctx, job.ID); err != nil {
			return done, err
		}
		monitoring.ReviewJobCounter.WithLabelValues(string(model.JobCompleted)).Inc()
		done++
	}
	return done, nil
}

func (s *ReviewJobService) publish(ctx context.Context, job *model.ReviewJob) error {
	var payload ReviewPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode review payload: %w", err)
	}
	return s.Sink.Publish(ctx, &payload)
}

// Run 后台轮询直到 ctx 结束
func (s *ReviewJobService) Run(ctx context.Context) {
	interval := time.Duration(s.Settings.Load().ReviewPollSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Jobs.ResetStale(ctx, 10*interval); err == nil && n > 0 {
				logger.Log.Warn("Reset stale review jobs", zap.Int64("count", n))
			}
			if _, err := s.ProcessPending(ctx); err != nil {
				logger.Log.Error("Review job processing failed", zap.Error(err))
			}
		}
	}
}
