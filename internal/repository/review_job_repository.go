package repository

import (
	"assessment_backend/internal/model"
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ReviewJobRepository struct {
	DB *gorm.DB
}

func NewReviewJobRepository(db *gorm.DB) *ReviewJobRepository {
	return &ReviewJobRepository{DB: db}
}

// Enqueue 每个答题最多一个审核任务，重复入队时忽略
func (r *ReviewJobRepository) Enqueue(ctx context.Context, job *model.ReviewJob) error {
	if job.Status == "" {
		job.Status = model.JobPending
	}
	return r.DB.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "attempt_id"}}, DoNothing: true}).
		Create(job).Error
}

func (r *ReviewJobRepository) FindByAttemptID(ctx context.Context, attemptID uint) (*model.ReviewJob, error) {
	var job model.ReviewJob
	if err := r.DB.WithContext(ctx).Where("attempt_id = ?", attemptID).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// ClaimPending 以条件更新 pending -> processing 领取任务，未抢到的任务不返回
func (r *ReviewJobRepository) ClaimPending(ctx context.Context, limit int) ([]model.ReviewJob, error) {
	var candidates []model.ReviewJob
	err := r.DB.WithContext(ctx).
		Where("status = ?", model.JobPending).
		Order("id ASC").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	claimed := make([]model.ReviewJob, 0, len(candidates))
	now := time.Now()
	for _, job := range candidates {
		res := r.DB.WithContext(ctx).Model(&model.ReviewJob{}).
			Where("id = ? AND status = ?", job.ID, model.JobPending).
			Updates(map[string]interface{}{
				"status":     model.JobProcessing,
				"started_at": now,
			})
		if res.Error != nil {
			return claimed, res.Error
		}
		if res.RowsAffected == 1 {
			job.Status = model.JobProcessing
			job.StartedAt = &now
			claimed = append(claimed, job)
		}
	}
	return claimed, nil
}

func (r *ReviewJobRepository) MarkCompleted(ctx context.Context, id uint) error {
	return r.DB.WithContext(ctx).Model(&model.ReviewJob{}).
		Where("id = ? AND status = ?", id, model.JobProcessing).
		Updates(map[string]interface{}{
			"status":       model.JobCompleted,
			"completed_at": time.Now(),
			"last_error":   "",
		}).Error
}

// MarkRetry 记录失败；重试次数用尽时置为 failed，否则退回 pending。返回最终状态。
func (r *ReviewJobRepository) MarkRetry(ctx context.Context, job *model.ReviewJob, cause error) (model.JobStatus, error) {
	retries := job.RetryCount + 1
	status := model.JobPending
	if retries >= job.MaxRetries {
		status = model.JobFailed
	}
	updates := map[string]interface{}{
		"status":      status,
		"retry_count": retries,
		"last_error":  cause.Error(),
	}
	if status == model.JobFailed {
		updates["completed_at"] = time.Now()
	}
	err := r.DB.WithContext(ctx).Model(&model.ReviewJob{}).
		Where("id = ? AND status = ?", job.ID, model.JobProcessing).
		Updates(updates).Error
	if err != nil {
		return job.Status, err
	}
	job.RetryCount = retries
	job.Status = status
	job.LastError = cause.Error()
	return status, nil
}

// ResetStale 将卡在 processing 超过 olderThan 的任务退回 pending（进程中途退出时会出现）
func (r *ReviewJobRepository) ResetStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	res := r.DB.WithContext(ctx).Model(&model.ReviewJob{}).
		Where("status = ? AND started_at < ?", model.JobProcessing, time.Now().Add(-olderThan)).
		Update("status", model.JobPending)
	return res.RowsAffected, res.Error
}
