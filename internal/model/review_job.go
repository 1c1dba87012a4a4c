package model

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// ReviewJob 被标记的答题结束后异步推送给人工审核端
type ReviewJob struct {
	BaseModel
	AttemptID   uint            `gorm:"uniqueIndex;type:bigint unsigned" json:"attemptId"`
	Status      JobStatus       `gorm:"size:20;index;default:'pending'" json:"status"`
	RetryCount  int             `gorm:"default:0" json:"retryCount"`
	MaxRetries  int             `gorm:"default:5" json:"maxRetries"`
	LastError   string          `gorm:"type:text" json:"lastError,omitempty"`
	Payload     json.RawMessage `gorm:"type:json" json:"payload"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

func (ReviewJob) TableName() string {
	return "review_jobs"
}
