package model

import (
	"fmt"
	"time"
)

type AttemptStatus string

const (
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptCompleted  AttemptStatus = "completed"
	AttemptAbandoned  AttemptStatus = "abandoned"
)

type ViolationKind string

const (
	ViolationTabSwitch      ViolationKind = "tab_switch"
	ViolationFullscreenExit ViolationKind = "fullscreen_exit"
	ViolationCopyPaste      ViolationKind = "copy_paste"
)

// swagger:model TestAttempt
type TestAttempt struct {
	BaseModel
	UserID          uint          `gorm:"index;type:bigint unsigned" json:"userId"`
	TestID          uint          `gorm:"index;type:bigint unsigned" json:"testId"`
	Status          AttemptStatus `gorm:"size:20;index;default:'in_progress'" json:"status"`
	CurrentQuestion int           `gorm:"default:0" json:"currentQuestion"`

	Score        float64 `gorm:"default:0" json:"score"`
	TotalMarks   float64 `gorm:"default:0" json:"totalMarks"`
	PassingMarks float64 `gorm:"default:0" json:"passingMarks"`
	Percentage   float64 `gorm:"default:0" json:"percentage"`
	Passed       bool    `gorm:"default:false" json:"passed"`

	TabSwitches     int    `gorm:"default:0" json:"tabSwitches"`
	FullscreenExits int    `gorm:"default:0" json:"fullscreenExits"`
	IsFlagged       bool   `gorm:"default:false" json:"isFlagged"`
	FlagReason      string `gorm:"size:500" json:"flagReason,omitempty"`

	StartedAt        time.Time  `json:"startedAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	TimeTakenSeconds *int       `json:"timeTakenSeconds,omitempty"`
	CompletionMode   string     `gorm:"size:20" json:"completionMode,omitempty"`

	// 进行中时为 "<user>:<test>"，结束后置空；唯一索引保证同一用户同一试卷只有一个进行中的答题
	ActiveKey *string `gorm:"size:64;uniqueIndex" json:"-"`
}

func (TestAttempt) TableName() string {
	return "test_attempts"
}

func ActiveKeyFor(userID, testID uint) string {
	return fmt.Sprintf("%d:%d", userID, testID)
}

func (a *TestAttempt) IsCompleted() bool {
	return a.Status == AttemptCompleted
}

func (a *TestAttempt) IsInProgress() bool {
	return a.Status == AttemptInProgress
}

// AppendFlagReason 追加作弊标记原因，不覆盖已有内容
func AppendFlagReason(existing, reason string) string {
	if reason == "" {
		return existing
	}
	if existing == "" {
		return reason
	}
	return existing + " | " + reason
}
