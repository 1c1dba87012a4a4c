package model

import (
	"strings"
	"time"
)

// FileAnswerPrefix 文件类答案存储为 "FILE:<url>"
const FileAnswerPrefix = "FILE:"

// UserAnswer 每道题一行，(attempt_id, question_id) 唯一，后写覆盖
// swagger:model UserAnswer
type UserAnswer struct {
	BaseModel
	AttemptID        uint      `gorm:"uniqueIndex:idx_attempt_question;type:bigint unsigned;not null" json:"attemptId"`
	QuestionID       uint      `gorm:"uniqueIndex:idx_attempt_question;type:bigint unsigned;not null" json:"questionId"`
	AnswerText       string    `gorm:"type:text" json:"answerText"`
	IsCorrect        *bool     `json:"isCorrect"`
	MarksObtained    float64   `gorm:"default:0" json:"marksObtained"`
	TimeSpentSeconds *int      `json:"timeSpentSeconds,omitempty"`
	AnsweredAt       time.Time `json:"answeredAt"`
}

func (UserAnswer) TableName() string {
	return "user_answers"
}

func (a *UserAnswer) IsFileAnswer() bool {
	return strings.HasPrefix(a.AnswerText, FileAnswerPrefix)
}

func FileAnswer(url string) string {
	return FileAnswerPrefix + url
}
