package repository

import (
	"assessment_backend/internal/model"
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AnswerRepository struct {
	DB *gorm.DB
}

func NewAnswerRepository(db *gorm.DB) *AnswerRepository {
	return &AnswerRepository{DB: db}
}

var answerUpsertColumns = []string{
	"answer_text", "is_correct", "marks_obtained", "time_spent_seconds", "answered_at", "updated_at",
}

// Upsert 按 (attempt_id, question_id) 写入或覆盖，返回是否为新建
func (r *AnswerRepository) Upsert(ctx context.Context, tx *gorm.DB, answer *model.UserAnswer) (bool, error) {
	db := getDB(ctx, r.DB, tx)

	var existing int64
	if err := db.Model(&model.UserAnswer{}).
		Where("attempt_id = ? AND question_id = ?", answer.AttemptID, answer.QuestionID).
		Count(&existing).Error; err != nil {
		return false, err
	}

	if answer.AnsweredAt.IsZero() {
		answer.AnsweredAt = time.Now()
	}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "attempt_id"}, {Name: "question_id"}},
		DoUpdates: clause.AssignmentColumns(answerUpsertColumns),
	}).Create(answer).Error
	if err != nil {
		return false, err
	}
	return existing == 0, nil
}

// UpsertMany 结束答题时批量写回最终判分结果
func (r *AnswerRepository) UpsertMany(ctx context.Context, tx *gorm.DB, answers []model.UserAnswer) error {
	if len(answers) == 0 {
		return nil
	}
	return getDB(ctx, r.DB, tx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "attempt_id"}, {Name: "question_id"}},
		DoUpdates: clause.AssignmentColumns(answerUpsertColumns),
	}).Create(&answers).Error
}

func (r *AnswerRepository) LoadAll(ctx context.Context, tx *gorm.DB, attemptID uint) ([]model.UserAnswer, error) {
	var answers []model.UserAnswer
	err := getDB(ctx, r.DB, tx).
		Where("attempt_id = ?", attemptID).
		Order("question_id ASC").
		Find(&answers).Error
	return answers, err
}

func (r *AnswerRepository) Count(ctx context.Context, tx *gorm.DB, attemptID uint) (int64, error) {
	var n int64
	err := getDB(ctx, r.DB, tx).Model(&model.UserAnswer{}).
		Where("attempt_id = ?", attemptID).
		Count(&n).Error
	return n, err
}
