package repository

import (
	"assessment_backend/internal/model"
	"context"

	"gorm.io/gorm"
)

// QuestionRepository 只读访问试卷与题库
type QuestionRepository struct {
	DB *gorm.DB
}

func NewQuestionRepository(db *gorm.DB) *QuestionRepository {
	return &QuestionRepository{DB: db}
}

func (r *QuestionRepository) FindTestByID(ctx context.Context, id uint) (*model.Test, error) {
	var t model.Test
	if err := r.DB.WithContext(ctx).First(&t, id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTestQuestions 返回试卷中启用的题目，按出题顺序
func (r *QuestionRepository) ListTestQuestions(ctx context.Context, testID uint) ([]model.Question, error) {
	var questions []model.Question
	err := r.DB.WithContext(ctx).
		Model(&model.Question{}).
		Select("questions.*").
		Joins("JOIN test_questions ON test_questions.question_id = questions.id AND test_questions.deleted_at IS NULL").
		Where("test_questions.test_id = ? AND questions.is_active = ?", testID, true).
		Order("test_questions.sort_order ASC, test_questions.id ASC").
		Find(&questions).Error
	return questions, err
}

// FindTestQuestion 题目必须属于该试卷
func (r *QuestionRepository) FindTestQuestion(ctx context.Context, testID, questionID uint) (*model.Question, error) {
	var q model.Question
	err := r.DB.WithContext(ctx).
		Model(&model.Question{}).
		Select("questions.*").
		Joins("JOIN test_questions ON test_questions.question_id = questions.id AND test_questions.deleted_at IS NULL").
		Where("test_questions.test_id = ? AND questions.id = ?", testID, questionID).
		First(&q).Error
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (r *QuestionRepository) FindByIDs(ctx context.Context, ids []uint) ([]model.Question, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var questions []model.Question
	err := r.DB.WithContext(ctx).Where("id IN ?", ids).Order("id ASC").Find(&questions).Error
	return questions, err
}

func (r *QuestionRepository) ListSections(ctx context.Context, testID uint) ([]model.Section, error) {
	var sections []model.Section
	err := r.DB.WithContext(ctx).
		Where("test_id = ?", testID).
		Order("sort_order ASC, id ASC").
		Find(&sections).Error
	return sections, err
}
