package service

import (
	"assessment_backend/internal/model"
	"assessment_backend/internal/repository"
	"assessment_backend/internal/util"
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"
	"gorm.io/gorm"
)

// AttemptStore 答题记录的持久化，tx 为 nil 时使用基础连接
type AttemptStore interface {
	Create(ctx context.Context, tx *gorm.DB, attempt *model.TestAttempt) error
	FindByID(ctx context.Context, tx *gorm.DB, id uint) (*model.TestAttempt, error)
	FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id uint) (*model.TestAttempt, error)
	FindActive(ctx context.Context, tx *gorm.DB, userID, testID uint) (*model.TestAttempt, error)
	FindCompleted(ctx context.Context, tx *gorm.DB, userID, testID uint) (*model.TestAttempt, error)
	ListByUser(ctx context.Context, userID uint) ([]model.TestAttempt, error)
	IncrementViolation(ctx context.Context, tx *gorm.DB, id uint, kind model.ViolationKind) (bool, error)
	RaiseTabSwitches(ctx context.Context, tx *gorm.DB, id uint, n int) error
	Flag(ctx context.Context, tx *gorm.DB, attempt *model.TestAttempt, reason string) error
	IncrementCurrentQuestion(ctx context.Context, tx *gorm.DB, id uint) error
	Finalize(ctx context.Context, tx *gorm.DB, id uint, f repository.FinalizeFields) (bool, error)
}

type AnswerStore interface {
	Upsert(ctx context.Context, tx *gorm.DB, answer *model.UserAnswer) (bool, error)
	UpsertMany(ctx context.Context, tx *gorm.DB, answers []model.UserAnswer) error
	LoadAll(ctx context.Context, tx *gorm.DB, attemptID uint) ([]model.UserAnswer, error)
	Count(ctx context.Context, tx *gorm.DB, attemptID uint) (int64, error)
}

// QuestionCatalog 只读题库
type QuestionCatalog interface {
	FindTestByID(ctx context.Context, id uint) (*model.Test, error)
	ListTestQuestions(ctx context.Context, testID uint) ([]model.Question, error)
	FindTestQuestion(ctx context.Context, testID, questionID uint) (*model.Question, error)
	FindByIDs(ctx context.Context, ids []uint) ([]model.Question, error)
	ListSections(ctx context.Context, testID uint) ([]model.Section, error)
}

type UserLookup interface {
	FindByEmail(ctx context.Context, email string) (*model.User, error)
}

var (
	_ AttemptStore    = (*repository.AttemptRepository)(nil)
	_ AnswerStore     = (*repository.AnswerRepository)(nil)
	_ QuestionCatalog = (*repository.QuestionRepository)(nil)
	_ UserLookup      = (*repository.UserRepository)(nil)
)

var domainErrors = []error{
	util.ErrUserNotFound,
	util.ErrInvalidCredentials,
	util.ErrPermissionDenied,
	util.ErrTestNotFound,
	util.ErrTestNotActive,
	util.ErrNoQuestionsConfigured,
	util.ErrAlreadyCompleted,
	util.ErrAttemptNotFound,
	util.ErrAttemptNotActive,
	util.ErrAttemptNotCompleted,
	util.ErrQuestionNotFound,
	util.ErrNotExpired,
	util.ErrInvalidViolation,
	util.ErrInvalidFile,
}

// IsDomainError 校验类错误，重试没有意义
func IsDomainError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	for _, d := range domainErrors {
		if errors.Is(err, d) {
			return true
		}
	}
	return false
}

func permanentIfDomain(err error) error {
	if err != nil && IsDomainError(err) {
		return backoff.Permanent(err)
	}
	return err
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// loadOwnedAttempt 答题不存在或不属于该用户时都返回 ErrAttemptNotFound
func loadOwnedAttempt(ctx context.Context, store AttemptStore, tx *gorm.DB, userID, attemptID uint) (*model.TestAttempt, error) {
	attempt, err := store.FindByID(ctx, tx, attemptID)
	if err != nil {
		if isNotFound(err) {
			return nil, util.ErrAttemptNotFound
		}
		return nil, err
	}
	if attempt.UserID != userID {
		return nil, util.ErrAttemptNotFound
	}
	return attempt, nil
}
