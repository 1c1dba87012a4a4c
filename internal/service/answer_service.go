package service

import (
	"assessment_backend/internal/config"
	"assessment_backend/internal/grading"
	"assessment_backend/internal/model"
	"assessment_backend/internal/util"
	"assessment_backend/pkg/logger"
	"assessment_backend/pkg/monitoring"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type SaveAnswerRequest struct {
	QuestionID       uint   `json:"question_id" binding:"required"`
	Answer           string `json:"answer"`
	TimeSpentSeconds *int   `json:"time_spent_seconds"`
}

type SaveAnswerResult struct {
	QuestionID uint   `json:"questionId"`
	Answer     string `json:"answer"`
	Created    bool   `json:"created"`
}

type AutoSaveResult struct {
	Saved      bool   `json:"saved"`
	QuestionID uint   `json:"questionId"`
	Reason     string `json:"reason,omitempty"`
}

type BulkItemError struct {
	QuestionID uint   `json:"questionId"`
	Message    string `json:"message"`
}

type BulkSaveResult struct {
	Saved       int             `json:"saved"`
	Errors      []BulkItemError `json:"errors"`
	TabSwitches int             `json:"tabSwitches"`
	IsFlagged   bool            `json:"isFlagged"`
}

type RecoverResult struct {
	AttemptID        uint                `json:"attemptId"`
	TestID           uint                `json:"testId"`
	Status           model.AttemptStatus `json:"status"`
	CurrentQuestion  int                 `json:"currentQuestion"`
	RemainingSeconds *int                `json:"remainingSeconds,omitempty"`
	IsExpired        bool                `json:"isExpired"`
	TabSwitches      int                 `json:"tabSwitches"`
	FullscreenExits  int                 `json:"fullscreenExits"`
	Answers          []SavedAnswer       `json:"answers"`
}

type AnswerService struct {
	DB       *gorm.DB
	Attempts AttemptStore
	Answers  AnswerStore
	Catalog  QuestionCatalog
	Storage  *StorageService
	Settings *config.Settings
	Now      func() time.Time
}

func NewAnswerService(db *gorm.DB, attempts AttemptStore, answers AnswerStore, catalog QuestionCatalog, storage *StorageService, settings *config.Settings) *AnswerService {
	return &AnswerService{
		DB:       db,
		Attempts: attempts,
		Answers:  answers,
		Catalog:  catalog,
		Storage:  storage,
		Settings: settings,
		Now:      time.Now,
	}
}

// SaveAnswer 保存单题答案，瞬时错误按配置线性退避重试
func (s *AnswerService) SaveAnswer(ctx context.Context, userID, attemptID uint, req SaveAnswerRequest) (*SaveAnswerResult, error) {
	return s.save(ctx, "save", userID, attemptID, req)
}

func (s *AnswerService) save(ctx context.Context, mode string, userID, attemptID uint, req SaveAnswerRequest) (*SaveAnswerResult, error) {
	settings := s.Settings.Load()
	var result *SaveAnswerResult
	err := retryLinear(ctx, "save_answer", settings.NormalRetries, settings.NormalBackoff(), func() error {
		res, err := s.saveOnce(ctx, userID, attemptID, req)
		if err != nil {
			return permanentIfDomain(err)
		}
		result = res
		return nil
	}, nil)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	monitoring.AnswerSaveCounter.WithLabelValues(mode, outcome).Inc()
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *AnswerService) saveOnce(ctx context.Context, userID, attemptID uint, req SaveAnswerRequest) (*SaveAnswerResult, error) {
	attempt, err := loadOwnedAttempt(ctx, s.Attempts, nil, userID, attemptID)
	if err != nil {
		return nil, err
	}
	if !attempt.IsInProgress() {
		return nil, util.ErrAttemptNotActive
	}

	q, err := s.Catalog.FindTestQuestion(ctx, attempt.TestID, req.QuestionID)
	if err != nil {
		if isNotFound(err) {
			return nil, util.ErrQuestionNotFound
		}
		return nil, err
	}

	answer := s.buildAnswer(attemptID, q, req)
	var created bool
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 锁定答题行，与结束答题互斥
		cur, err := s.Attempts.FindByIDForUpdate(ctx, tx, attemptID)
		if err != nil {
			return err
		}
		if !cur.IsInProgress() {
			return util.ErrAttemptNotActive
		}
		created, err = s.Answers.Upsert(ctx, tx, answer)
		if err != nil {
			return err
		}
		if created {
			return s.Attempts.IncrementCurrentQuestion(ctx, tx, attemptID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &SaveAnswerResult{QuestionID: q.ID, Answer: answer.AnswerText, Created: created}, nil
}

// buildAnswer 归一化答案并缓存暂定的判分结果，结束答题时会被最终结果覆盖
func (s *AnswerService) buildAnswer(attemptID uint, q *model.Question, req SaveAnswerRequest) *model.UserAnswer {
	canonical := grading.NormalizeFor(q, req.Answer)
	answer := &model.UserAnswer{
		AttemptID:        attemptID,
		QuestionID:       q.ID,
		AnswerText:       canonical,
		TimeSpentSeconds: req.TimeSpentSeconds,
		AnsweredAt:       s.Now(),
	}
	if correct, marks, scored := grading.Check(q, canonical); scored {
		answer.IsCorrect = &correct
		answer.MarksObtained = marks
	}
	return answer
}

// AutoSave 前端定时静默保存，失败不返回错误，只在结果中说明原因
func (s *AnswerService) AutoSave(ctx context.Context, userID, attemptID uint, req SaveAnswerRequest) *AutoSaveResult {
	_, err := s.saveOnce(ctx, userID, attemptID, req)
	if err != nil {
		monitoring.AnswerSaveCounter.WithLabelValues("auto", "error").Inc()
		logger.Log.Debug("Auto-save skipped",
			zap.Uint("attempt_id", attemptID),
			zap.Uint("question_id", req.QuestionID),
			zap.Error(err))
		return &AutoSaveResult{Saved: false, QuestionID: req.QuestionID, Reason: err.Error()}
	}
	monitoring.AnswerSaveCounter.WithLabelValues("auto", "ok").Inc()
	return &AutoSaveResult{Saved: true, QuestionID: req.QuestionID}
}

// BulkSave 一个事务内保存多题，每题一个保存点，单题失败不影响其余题目。
// 答题已结束时返回 saved=0 而不是错误。
func (s *AnswerService) BulkSave(ctx context.Context, userID, attemptID uint, items []SaveAnswerRequest, tabSwitches *int) (*BulkSaveResult, error) {
	attempt, err := loadOwnedAttempt(ctx, s.Attempts, nil, userID, attemptID)
	if err != nil {
		return nil, err
	}
	if attempt.IsCompleted() {
		return &BulkSaveResult{Saved: 0, Errors: []BulkItemError{}, TabSwitches: attempt.TabSwitches, IsFlagged: attempt.IsFlagged}, nil
	}
	if !attempt.IsInProgress() {
		return nil, util.ErrAttemptNotActive
	}

	questions, err := s.Catalog.ListTestQuestions(ctx, attempt.TestID)
	if err != nil {
		return nil, err
	}
	byID := make(map[uint]*model.Question, len(questions))
	for i := range questions {
		byID[questions[i].ID] = &questions[i]
	}
	test, err := s.Catalog.FindTestByID(ctx, attempt.TestID)
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	settings := s.Settings.Load()

	var result *BulkSaveResult
	err = retryLinear(ctx, "bulk_save", settings.NormalRetries, settings.NormalBackoff(), func() error {
		res, err := s.bulkSaveOnce(ctx, attemptID, items, tabSwitches, byID, test, settings)
		if err != nil {
			return permanentIfDomain(err)
		}
		result = res
		return nil
	}, nil)
	if err != nil {
		monitoring.AnswerSaveCounter.WithLabelValues("bulk", "error").Inc()
		return nil, err
	}
	monitoring.AnswerSaveCounter.WithLabelValues("bulk", "ok").Inc()
	return result, nil
}

func (s *AnswerService) bulkSaveOnce(ctx context.Context, attemptID uint, items []SaveAnswerRequest, tabSwitches *int,
	byID map[uint]*model.Question, test *model.Test, settings config.AssessmentConfig) (*BulkSaveResult, error) {

	result := &BulkSaveResult{Errors: []BulkItemError{}}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := s.Attempts.FindByIDForUpdate(ctx, tx, attemptID)
		if err != nil {
			return err
		}
		result.TabSwitches = cur.TabSwitches
		result.IsFlagged = cur.IsFlagged
		if cur.IsCompleted() {
			return nil
		}
		if !cur.IsInProgress() {
			return util.ErrAttemptNotActive
		}

		for i, item := range items {
			q, ok := byID[item.QuestionID]
			if !ok {
				result.Errors = append(result.Errors, BulkItemError{QuestionID: item.QuestionID, Message: util.ErrQuestionNotFound.Error()})
				continue
			}

			sp := fmt.Sprintf("bulk_item_%d", i)
			if err := tx.SavePoint(sp).Error; err != nil {
				return err
			}
			if err := s.saveItem(ctx, tx, attemptID, q, item); err != nil {
				if rbErr := tx.RollbackTo(sp).Error; rbErr != nil {
					return rbErr
				}
				result.Errors = append(result.Errors, BulkItemError{QuestionID: item.QuestionID, Message: err.Error()})
				continue
			}
			result.Saved++
		}

		if tabSwitches != nil && *tabSwitches > cur.TabSwitches {
			if err := s.Attempts.RaiseTabSwitches(ctx, tx, attemptID, *tabSwitches); err != nil {
				return err
			}
			cur.TabSwitches = *tabSwitches
			result.TabSwitches = *tabSwitches
			if reason := violationFlagReason(cur, test, settings); reason != "" {
				if err := s.Attempts.Flag(ctx, tx, cur, reason); err != nil {
					return err
				}
				result.IsFlagged = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *AnswerService) saveItem(ctx context.Context, tx *gorm.DB, attemptID uint, q *model.Question, item SaveAnswerRequest) error {
	created, err := s.Answers.Upsert(ctx, tx, s.buildAnswer(attemptID, q, item))
	if err != nil {
		return err
	}
	if created {
		return s.Attempts.IncrementCurrentQuestion(ctx, tx, attemptID)
	}
	return nil
}

// Recover 断线重连后恢复答题进度
func (s *AnswerService) Recover(ctx context.Context, userID, attemptID uint) (*RecoverResult, error) {
	attempt, err := loadOwnedAttempt(ctx, s.Attempts, nil, userID, attemptID)
	if err != nil {
		return nil, err
	}
	stored, err := s.Answers.LoadAll(ctx, nil, attemptID)
	if err != nil {
		return nil, err
	}

	res := &RecoverResult{
		AttemptID:       attempt.ID,
		TestID:          attempt.TestID,
		Status:          attempt.Status,
		CurrentQuestion: attempt.CurrentQuestion,
		TabSwitches:     attempt.TabSwitches,
		FullscreenExits: attempt.FullscreenExits,
		Answers:         make([]SavedAnswer, 0, len(stored)),
	}
	for _, a := range stored {
		res.Answers = append(res.Answers, SavedAnswer{QuestionID: a.QuestionID, Answer: a.AnswerText})
	}

	if attempt.IsInProgress() {
		test, err := s.Catalog.FindTestByID(ctx, attempt.TestID)
		if err != nil {
			if isNotFound(err) {
				return nil, util.ErrTestNotFound
			}
			return nil, err
		}
		left := remainingSeconds(attempt, test, s.Now())
		res.RemainingSeconds = &left
		res.IsExpired = left == 0
	}
	return res, nil
}

// UploadAnswerFile 上传标注题的作答文件并保存为 FILE:<url>。先上传再开事务，不在事务中做网络调用。
func (s *AnswerService) UploadAnswerFile(ctx context.Context, userID, attemptID, questionID uint, file io.Reader, filename string, size int64) (*SaveAnswerResult, error) {
	if size <= 0 || size > util.MaxAnswerFileSize {
		return nil, fmt.Errorf("%w: size %d", util.ErrInvalidFile, size)
	}

	attempt, err := loadOwnedAttempt(ctx, s.Attempts, nil, userID, attemptID)
	if err != nil {
		return nil, err
	}
	if !attempt.IsInProgress() {
		return nil, util.ErrAttemptNotActive
	}
	if _, err := s.Catalog.FindTestQuestion(ctx, attempt.TestID, questionID); err != nil {
		if isNotFound(err) {
			return nil, util.ErrQuestionNotFound
		}
		return nil, err
	}

	head := make([]byte, 512)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	head = head[:n]
	mimeType, err := util.DetectMimeType(bytes.NewReader(head), util.AnswerFileTypes)
	if err != nil {
		return nil, err
	}

	object := AnswerObjectName(attemptID, questionID, filename)
	url, err := s.Storage.Upload(ctx, object, io.MultiReader(bytes.NewReader(head), file), size, mimeType)
	if err != nil {
		monitoring.AnswerSaveCounter.WithLabelValues("file", "error").Inc()
		return nil, fmt.Errorf("upload answer file: %w", err)
	}

	return s.save(ctx, "file", userID, attemptID, SaveAnswerRequest{
		QuestionID: questionID,
		Answer:     model.FileAnswer(url),
	})
}
