package service

import (
	"assessment_backend/internal/config"
	"assessment_backend/internal/grading"
	"assessment_backend/internal/model"
	"assessment_backend/internal/util"
	"assessment_backend/pkg/logger"
	"context"
	"time"

	"go.uber.org/zap"
)

type TestMeta struct {
	ID              uint    `json:"id"`
	Title           string  `json:"title"`
	Description     string  `json:"description"`
	DurationMinutes int     `json:"durationMinutes"`
	TotalMarks      float64 `json:"totalMarks"`
	PassingMarks    float64 `json:"passingMarks"`
}

// QuestionView 下发给考生的题目，不含正确答案
type QuestionView struct {
	ID           uint               `json:"id"`
	SectionID    uint               `json:"sectionId"`
	SectionTitle string             `json:"sectionTitle"`
	QuestionType model.QuestionType `json:"questionType"`
	QuestionText string             `json:"questionText"`
	Options      model.OptionList   `json:"options"`
	Marks        float64            `json:"marks"`
}

type AntiCheatConfig struct {
	Enabled            bool `json:"enabled"`
	MaxTabSwitches     int  `json:"maxTabSwitches"`
	MaxFullscreenExits int  `json:"maxFullscreenExits"`
}

type SavedAnswer struct {
	QuestionID uint   `json:"questionId"`
	Answer     string `json:"answer"`
}

type StartSession struct {
	AttemptID        uint            `json:"attemptId"`
	Test             TestMeta        `json:"test"`
	Questions        []QuestionView  `json:"questions"`
	StartedAt        time.Time       `json:"startedAt"`
	DurationMinutes  int             `json:"durationMinutes"`
	RemainingSeconds int             `json:"remainingSeconds"`
	CurrentQuestion  int             `json:"currentQuestion"`
	SavedAnswers     []SavedAnswer   `json:"savedAnswers"`
	AntiCheat        AntiCheatConfig `json:"antiCheat"`
	Resumed          bool            `json:"resumed"`
}

type AttemptService struct {
	Attempts AttemptStore
	Answers  AnswerStore
	Catalog  QuestionCatalog
	Settings *config.Settings
	Now      func() time.Time
}

func NewAttemptService(attempts AttemptStore, answers AnswerStore, catalog QuestionCatalog, settings *config.Settings) *AttemptService {
	return &AttemptService{
		Attempts: attempts,
		Answers:  answers,
		Catalog:  catalog,
		Settings: settings,
		Now:      time.Now,
	}
}

// Start 开始或恢复答题。已有进行中的答题时原样返回（不重置计时）；已完成过则拒绝。
func (s *AttemptService) Start(ctx context.Context, userID, testID uint) (*StartSession, error) {
	test, err := s.Catalog.FindTestByID(ctx, testID)
	if err != nil {
		if isNotFound(err) {
			return nil, util.ErrTestNotFound
		}
		return nil, err
	}
	if !test.IsActive || !test.IsPublished {
		return nil, util.ErrTestNotActive
	}

	if _, err := s.Attempts.FindCompleted(ctx, nil, userID, testID); err == nil {
		return nil, util.ErrAlreadyCompleted
	} else if !isNotFound(err) {
		return nil, err
	}

	questions, err := s.Catalog.ListTestQuestions(ctx, testID)
	if err != nil {
		return nil, err
	}

	if active, err := s.Attempts.FindActive(ctx, nil, userID, testID); err == nil {
		return s.session(ctx, test, questions, active, true)
	} else if !isNotFound(err) {
		return nil, err
	}

	if len(questions) == 0 {
		return nil, util.ErrNoQuestionsConfigured
	}

	total, passing := grading.DefaultTotals(test, questions, s.Settings.Load().PassingRatio)
	key := model.ActiveKeyFor(userID, testID)
	attempt := &model.TestAttempt{
		UserID:       userID,
		TestID:       testID,
		Status:       model.AttemptInProgress,
		TotalMarks:   total,
		PassingMarks: passing,
		StartedAt:    s.Now(),
		ActiveKey:    &key,
	}
	if err := s.Attempts.Create(ctx, nil, attempt); err != nil {
		// 并发开始时唯一键冲突，返回先创建的那一条
		active, findErr := s.Attempts.FindActive(ctx, nil, userID, testID)
		if findErr != nil {
			return nil, err
		}
		logger.Log.Info("Concurrent start resolved to existing attempt",
			zap.Uint("attempt_id", active.ID), zap.Uint("user_id", userID))
		return s.session(ctx, test, questions, active, true)
	}

	logger.Log.Info("Attempt started",
		zap.Uint("attempt_id", attempt.ID),
		zap.Uint("user_id", userID),
		zap.Uint("test_id", testID))
	return s.session(ctx, test, questions, attempt, false)
}

// GetActiveSession 只查询，不创建；没有进行中的答题时返回 nil
func (s *AttemptService) GetActiveSession(ctx context.Context, userID, testID uint) (*StartSession, error) {
	active, err := s.Attempts.FindActive(ctx, nil, userID, testID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	test, err := s.Catalog.FindTestByID(ctx, testID)
	if err != nil {
		if isNotFound(err) {
			return nil, util.ErrTestNotFound
		}
		return nil, err
	}
	questions, err := s.Catalog.ListTestQuestions(ctx, testID)
	if err != nil {
		return nil, err
	}
	return s.session(ctx, test, questions, active, true)
}

func (s *AttemptService) ListMyAttempts(ctx context.Context, userID uint) ([]model.TestAttempt, error) {
	return s.Attempts.ListByUser(ctx, userID)
}

func (s *AttemptService) session(ctx context.Context, test *model.Test, questions []model.Question, attempt *model.TestAttempt, resumed bool) (*StartSession, error) {
	sections, err := s.Catalog.ListSections(ctx, test.ID)
	if err != nil {
		return nil, err
	}
	titles := make(map[uint]string, len(sections))
	for _, sec := range sections {
		titles[sec.ID] = sec.Title
	}

	views := make([]QuestionView, 0, len(questions))
	for _, q := range questions {
		v := QuestionView{
			ID:           q.ID,
			QuestionType: q.QuestionType,
			QuestionText: q.QuestionText,
			Options:      q.Options,
			Marks:        q.Marks,
			SectionTitle: grading.GeneralSectionTitle,
		}
		if q.SectionID != nil {
			v.SectionID = *q.SectionID
			if t, ok := titles[*q.SectionID]; ok {
				v.SectionTitle = t
			}
		}
		views = append(views, v)
	}

	saved := []SavedAnswer{}
	if resumed {
		stored, err := s.Answers.LoadAll(ctx, nil, attempt.ID)
		if err != nil {
			return nil, err
		}
		for _, a := range stored {
			saved = append(saved, SavedAnswer{QuestionID: a.QuestionID, Answer: a.AnswerText})
		}
	}

	settings := s.Settings.Load()
	return &StartSession{
		AttemptID: attempt.ID,
		Test: TestMeta{
			ID:              test.ID,
			Title:           test.Title,
			Description:     test.Description,
			DurationMinutes: test.DurationMinutes,
			TotalMarks:      attempt.TotalMarks,
			PassingMarks:    attempt.PassingMarks,
		},
		Questions:        views,
		StartedAt:        attempt.StartedAt,
		DurationMinutes:  test.DurationMinutes,
		RemainingSeconds: remainingSeconds(attempt, test, s.Now()),
		CurrentQuestion:  attempt.CurrentQuestion,
		SavedAnswers:     saved,
		AntiCheat: AntiCheatConfig{
			Enabled:            test.EnableTabSwitchDetection,
			MaxTabSwitches:     tabSwitchLimit(test, settings),
			MaxFullscreenExits: fullscreenExitLimit(test, settings),
		},
		Resumed: resumed,
	}, nil
}

func deadline(attempt *model.TestAttempt, test *model.Test) time.Time {
	return attempt.StartedAt.Add(time.Duration(test.DurationMinutes) * time.Minute)
}

func remainingSeconds(attempt *model.TestAttempt, test *model.Test, now time.Time) int {
	left := int(deadline(attempt, test).Sub(now).Seconds())
	if left < 0 {
		return 0
	}
	return left
}

func tabSwitchLimit(test *model.Test, settings config.AssessmentConfig) int {
	if test != nil && test.MaxTabSwitchesAllowed > 0 {
		return test.MaxTabSwitchesAllowed
	}
	return settings.MaxTabSwitches
}

func fullscreenExitLimit(test *model.Test, settings config.AssessmentConfig) int {
	if test != nil && test.MaxFullscreenExitsAllowed > 0 {
		return test.MaxFullscreenExitsAllowed
	}
	return settings.MaxFullscreenExits
}
