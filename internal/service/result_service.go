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

type AnswerDetail struct {
	QuestionID        uint    `json:"questionId"`
	SectionID         uint    `json:"sectionId"`
	QuestionText      string  `json:"questionText,omitempty"`
	Answer            string  `json:"answer"`
	UserAnswerText    string  `json:"userAnswerText"`
	CorrectAnswer     string  `json:"correctAnswer,omitempty"`
	CorrectAnswerText string  `json:"correctAnswerText,omitempty"`
	Answered          bool    `json:"answered"`
	IsCorrect         bool    `json:"isCorrect"`
	MarksObtained     float64 `json:"marksObtained"`
	MaxMarks          float64 `json:"maxMarks"`
}

// AttemptResult 已结束答题的完整结果，由存储状态构建，重复查询结果相同
type AttemptResult struct {
	AttemptID        uint                    `json:"attemptId"`
	UserID           uint                    `json:"userId"`
	TestID           uint                    `json:"testId"`
	TestTitle        string                  `json:"testTitle,omitempty"`
	Status           model.AttemptStatus     `json:"status"`
	Score            float64                 `json:"score"`
	TotalMarks       float64                 `json:"totalMarks"`
	PassingMarks     float64                 `json:"passingMarks"`
	Percentage       float64                 `json:"percentage"`
	Passed           bool                    `json:"passed"`
	StartedAt        time.Time               `json:"startedAt"`
	CompletedAt      *time.Time              `json:"completedAt,omitempty"`
	TimeTakenSeconds *int                    `json:"timeTakenSeconds,omitempty"`
	CompletionMode   string                  `json:"completionMode"`
	TabSwitches      int                     `json:"tabSwitches"`
	FullscreenExits  int                     `json:"fullscreenExits"`
	IsFlagged        bool                    `json:"isFlagged"`
	FlagReason       string                  `json:"flagReason,omitempty"`
	Sections         []grading.SectionResult `json:"sections"`
	Answers          []AnswerDetail          `json:"answers"`
}

// catalogView 判分所需的题库快照
type catalogView struct {
	test      *model.Test
	questions []model.Question
	extra     map[uint]model.Question
	sections  map[uint]string
}

// loadCatalog 加载试卷题目、分区，以及已作答但不在试卷中的题目
func loadCatalog(ctx context.Context, catalog QuestionCatalog, testID uint, answered []uint) (*catalogView, error) {
	test, err := catalog.FindTestByID(ctx, testID)
	if err != nil {
		if isNotFound(err) {
			return nil, util.ErrTestNotFound
		}
		return nil, err
	}
	questions, err := catalog.ListTestQuestions(ctx, testID)
	if err != nil {
		return nil, err
	}
	sections, err := catalog.ListSections(ctx, testID)
	if err != nil {
		return nil, err
	}

	view := &catalogView{
		test:      test,
		questions: questions,
		extra:     make(map[uint]model.Question),
		sections:  make(map[uint]string, len(sections)),
	}
	for _, sec := range sections {
		view.sections[sec.ID] = sec.Title
	}

	inTest := make(map[uint]struct{}, len(questions))
	for _, q := range questions {
		inTest[q.ID] = struct{}{}
	}
	var missing []uint
	for _, id := range answered {
		if _, ok := inTest[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		extra, err := catalog.FindByIDs(ctx, missing)
		if err != nil {
			return nil, err
		}
		for _, q := range extra {
			view.extra[q.ID] = q
		}
	}
	return view, nil
}

func (v *catalogView) question(id uint) *model.Question {
	for i := range v.questions {
		if v.questions[i].ID == id {
			return &v.questions[i]
		}
	}
	if q, ok := v.extra[id]; ok {
		return &q
	}
	return nil
}

func answeredIDs(stored []model.UserAnswer, inline map[uint]string) []uint {
	ids := make([]uint, 0, len(stored)+len(inline))
	for _, a := range stored {
		ids = append(ids, a.QuestionID)
	}
	for id := range inline {
		ids = append(ids, id)
	}
	return ids
}

type ResultService struct {
	Attempts AttemptStore
	Answers  AnswerStore
	Catalog  QuestionCatalog
	Cache    *AttemptCache
	Settings *config.Settings
}

func NewResultService(attempts AttemptStore, answers AnswerStore, catalog QuestionCatalog, cache *AttemptCache, settings *config.Settings) *ResultService {
	return &ResultService{
		Attempts: attempts,
		Answers:  answers,
		Catalog:  catalog,
		Cache:    cache,
		Settings: settings,
	}
}

// Get 查询本人已结束答题的结果
func (s *ResultService) Get(ctx context.Context, userID, attemptID uint) (*AttemptResult, error) {
	attempt, err := loadOwnedAttempt(ctx, s.Attempts, nil, userID, attemptID)
	if err != nil {
		return nil, err
	}
	if !attempt.IsCompleted() {
		return nil, util.ErrAttemptNotCompleted
	}
	return s.Load(ctx, attempt)
}

// Load 由已存储的答题行和答案构建结果。题库不可用时退化为只含已保存分数的明细，且不写入缓存。
func (s *ResultService) Load(ctx context.Context, attempt *model.TestAttempt) (*AttemptResult, error) {
	if res, ok := s.Cache.GetResult(ctx, attempt.ID); ok {
		return res, nil
	}

	stored, err := s.Answers.LoadAll(ctx, nil, attempt.ID)
	if err != nil {
		return nil, err
	}

	res := &AttemptResult{
		AttemptID:        attempt.ID,
		UserID:           attempt.UserID,
		TestID:           attempt.TestID,
		Status:           attempt.Status,
		Score:            attempt.Score,
		TotalMarks:       attempt.TotalMarks,
		PassingMarks:     attempt.PassingMarks,
		Percentage:       attempt.Percentage,
		Passed:           attempt.Passed,
		StartedAt:        attempt.StartedAt,
		CompletedAt:      attempt.CompletedAt,
		TimeTakenSeconds: attempt.TimeTakenSeconds,
		CompletionMode:   attempt.CompletionMode,
		TabSwitches:      attempt.TabSwitches,
		FullscreenExits:  attempt.FullscreenExits,
		IsFlagged:        attempt.IsFlagged,
		FlagReason:       attempt.FlagReason,
	}

	view, err := loadCatalog(ctx, s.Catalog, attempt.TestID, answeredIDs(stored, nil))
	if err != nil {
		logger.Log.Warn("Catalog unavailable, building result from stored marks",
			zap.Uint("attempt_id", attempt.ID), zap.Error(err))
		ev := grading.FromStoredMarks(stored, attempt.TotalMarks, attempt.PassingMarks)
		res.Sections = ev.Sections
		res.Answers = details(ev, nil)
		return res, nil
	}

	ev := grading.Evaluate(grading.EvaluationInput{
		Questions:      view.questions,
		Extra:          view.extra,
		Sections:       view.sections,
		Stored:         stored,
		TotalMarks:     attempt.TotalMarks,
		PassingMarks:   attempt.PassingMarks,
		UseStoredMarks: true,
	})
	res.TestTitle = view.test.Title
	res.Sections = ev.Sections
	res.Answers = details(ev, view)

	if attempt.IsCompleted() {
		s.Cache.SetResult(ctx, res, time.Duration(s.Settings.Load().ResultCacheTTLMinutes)*time.Minute)
	}
	return res, nil
}

// details 把选项 id 还原为选项文本
func details(ev grading.Evaluation, view *catalogView) []AnswerDetail {
	out := make([]AnswerDetail, 0, len(ev.Questions))
	for _, qr := range ev.Questions {
		d := AnswerDetail{
			QuestionID:     qr.QuestionID,
			SectionID:      qr.SectionID,
			Answer:         qr.Answer,
			UserAnswerText: qr.Answer,
			Answered:       qr.Answered,
			IsCorrect:      qr.IsCorrect,
			MarksObtained:  qr.MarksObtained,
			MaxMarks:       qr.MaxMarks,
		}
		if view != nil {
			if q := view.question(qr.QuestionID); q != nil {
				d.QuestionText = q.QuestionText
				d.UserAnswerText = q.Options.TextOf(qr.Answer)
				if q.IsMCQ() {
					d.CorrectAnswer = q.CorrectAnswer
					d.CorrectAnswerText = q.Options.TextOf(q.CorrectAnswer)
				}
			}
		}
		out = append(out, d)
	}
	return out
}
