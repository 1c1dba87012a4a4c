package service

import (
	"assessment_backend/internal/config"
	"assessment_backend/internal/grading"
	"assessment_backend/internal/model"
	"assessment_backend/internal/repository"
	"assessment_backend/internal/util"
	"assessment_backend/pkg/logger"
	"assessment_backend/pkg/monitoring"
	"assessment_backend/pkg/tracing"
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	PolicyStrict          = "strict"
	PolicyBestEffort      = "best_effort"
	PolicyUnauthenticated = "unauthenticated"
	PolicyExpiry          = "expiry"
)

// CompletionPolicy 描述一种结束答题的方式，所有方式共用同一个 finalize
type CompletionPolicy struct {
	Name        string
	MaxAttempts int
	Backoff     time.Duration
	// ForcedFlag 成功结束时追加的标记原因
	ForcedFlag string
	// MarkFlagged 成功结束时置 is_flagged
	MarkFlagged bool
	// Degrade 题库不可用时按已保存的 marks_obtained 计分
	Degrade        bool
	RequireExpired bool
	// OwnerMismatch 答题不属于调用者时返回的错误
	OwnerMismatch error
}

// Policy 按名称返回策略，重试参数取当前配置
func Policy(name string, settings config.AssessmentConfig) CompletionPolicy {
	switch name {
	case PolicyBestEffort:
		return CompletionPolicy{
			Name:          name,
			MaxAttempts:   settings.EmergencyRetries,
			Backoff:       settings.EmergencyBackoff(),
			Degrade:       true,
			OwnerMismatch: util.ErrAttemptNotFound,
		}
	case PolicyUnauthenticated:
		return CompletionPolicy{
			Name:          name,
			MaxAttempts:   settings.EmergencyRetries,
			Backoff:       settings.EmergencyBackoff(),
			ForcedFlag:    util.FlagNoAuthSubmit,
			MarkFlagged:   true,
			Degrade:       true,
			OwnerMismatch: util.ErrPermissionDenied,
		}
	case PolicyExpiry:
		return CompletionPolicy{
			Name:           name,
			MaxAttempts:    settings.NormalRetries,
			Backoff:        settings.NormalBackoff(),
			ForcedFlag:     util.FlagExpired,
			MarkFlagged:    true,
			RequireExpired: true,
			OwnerMismatch:  util.ErrAttemptNotFound,
		}
	default:
		return CompletionPolicy{
			Name:          PolicyStrict,
			MaxAttempts:   settings.NormalRetries,
			Backoff:       settings.NormalBackoff(),
			OwnerMismatch: util.ErrAttemptNotFound,
		}
	}
}

type CompleteRequest struct {
	Answers     []SaveAnswerRequest `json:"answers"`
	TabSwitches *int                `json:"tab_switches"`
}

// CompletionOutcome AlreadyCompleted 为 true 表示本次调用没有写入，返回的是已存储的结果
type CompletionOutcome struct {
	Result           *AttemptResult `json:"result"`
	AlreadyCompleted bool           `json:"alreadyCompleted"`
	Degraded         bool           `json:"degraded,omitempty"`
}

type HeartbeatStatus struct {
	Alive            bool                `json:"alive"`
	AttemptID        uint                `json:"attemptId"`
	Status           model.AttemptStatus `json:"status"`
	RemainingSeconds int                 `json:"remainingSeconds"`
	IsExpired        bool                `json:"isExpired"`
	SavedAnswers     int64               `json:"savedAnswers"`
	ServerTime       time.Time           `json:"serverTime"`
	LastSeen         *time.Time          `json:"lastSeen,omitempty"`
}

type finalizeRequest struct {
	userID      uint
	attemptID   uint
	inline      map[uint]string
	tabSwitches *int
}

type CompletionService struct {
	DB       *gorm.DB
	Attempts AttemptStore
	Answers  AnswerStore
	Catalog  QuestionCatalog
	Users    UserLookup
	Saver    *AnswerService
	Results  *ResultService
	Reviews  *ReviewJobService
	Cache    *AttemptCache
	Settings *config.Settings
	Now      func() time.Time
}

func NewCompletionService(db *gorm.DB, attempts AttemptStore, answers AnswerStore, catalog QuestionCatalog, users UserLookup,
	saver *AnswerService, results *ResultService, reviews *ReviewJobService, cache *AttemptCache, settings *config.Settings) *CompletionService {
	return &CompletionService{
		DB:       db,
		Attempts: attempts,
		Answers:  answers,
		Catalog:  catalog,
		Users:    users,
		Saver:    saver,
		Results:  results,
		Reviews:  reviews,
		Cache:    cache,
		Settings: settings,
		Now:      time.Now,
	}
}

// Complete 正常提交。附带的答案先批量保存，判分时以附带答案为准。
func (s *CompletionService) Complete(ctx context.Context, userID, attemptID uint, req CompleteRequest) (*CompletionOutcome, error) {
	var inline map[uint]string
	if len(req.Answers) > 0 {
		if _, err := s.Saver.BulkSave(ctx, userID, attemptID, req.Answers, req.TabSwitches); err != nil {
			return nil, err
		}
		inline = make(map[uint]string, len(req.Answers))
		for _, a := range req.Answers {
			inline[a.QuestionID] = a.Answer
		}
	}
	return s.finalize(ctx, Policy(PolicyStrict, s.Settings.Load()), finalizeRequest{
		userID:      userID,
		attemptID:   attemptID,
		inline:      inline,
		tabSwitches: req.TabSwitches,
	})
}

// EmergencyComplete 正常提交失败后的应急提交，重试更多次并允许降级计分
func (s *CompletionService) EmergencyComplete(ctx context.Context, userID, attemptID uint) (*CompletionOutcome, error) {
	return s.finalize(ctx, Policy(PolicyBestEffort, s.Settings.Load()), finalizeRequest{
		userID:    userID,
		attemptID: attemptID,
	})
}

// EmergencyCompleteByEmail 令牌失效时按邮箱识别考生提交，结果总会带上标记
func (s *CompletionService) EmergencyCompleteByEmail(ctx context.Context, attemptID uint, email string) (*CompletionOutcome, error) {
	if strings.TrimSpace(email) == "" {
		return nil, util.ErrUserNotFound
	}
	user, err := s.Users.FindByEmail(ctx, email)
	if err != nil {
		if isNotFound(err) {
			return nil, util.ErrUserNotFound
		}
		return nil, err
	}
	logger.Log.Warn("Emergency no-auth completion requested",
		zap.Uint("attempt_id", attemptID),
		zap.Uint("user_id", user.ID))
	return s.finalize(ctx, Policy(PolicyUnauthenticated, s.Settings.Load()), finalizeRequest{
		userID:    user.ID,
		attemptID: attemptID,
	})
}

// AutoCompleteExpired 超过时长加宽限期后由前端触发的自动提交
func (s *CompletionService) AutoCompleteExpired(ctx context.Context, userID, attemptID uint) (*CompletionOutcome, error) {
	return s.finalize(ctx, Policy(PolicyExpiry, s.Settings.Load()), finalizeRequest{
		userID:    userID,
		attemptID: attemptID,
	})
}

func (s *CompletionService) finalize(ctx context.Context, p CompletionPolicy, req finalizeRequest) (*CompletionOutcome, error) {
	ctx, span := tracing.StartAttemptSpan(ctx, "attempt.finalize", req.attemptID, p.Name)
	defer span.End()

	var out *CompletionOutcome
	err := retryLinear(ctx, "finalize_"+p.Name, p.MaxAttempts, p.Backoff, func() error {
		o, err := s.finalizeOnce(ctx, p, req)
		if err != nil {
			return permanentIfDomain(err)
		}
		out = o
		return nil
	}, func(error) {
		monitoring.CompletionRetries.WithLabelValues(p.Name).Inc()
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		monitoring.CompletionCounter.WithLabelValues(p.Name, "error").Inc()
		logger.Log.Error("Attempt completion failed",
			zap.Uint("attempt_id", req.attemptID),
			zap.Uint("user_id", req.userID),
			zap.String("policy", p.Name),
			zap.Error(err))
		return nil, err
	}

	outcome := "won"
	if out.AlreadyCompleted {
		outcome = "already_completed"
	}
	monitoring.CompletionCounter.WithLabelValues(p.Name, outcome).Inc()

	if !out.AlreadyCompleted && out.Result.IsFlagged && s.Reviews != nil {
		if err := s.Reviews.Enqueue(ctx, out.Result); err != nil {
			logger.Log.Error("Failed to enqueue review job",
				zap.Uint("attempt_id", req.attemptID), zap.Error(err))
		}
	}
	return out, nil
}

func (s *CompletionService) finalizeOnce(ctx context.Context, p CompletionPolicy, req finalizeRequest) (*CompletionOutcome, error) {
	attempt, err := s.Attempts.FindByID(ctx, nil, req.attemptID)
	if err != nil {
		if isNotFound(err) {
			return nil, util.ErrAttemptNotFound
		}
		return nil, err
	}
	if attempt.UserID != req.userID {
		return nil, p.OwnerMismatch
	}
	if attempt.IsCompleted() {
		return s.storedOutcome(ctx, attempt)
	}
	if !attempt.IsInProgress() {
		return nil, util.ErrAttemptNotActive
	}

	now := s.Now()
	settings := s.Settings.Load()

	// 题库在事务外读取；答案在锁定答题行之后重新读取，判分覆盖所有已提交的保存
	preview, err := s.Answers.LoadAll(ctx, nil, req.attemptID)
	if err != nil {
		return nil, err
	}
	degraded := false
	view, err := loadCatalog(ctx, s.Catalog, attempt.TestID, answeredIDs(preview, req.inline))
	switch {
	case err == nil:
		if p.RequireExpired && !expired(attempt, view.test, settings, now) {
			return nil, util.ErrNotExpired
		}
	case p.Degrade:
		logger.Log.Warn("Catalog unavailable, scoring from stored marks",
			zap.Uint("attempt_id", req.attemptID),
			zap.String("policy", p.Name),
			zap.Error(err))
		degraded = true
	default:
		return nil, err
	}

	var (
		won bool
		ev  grading.Evaluation
	)
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := s.Attempts.FindByIDForUpdate(ctx, tx, req.attemptID)
		if err != nil {
			return err
		}
		if cur.IsCompleted() {
			return nil
		}
		if !cur.IsInProgress() {
			return util.ErrAttemptNotActive
		}

		stored, err := s.Answers.LoadAll(ctx, tx, req.attemptID)
		if err != nil {
			return err
		}
		if degraded {
			ev = grading.FromStoredMarks(stored, cur.TotalMarks, cur.PassingMarks)
		} else {
			ev = grading.Evaluate(grading.EvaluationInput{
				Questions:    view.questions,
				Extra:        view.extra,
				Sections:     view.sections,
				Stored:       stored,
				Inline:       req.inline,
				TotalMarks:   cur.TotalMarks,
				PassingMarks: cur.PassingMarks,
			})
		}

		won, err = s.Attempts.Finalize(ctx, tx, req.attemptID, completionFields(p, req, cur, view, ev, settings, now))
		if err != nil || !won || degraded {
			return err
		}
		return s.Answers.UpsertMany(ctx, tx, finalAnswers(req.attemptID, ev, stored, now))
	})
	if err != nil {
		return nil, err
	}

	if won {
		logger.Log.Info("Attempt completed",
			zap.Uint("attempt_id", req.attemptID),
			zap.Uint("user_id", req.userID),
			zap.String("policy", p.Name),
			zap.Float64("score", ev.Score),
			zap.Bool("degraded", degraded))
	}

	fresh, err := s.Attempts.FindByID(ctx, nil, req.attemptID)
	if err != nil {
		return nil, err
	}
	result, err := s.Results.Load(ctx, fresh)
	if err != nil {
		return nil, err
	}
	return &CompletionOutcome{Result: result, AlreadyCompleted: !won, Degraded: degraded && won}, nil
}

// completionFields 组装结束答题要写入的字段，附带的切屏次数达到阈值时追加标记
func completionFields(p CompletionPolicy, req finalizeRequest, cur *model.TestAttempt, view *catalogView,
	ev grading.Evaluation, settings config.AssessmentConfig, now time.Time) repository.FinalizeFields {
	fields := repository.FinalizeFields{
		Score:            ev.Score,
		Percentage:       ev.Percentage,
		Passed:           ev.Passed,
		CompletedAt:      now,
		TimeTakenSeconds: int(now.Sub(cur.StartedAt).Seconds()),
		Mode:             p.Name,
		Flag:             p.MarkFlagged,
		AppendFlag:       p.ForcedFlag,
	}
	if req.tabSwitches == nil {
		return fields
	}

	fields.TabSwitches = *req.tabSwitches
	probe := *cur
	if *req.tabSwitches > probe.TabSwitches {
		probe.TabSwitches = *req.tabSwitches
	}
	var test *model.Test
	if view != nil {
		test = view.test
	}
	if reason := violationFlagReason(&probe, test, settings); reason != "" {
		fields.Flag = true
		fields.AppendFlag = model.AppendFlagReason(reason, fields.AppendFlag)
	}
	return fields
}

func (s *CompletionService) storedOutcome(ctx context.Context, attempt *model.TestAttempt) (*CompletionOutcome, error) {
	result, err := s.Results.Load(ctx, attempt)
	if err != nil {
		return nil, err
	}
	return &CompletionOutcome{Result: result, AlreadyCompleted: true}, nil
}

func expired(attempt *model.TestAttempt, test *model.Test, settings config.AssessmentConfig, now time.Time) bool {
	return now.After(deadline(attempt, test).Add(settings.ExpiryGrace()))
}

// finalAnswers 用最终判分结果覆盖已保存答案，附带答案此时也一并写入
func finalAnswers(attemptID uint, ev grading.Evaluation, stored []model.UserAnswer, now time.Time) []model.UserAnswer {
	prev := make(map[uint]model.UserAnswer, len(stored))
	for _, a := range stored {
		prev[a.QuestionID] = a
	}

	out := make([]model.UserAnswer, 0, len(ev.Questions))
	for _, qr := range ev.Questions {
		p, hadStored := prev[qr.QuestionID]
		// 附带答案中的未知题目不落库
		if !qr.Answered || (!qr.Known && !hadStored) {
			continue
		}
		a := model.UserAnswer{
			AttemptID:     attemptID,
			QuestionID:    qr.QuestionID,
			AnswerText:    qr.Answer,
			MarksObtained: qr.MarksObtained,
			AnsweredAt:    now,
		}
		if qr.AutoScored {
			correct := qr.IsCorrect
			a.IsCorrect = &correct
		}
		if hadStored {
			a.TimeSpentSeconds = p.TimeSpentSeconds
			if p.AnswerText == qr.Answer {
				a.AnsweredAt = p.AnsweredAt
			}
		}
		out = append(out, a)
	}
	return out
}

// Heartbeat 只读查询答题状态
func (s *CompletionService) Heartbeat(ctx context.Context, userID, attemptID uint) (*HeartbeatStatus, error) {
	attempt, err := loadOwnedAttempt(ctx, s.Attempts, nil, userID, attemptID)
	if err != nil {
		return nil, err
	}
	return s.heartbeatStatus(ctx, attempt)
}

// Touch 记录心跳时间，随后返回与 Heartbeat 相同的状态
func (s *CompletionService) Touch(ctx context.Context, userID, attemptID uint) (*HeartbeatStatus, error) {
	attempt, err := loadOwnedAttempt(ctx, s.Attempts, nil, userID, attemptID)
	if err != nil {
		return nil, err
	}
	if attempt.IsInProgress() {
		ttl := time.Duration(s.Settings.Load().HeartbeatTTLSeconds) * time.Second
		if err := s.Cache.Touch(ctx, attemptID, s.Now(), ttl); err != nil {
			logger.Log.Warn("Failed to record heartbeat", zap.Uint("attempt_id", attemptID), zap.Error(err))
		}
	}
	return s.heartbeatStatus(ctx, attempt)
}

func (s *CompletionService) heartbeatStatus(ctx context.Context, attempt *model.TestAttempt) (*HeartbeatStatus, error) {
	saved, err := s.Answers.Count(ctx, nil, attempt.ID)
	if err != nil {
		return nil, err
	}
	now := s.Now()
	st := &HeartbeatStatus{
		Alive:        true,
		AttemptID:    attempt.ID,
		Status:       attempt.Status,
		SavedAnswers: saved,
		ServerTime:   now,
	}
	if attempt.IsInProgress() {
		test, err := s.Catalog.FindTestByID(ctx, attempt.TestID)
		if err != nil {
			if isNotFound(err) {
				return nil, util.ErrTestNotFound
			}
			return nil, err
		}
		st.RemainingSeconds = remainingSeconds(attempt, test, now)
		st.IsExpired = st.RemainingSeconds == 0
	}
	if t, ok := s.Cache.LastSeen(ctx, attempt.ID); ok {
		st.LastSeen = &t
	}
	return st, nil
}
