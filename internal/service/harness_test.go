package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"assessment_backend/internal/config"
	"assessment_backend/internal/model"
	"assessment_backend/internal/repository"
	"assessment_backend/internal/testutil"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var errTransient = errors.New("transient storage failure")

type harness struct {
	t        *testing.T
	ctx      context.Context
	db       *gorm.DB
	f        *testutil.Fixture
	mr       *miniredis.Miniredis
	rdb      *redis.Client
	settings *config.Settings

	// 可替换为故障注入包装
	attemptStore AttemptStore
	answerStore  AnswerStore
	catalogStore QuestionCatalog

	users *repository.UserRepository
	jobs  *repository.ReviewJobRepository
	cache *AttemptCache

	attemptSvc *AttemptService
	answerSvc  *AnswerService
	anticheat  *AntiCheatService
	results    *ResultService
	reviews    *ReviewJobService
	completion *CompletionService
}

func testSettings() config.AssessmentConfig {
	cfg := config.DefaultAssessmentConfig()
	cfg.NormalBackoffMs = 1
	cfg.EmergencyBackoffMs = 1
	return cfg
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.NewDB(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	h := &harness{
		t:            t,
		ctx:          context.Background(),
		db:           db,
		f:            testutil.Seed(t, db),
		mr:           mr,
		rdb:          rdb,
		settings:     config.NewSettings(testSettings()),
		attemptStore: repository.NewAttemptRepository(db),
		answerStore:  repository.NewAnswerRepository(db),
		catalogStore: repository.NewQuestionRepository(db),
		users:        repository.NewUserRepository(db),
		jobs:         repository.NewReviewJobRepository(db),
		cache:        NewAttemptCache(rdb),
	}
	h.build()
	return h
}

// build 按当前的 store 重新装配服务
func (h *harness) build() {
	storage := NewStorageService(&config.StorageConfig{Type: "local", LocalPath: h.t.TempDir()})
	h.attemptSvc = NewAttemptService(h.attemptStore, h.answerStore, h.catalogStore, h.settings)
	h.answerSvc = NewAnswerService(h.db, h.attemptStore, h.answerStore, h.catalogStore, storage, h.settings)
	h.anticheat = NewAntiCheatService(h.db, h.attemptStore, h.catalogStore, h.settings)
	h.results = NewResultService(h.attemptStore, h.answerStore, h.catalogStore, h.cache, h.settings)
	h.reviews = NewReviewJobService(h.jobs, NewRedisReviewSink(h.rdb), h.settings)
	h.completion = NewCompletionService(h.db, h.attemptStore, h.answerStore, h.catalogStore, h.users,
		h.answerSvc, h.results, h.reviews, h.cache, h.settings)
}

func (h *harness) start(userID uint) *StartSession {
	h.t.Helper()
	s, err := h.attemptSvc.Start(h.ctx, userID, h.f.Test.ID)
	require.NoError(h.t, err)
	return s
}

func (h *harness) save(attemptID uint, questionID uint, answer string) {
	h.t.Helper()
	_, err := h.answerSvc.SaveAnswer(h.ctx, h.f.User.ID, attemptID, SaveAnswerRequest{QuestionID: questionID, Answer: answer})
	require.NoError(h.t, err)
}

func (h *harness) attempt(id uint) *model.TestAttempt {
	h.t.Helper()
	var a model.TestAttempt
	require.NoError(h.t, h.db.First(&a, id).Error)
	return &a
}

func intPtr(n int) *int { return &n }

// flakyAttempts Finalize 前 n 次返回瞬时错误
type flakyAttempts struct {
	AttemptStore
	remaining atomic.Int32
	calls     atomic.Int32
}

func newFlakyAttempts(inner AttemptStore, failures int32) *flakyAttempts {
	f := &flakyAttempts{AttemptStore: inner}
	f.remaining.Store(failures)
	return f
}

func (f *flakyAttempts) Finalize(ctx context.Context, tx *gorm.DB, id uint, ff repository.FinalizeFields) (bool, error) {
	f.calls.Add(1)
	if f.remaining.Add(-1) >= 0 {
		return false, errTransient
	}
	return f.AttemptStore.Finalize(ctx, tx, id, ff)
}

// brokenCatalog 题库整体不可用
type brokenCatalog struct {
	QuestionCatalog
}

func (brokenCatalog) FindTestByID(context.Context, uint) (*model.Test, error) {
	return nil, errTransient
}

func (brokenCatalog) ListTestQuestions(context.Context, uint) ([]model.Question, error) {
	return nil, errTransient
}

// rejectingAnswers 对指定题目的写入总是失败
type rejectingAnswers struct {
	AnswerStore
	questionID uint
}

func (r rejectingAnswers) Upsert(ctx context.Context, tx *gorm.DB, answer *model.UserAnswer) (bool, error) {
	if answer.QuestionID == r.questionID {
		return false, errTransient
	}
	return r.AnswerStore.Upsert(ctx, tx, answer)
}
