package service

import (
	"sync"
	"testing"
	"time"

	"assessment_backend/internal/model"
	"assessment_backend/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompleteScoresInlineAnswers(t *testing.T) {
	h := newHarness(t)
	s := h.start(h.f.User.ID)
	q := h.f.QuestionIDs()

	out, err := h.completion.Complete(h.ctx, h.f.User.ID, s.AttemptID, CompleteRequest{
		Answers: []SaveAnswerRequest{
			{QuestionID: q[0], Answer: "Paris"},
			{QuestionID: q[1], Answer: "a"},
		},
	})
	require.NoError(t, err)
	assert.False(t, out.AlreadyCompleted)

	res := out.Result
	assert.Equal(t, model.AttemptCompleted, res.Status)
	assert.Equal(t, 1.0, res.Score)
	assert.Equal(t, 25.0, res.Percentage)
	assert.False(t, res.Passed)
	assert.Equal(t, PolicyStrict, res.CompletionMode)
	assert.False(t, res.IsFlagged)
	require.Len(t, res.Sections, 2)
	assert.Equal(t, "English", res.Sections[0].Title)
	assert.Equal(t, 1.0, res.Sections[0].Score)
	assert.Equal(t, 0.0, res.Sections[1].Score)

	require.Len(t, res.Answers, 3)
	assert.Equal(t, "i", res.Answers[0].Answer)
	assert.Equal(t, "Paris", res.Answers[0].UserAnswerText)
	assert.True(t, res.Answers[0].IsCorrect)
	assert.False(t, res.Answers[2].Answered)

	a := h.attempt(s.AttemptID)
	assert.Nil(t, a.ActiveKey)
	require.NotNil(t, a.CompletedAt)
}

func TestCompleteIsIdempotent(t *testing.T) {
	h := newHarness(t)
	s := h.start(h.f.User.ID)
	q := h.f.QuestionIDs()
	h.save(s.AttemptID, q[0], "i")
	h.save(s.AttemptID, q[2], "Yes")

	first, err := h.completion.Complete(h.ctx, h.f.User.ID, s.AttemptID, CompleteRequest{})
	require.NoError(t, err)
	assert.False(t, first.AlreadyCompleted)
	assert.Equal(t, 3.0, first.Result.Score)
	assert.True(t, first.Result.Passed)

	// 再次提交时附带的答案不会改变已结束的结果
	second, err := h.completion.Complete(h.ctx, h.f.User.ID, s.AttemptID, CompleteRequest{
		Answers: []SaveAnswerRequest{{QuestionID: q[1], Answer: "b"}},
	})
	require.NoError(t, err)
	assert.True(t, second.AlreadyCompleted)
	assert.Equal(t, first.Result.Score, second.Result.Score)
	assert.Equal(t, first.Result.Answers, second.Result.Answers)

	third, err := h.completion.EmergencyComplete(h.ctx, h.f.User.ID, s.AttemptID)
	require.NoError(t, err)
	assert.True(t, third.AlreadyCompleted)
	assert.Equal(t, PolicyStrict, third.Result.CompletionMode)
}

func TestConcurrentCompletesHaveOneWinner(t *testing.T) {
	h := newHarness(t)
	s := h.start(h.f.User.ID)
	q := h.f.QuestionIDs()
	h.save(s.AttemptID, q[0], "i")
	h.save(s.AttemptID, q[1], "b")

	const n = 6
	outs := make([]*CompletionOutcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var (
				out *CompletionOutcome
				err error
			)
			if i%2 == 0 {
				out, err = h.completion.Complete(h.ctx, h.f.User.ID, s.AttemptID, CompleteRequest{})
			} else {
				out, err = h.completion.EmergencyComplete(h.ctx, h.f.User.ID, s.AttemptID)
			}
			if assert.NoError(t, err) {
				outs[i] = out
			}
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, out := range outs {
		require.NotNil(t, out)
		if !out.AlreadyCompleted {
			winners++
		}
		assert.Equal(t, 2.0, out.Result.Score)
	}
	assert.Equal(t, 1, winners)
}

func TestEmergencyAfterStrictExhaustsRetriesKeepsScore(t *testing.T) {
	h := newHarness(t)
	flaky := newFlakyAttempts(h.attemptStore, 3)
	h.attemptStore = flaky
	h.build()

	s := h.start(h.f.User.ID)
	q := h.f.QuestionIDs()
	h.save(s.AttemptID, q[0], "Paris")
	h.save(s.AttemptID, q[1], "3")
	h.save(s.AttemptID, q[2], "x")

	_, err := h.completion.Complete(h.ctx, h.f.User.ID, s.AttemptID, CompleteRequest{})
	assert.ErrorIs(t, err, errTransient)
	assert.EqualValues(t, 3, flaky.calls.Load())
	assert.Equal(t, model.AttemptInProgress, h.attempt(s.AttemptID).Status)

	out, err := h.completion.EmergencyComplete(h.ctx, h.f.User.ID, s.AttemptID)
	require.NoError(t, err)
	assert.False(t, out.AlreadyCompleted)
	assert.False(t, out.Degraded)
	assert.Equal(t, 3.0, out.Result.Score)
	assert.Equal(t, 75.0, out.Result.Percentage)
	assert.Equal(t, PolicyBestEffort, out.Result.CompletionMode)

	again, err := h.results.Get(h.ctx, h.f.User.ID, s.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, out.Result.Score, again.Score)
	assert.Equal(t, out.Result.Answers, again.Answers)
}

func TestEmergencyDegradesWhenCatalogUnavailable(t *testing.T) {
	h := newHarness(t)
	s := h.start(h.f.User.ID)
	q := h.f.QuestionIDs()
	h.save(s.AttemptID, q[0], "i")
	h.save(s.AttemptID, q[2], "x")

	h.catalogStore = brokenCatalog{QuestionCatalog: h.catalogStore}
	h.build()

	_, err := h.completion.Complete(h.ctx, h.f.User.ID, s.AttemptID, CompleteRequest{})
	assert.ErrorIs(t, err, errTransient)

	out, err := h.completion.EmergencyComplete(h.ctx, h.f.User.ID, s.AttemptID)
	require.NoError(t, err)
	assert.True(t, out.Degraded)
	assert.Equal(t, 3.0, out.Result.Score)
	assert.Equal(t, 75.0, out.Result.Percentage)
	require.Len(t, out.Result.Sections, 1)
	assert.Equal(t, "General", out.Result.Sections[0].Title)

	// 降级结果不写缓存
	assert.False(t, h.mr.Exists(resultKey(s.AttemptID)))
}

func TestEmergencyCompleteByEmail(t *testing.T) {
	h := newHarness(t)
	s := h.start(h.f.User.ID)
	h.save(s.AttemptID, h.f.Questions[0].ID, "i")

	_, err := h.completion.EmergencyCompleteByEmail(h.ctx, s.AttemptID, "")
	assert.ErrorIs(t, err, util.ErrUserNotFound)

	_, err = h.completion.EmergencyCompleteByEmail(h.ctx, s.AttemptID, "nobody@example.com")
	assert.ErrorIs(t, err, util.ErrUserNotFound)

	_, err = h.completion.EmergencyCompleteByEmail(h.ctx, s.AttemptID, "bob@example.com")
	assert.ErrorIs(t, err, util.ErrPermissionDenied)

	out, err := h.completion.EmergencyCompleteByEmail(h.ctx, s.AttemptID, "  Alice@Example.com ")
	require.NoError(t, err)
	assert.False(t, out.AlreadyCompleted)
	assert.True(t, out.Result.IsFlagged)
	assert.Contains(t, out.Result.FlagReason, util.FlagNoAuthSubmit)
	assert.Equal(t, PolicyUnauthenticated, out.Result.CompletionMode)
	assert.Equal(t, 1.0, out.Result.Score)

	job, err := h.jobs.FindByAttemptID(h.ctx, s.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, job.Status)
}

func TestAutoCompleteExpired(t *testing.T) {
	h := newHarness(t)
	s := h.start(h.f.User.ID)
	h.save(s.AttemptID, h.f.Questions[1].ID, "4")

	_, err := h.completion.AutoCompleteExpired(h.ctx, h.f.User.ID, s.AttemptID)
	assert.ErrorIs(t, err, util.ErrNotExpired)

	// 时长 30 分钟，宽限 60 秒
	h.completion.Now = func() time.Time { return time.Now().Add(30*time.Minute + 30*time.Second) }
	_, err = h.completion.AutoCompleteExpired(h.ctx, h.f.User.ID, s.AttemptID)
	assert.ErrorIs(t, err, util.ErrNotExpired)

	h.completion.Now = func() time.Time { return time.Now().Add(32 * time.Minute) }
	out, err := h.completion.AutoCompleteExpired(h.ctx, h.f.User.ID, s.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, PolicyExpiry, out.Result.CompletionMode)
	assert.Contains(t, out.Result.FlagReason, util.FlagExpired)
	assert.True(t, out.Result.IsFlagged)
	assert.Equal(t, 1.0, out.Result.Score)
	assert.True(t, h.attempt(s.AttemptID).IsFlagged)

	job, err := h.jobs.FindByAttemptID(h.ctx, s.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, job.Status)
}

func TestCompleteRejectsOtherUsersAttempt(t *testing.T) {
	h := newHarness(t)
	s := h.start(h.f.User.ID)

	_, err := h.completion.Complete(h.ctx, h.f.Other.ID, s.AttemptID, CompleteRequest{})
	assert.ErrorIs(t, err, util.ErrAttemptNotFound)

	_, err = h.completion.EmergencyComplete(h.ctx, h.f.Other.ID, s.AttemptID)
	assert.ErrorIs(t, err, util.ErrAttemptNotFound)

	_, err = h.completion.Complete(h.ctx, h.f.User.ID, 9999, CompleteRequest{})
	assert.ErrorIs(t, err, util.ErrAttemptNotFound)

	assert.Equal(t, model.AttemptInProgress, h.attempt(s.AttemptID).Status)
}

func TestCompleteWithTabSwitchesFlagsAndEnqueuesReview(t *testing.T) {
	h := newHarness(t)
	s := h.start(h.f.User.ID)

	out, err := h.completion.Complete(h.ctx, h.f.User.ID, s.AttemptID, CompleteRequest{TabSwitches: intPtr(5)})
	require.NoError(t, err)
	assert.True(t, out.Result.IsFlagged)
	assert.Equal(t, 5, out.Result.TabSwitches)
	assert.Contains(t, out.Result.FlagReason, "Multiple tab switches: 5")

	_, err = h.jobs.FindByAttemptID(h.ctx, s.AttemptID)
	assert.NoError(t, err)
}

func TestResultIsCachedAfterCompletion(t *testing.T) {
	h := newHarness(t)
	s := h.start(h.f.User.ID)

	_, err := h.results.Get(h.ctx, h.f.User.ID, s.AttemptID)
	assert.ErrorIs(t, err, util.ErrAttemptNotCompleted)

	out, err := h.completion.Complete(h.ctx, h.f.User.ID, s.AttemptID, CompleteRequest{
		Answers: []SaveAnswerRequest{{QuestionID: h.f.Questions[2].ID, Answer: "Yes"}},
	})
	require.NoError(t, err)
	assert.True(t, h.mr.Exists(resultKey(s.AttemptID)))

	got, err := h.results.Get(h.ctx, h.f.User.ID, s.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, out.Result.Score, got.Score)
	assert.Equal(t, "Capitals", got.TestTitle)

	_, err = h.results.Get(h.ctx, h.f.Other.ID, s.AttemptID)
	assert.ErrorIs(t, err, util.ErrAttemptNotFound)
}

func TestHeartbeatAndTouch(t *testing.T) {
	h := newHarness(t)
	s := h.start(h.f.User.ID)
	h.save(s.AttemptID, h.f.Questions[0].ID, "i")

	st, err := h.completion.Heartbeat(h.ctx, h.f.User.ID, s.AttemptID)
	require.NoError(t, err)
	assert.True(t, st.Alive)
	assert.EqualValues(t, 1, st.SavedAnswers)
	assert.False(t, st.IsExpired)
	assert.Nil(t, st.LastSeen)

	st, err = h.completion.Touch(h.ctx, h.f.User.ID, s.AttemptID)
	require.NoError(t, err)
	require.NotNil(t, st.LastSeen)
	assert.True(t, h.mr.Exists(heartbeatKey(s.AttemptID)))

	_, err = h.completion.Heartbeat(h.ctx, h.f.Other.ID, s.AttemptID)
	assert.ErrorIs(t, err, util.ErrAttemptNotFound)
}

func TestPolicyTable(t *testing.T) {
	settings := testSettings()

	strict := Policy(PolicyStrict, settings)
	assert.Equal(t, settings.NormalRetries, strict.MaxAttempts)
	assert.False(t, strict.Degrade)

	unauth := Policy(PolicyUnauthenticated, settings)
	assert.Equal(t, settings.EmergencyRetries, unauth.MaxAttempts)
	assert.True(t, unauth.MarkFlagged)
	assert.ErrorIs(t, unauth.OwnerMismatch, util.ErrPermissionDenied)

	expiry := Policy(PolicyExpiry, settings)
	assert.True(t, expiry.RequireExpired)
	assert.True(t, expiry.MarkFlagged)

	assert.Equal(t, PolicyStrict, Policy("unknown", settings).Name)
}
