package grading

import (
	"testing"

	"assessment_backend/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mcq(id uint, section *uint, correct string, marks float64, opts ...model.Option) model.Question {
	q := model.Question{
		SectionID:     section,
		QuestionType:  model.QuestionMCQ,
		Options:       opts,
		CorrectAnswer: correct,
		Marks:         marks,
		IsActive:      true,
	}
	q.ID = id
	return q
}

func uptr(v uint) *uint { return &v }

var capitals = model.OptionList{{ID: "i", Text: "Paris"}, {ID: "ii", Text: "Lyon"}}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		opts  model.OptionList
		value string
		want  string
	}{
		{name: "id match", opts: capitals, value: "ii", want: "ii"},
		{name: "text match", opts: capitals, value: "Paris", want: "i"},
		{name: "no match", opts: capitals, value: "Marseille", want: "Marseille"},
		{name: "empty value", opts: capitals, value: "", want: ""},
		{name: "empty options", opts: nil, value: "Paris", want: "Paris"},
		{name: "id wins over text", opts: model.OptionList{{ID: "a", Text: "b"}, {ID: "b", Text: "c"}}, value: "b", want: "b"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Normalize(tc.opts, tc.value)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, got, Normalize(tc.opts, got), "normalize must be idempotent")
		})
	}
}

func TestNormalizeResultIsOptionIDWhenMatched(t *testing.T) {
	for _, opt := range capitals {
		for _, v := range []string{opt.ID, opt.Text} {
			got := Normalize(capitals, v)
			assert.Equal(t, opt.ID, got)
		}
	}
}

func TestEvaluateTextAnswerScored(t *testing.T) {
	q := mcq(1, nil, "i", 1, capitals...)
	ev := Evaluate(EvaluationInput{
		Questions:    []model.Question{q},
		Stored:       []model.UserAnswer{{QuestionID: 1, AnswerText: "Paris"}},
		TotalMarks:   1,
		PassingMarks: 0.5,
	})

	assert.Equal(t, 1.0, ev.Score)
	assert.Equal(t, 100.0, ev.Percentage)
	assert.True(t, ev.Passed)
	require.Len(t, ev.Questions, 1)
	assert.Equal(t, "i", ev.Questions[0].Answer)
	assert.True(t, ev.Questions[0].IsCorrect)
}

func TestEvaluateWrongAnswer(t *testing.T) {
	q := mcq(1, nil, "i", 1, capitals...)
	ev := Evaluate(EvaluationInput{
		Questions:    []model.Question{q},
		Stored:       []model.UserAnswer{{QuestionID: 1, AnswerText: "Lyon"}},
		TotalMarks:   1,
		PassingMarks: 0.5,
	})
	assert.Zero(t, ev.Score)
	assert.Zero(t, ev.Percentage)
	assert.False(t, ev.Passed)
	assert.False(t, ev.Questions[0].IsCorrect)
}

func TestEvaluateZeroTotal(t *testing.T) {
	ev := Evaluate(EvaluationInput{TotalMarks: 0})
	assert.Zero(t, ev.Percentage)
	assert.False(t, ev.Passed)
}

func TestEvaluateSectionsAndUnanswered(t *testing.T) {
	english, logic := uptr(10), uptr(20)
	qs := []model.Question{
		mcq(1, english, "a", 2, model.Option{ID: "a", Text: "A"}, model.Option{ID: "b", Text: "B"}),
		mcq(2, logic, "b", 3, model.Option{ID: "a", Text: "A"}, model.Option{ID: "b", Text: "B"}),
		mcq(3, nil, "a", 1, model.Option{ID: "a", Text: "A"}),
	}
	ev := Evaluate(EvaluationInput{
		Questions:    qs,
		Sections:     map[uint]string{10: "English", 20: "Logical"},
		Stored:       []model.UserAnswer{{QuestionID: 1, AnswerText: "A"}, {QuestionID: 2, AnswerText: "a"}},
		TotalMarks:   6,
		PassingMarks: 3,
	})

	assert.Equal(t, 2.0, ev.Score)
	assert.False(t, ev.Passed)
	require.Len(t, ev.Sections, 3)
	assert.Equal(t, SectionResult{SectionID: 10, Title: "English", Score: 2, MaxMarks: 2, Total: 1, Answered: 1, Correct: 1}, ev.Sections[0])
	assert.Equal(t, SectionResult{SectionID: 20, Title: "Logical", Score: 0, MaxMarks: 3, Total: 1, Answered: 1}, ev.Sections[1])
	assert.Equal(t, GeneralSectionTitle, ev.Sections[2].Title)

	unanswered := ev.Questions[2]
	assert.False(t, unanswered.Answered)
	assert.False(t, unanswered.IsCorrect)
	assert.Zero(t, unanswered.MarksObtained)
}

func TestEvaluateInlineOverridesStored(t *testing.T) {
	q := mcq(1, nil, "i", 1, capitals...)
	ev := Evaluate(EvaluationInput{
		Questions:  []model.Question{q},
		Stored:     []model.UserAnswer{{QuestionID: 1, AnswerText: "ii"}},
		Inline:     map[uint]string{1: "Paris"},
		TotalMarks: 1,
	})
	assert.Equal(t, 1.0, ev.Score)
	assert.Equal(t, "i", ev.Questions[0].Answer)
}

func TestEvaluateUnknownQuestionScoresZero(t *testing.T) {
	q := mcq(1, nil, "i", 1, capitals...)
	ev := Evaluate(EvaluationInput{
		Questions: []model.Question{q},
		Stored: []model.UserAnswer{
			{QuestionID: 99, AnswerText: "i"},
			{QuestionID: 42, AnswerText: "i"},
			{QuestionID: 1, AnswerText: "i"},
		},
		TotalMarks: 1,
	})
	require.Len(t, ev.Questions, 3)
	assert.Equal(t, []uint{1, 42, 99}, []uint{ev.Questions[0].QuestionID, ev.Questions[1].QuestionID, ev.Questions[2].QuestionID})
	assert.False(t, ev.Questions[1].Known)
	assert.Zero(t, ev.Questions[2].MarksObtained)
	assert.Equal(t, 1.0, ev.Score)
}

func TestEvaluateNonMCQNotScored(t *testing.T) {
	q := model.Question{QuestionType: model.QuestionTextAnnotation, Marks: 5}
	q.ID = 7
	ev := Evaluate(EvaluationInput{
		Questions:  []model.Question{q},
		Stored:     []model.UserAnswer{{QuestionID: 7, AnswerText: model.FileAnswer("http://x/y.png")}},
		TotalMarks: 5,
	})
	assert.Zero(t, ev.Score)
	assert.True(t, ev.Questions[0].Answered)
	assert.False(t, ev.Questions[0].AutoScored)
}

func TestEvaluateDeterministic(t *testing.T) {
	qs := []model.Question{
		mcq(3, uptr(1), "a", 0.1, model.Option{ID: "a", Text: "A"}),
		mcq(1, uptr(2), "a", 0.2, model.Option{ID: "a", Text: "A"}),
		mcq(2, uptr(1), "a", 0.7, model.Option{ID: "a", Text: "A"}),
	}
	in := EvaluationInput{
		Questions: qs,
		Stored: []model.UserAnswer{
			{QuestionID: 1, AnswerText: "a"}, {QuestionID: 2, AnswerText: "A"}, {QuestionID: 3, AnswerText: "a"},
			{QuestionID: 8, AnswerText: "x"}, {QuestionID: 5, AnswerText: "y"},
		},
		TotalMarks:   1,
		PassingMarks: 0.5,
	}
	first := Evaluate(in)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Evaluate(in))
	}
}

func TestFromStoredMarks(t *testing.T) {
	yes, no := true, false
	ev := FromStoredMarks([]model.UserAnswer{
		{QuestionID: 2, AnswerText: "b", IsCorrect: &no},
		{QuestionID: 1, AnswerText: "a", IsCorrect: &yes, MarksObtained: 2},
	}, 4, 2)
	assert.Equal(t, 2.0, ev.Score)
	assert.Equal(t, 50.0, ev.Percentage)
	assert.True(t, ev.Passed)
	assert.Equal(t, uint(1), ev.Questions[0].QuestionID)
}

func TestDefaultTotals(t *testing.T) {
	qs := []model.Question{mcq(1, nil, "a", 2), mcq(2, nil, "a", 3)}

	total, passing := DefaultTotals(&model.Test{}, qs, 0.5)
	assert.Equal(t, 5.0, total)
	assert.Equal(t, 2.5, passing)

	total, passing = DefaultTotals(&model.Test{TotalMarks: 10, PassingMarks: 7}, qs, 0.5)
	assert.Equal(t, 10.0, total)
	assert.Equal(t, 7.0, passing)
}

func TestEvaluateUseStoredMarks(t *testing.T) {
	q := mcq(1, nil, "i", 1, capitals...)
	no := false
	ev := Evaluate(EvaluationInput{
		Questions:      []model.Question{q},
		Stored:         []model.UserAnswer{{QuestionID: 1, AnswerText: "i", IsCorrect: &no, MarksObtained: 0}},
		Inline:         map[uint]string{1: "i"},
		TotalMarks:     1,
		UseStoredMarks: true,
	})
	assert.Zero(t, ev.Score, "stored marks are reported as is")
	assert.False(t, ev.Questions[0].IsCorrect)
	assert.True(t, ev.Questions[0].AutoScored)
}
