package grading

import (
	"sort"

	"assessment_backend/internal/model"
)

// GeneralSectionTitle 未归属任何分区的题目统一记在该分区下
const GeneralSectionTitle = "General"

// EvaluationInput 判分所需的全部输入，由调用方一次性加载
type EvaluationInput struct {
	// Questions 试卷题目，按出题顺序
	Questions []model.Question
	// Extra 已作答但不在试卷中的题目（例如已从试卷移除），按 id 查找
	Extra map[uint]model.Question
	// Sections 分区 id -> 标题
	Sections map[uint]string
	Stored   []model.UserAnswer
	// Inline 提交时附带的答案，按题目 id 覆盖已保存的答案
	Inline       map[uint]string
	TotalMarks   float64
	PassingMarks float64
	// UseStoredMarks 为 true 时不重新判分，直接使用已保存的 is_correct / marks_obtained（Inline 被忽略）
	UseStoredMarks bool
}

type QuestionResult struct {
	QuestionID    uint    `json:"questionId"`
	SectionID     uint    `json:"sectionId"`
	Answer        string  `json:"answer"`
	Answered      bool    `json:"answered"`
	IsCorrect     bool    `json:"isCorrect"`
	AutoScored    bool    `json:"autoScored"`
	MarksObtained float64 `json:"marksObtained"`
	MaxMarks      float64 `json:"maxMarks"`
	Known         bool    `json:"known"`
}

type SectionResult struct {
	SectionID uint    `json:"sectionId"`
	Title     string  `json:"title"`
	Score     float64 `json:"score"`
	MaxMarks  float64 `json:"maxMarks"`
	Total     int     `json:"total"`
	Answered  int     `json:"answered"`
	Correct   int     `json:"correct"`
}

type Evaluation struct {
	Score      float64          `json:"score"`
	TotalMarks float64          `json:"totalMarks"`
	Percentage float64          `json:"percentage"`
	Passed     bool             `json:"passed"`
	Sections   []SectionResult  `json:"sections"`
	Questions  []QuestionResult `json:"questions"`
}

// Evaluate 对一次答题的全部答案判分。
// 相同输入总是得到相同输出：先按试卷顺序遍历题目，再按 id 升序遍历试卷外的已答题目。
func Evaluate(in EvaluationInput) Evaluation {
	answers := make(map[uint]string, len(in.Stored)+len(in.Inline))
	stored := make(map[uint]*model.UserAnswer, len(in.Stored))
	for i := range in.Stored {
		a := &in.Stored[i]
		answers[a.QuestionID] = a.AnswerText
		stored[a.QuestionID] = a
	}
	if !in.UseStoredMarks {
		for qid, v := range in.Inline {
			answers[qid] = v
		}
	}

	order := make([]uint, 0, len(in.Questions)+len(answers))
	byID := make(map[uint]*model.Question, len(in.Questions)+len(in.Extra))
	for i := range in.Questions {
		q := &in.Questions[i]
		if _, dup := byID[q.ID]; dup {
			continue
		}
		byID[q.ID] = q
		order = append(order, q.ID)
	}

	var unknown []uint
	for qid := range answers {
		if _, ok := byID[qid]; !ok {
			unknown = append(unknown, qid)
		}
	}
	sort.Slice(unknown, func(i, j int) bool { return unknown[i] < unknown[j] })
	for _, qid := range unknown {
		if q, ok := in.Extra[qid]; ok {
			q := q
			byID[qid] = &q
		}
		order = append(order, qid)
	}

	ev := Evaluation{TotalMarks: in.TotalMarks}
	sectionIdx := make(map[uint]int)

	for _, qid := range order {
		q := byID[qid]
		raw, answered := answers[qid]
		answered = answered && raw != ""

		res := QuestionResult{QuestionID: qid, Answered: answered, Known: q != nil}
		if q != nil {
			res.MaxMarks = q.Marks
			if q.SectionID != nil {
				res.SectionID = *q.SectionID
			}
		}
		switch {
		case answered && in.UseStoredMarks:
			st := stored[qid]
			res.Answer = st.AnswerText
			res.AutoScored = st.IsCorrect != nil
			res.IsCorrect = st.IsCorrect != nil && *st.IsCorrect
			res.MarksObtained = st.MarksObtained
		case answered:
			res.Answer = NormalizeFor(q, raw)
			res.IsCorrect, res.MarksObtained, res.AutoScored = Check(q, res.Answer)
		}

		idx, ok := sectionIdx[res.SectionID]
		if !ok {
			title := in.Sections[res.SectionID]
			if title == "" {
				title = GeneralSectionTitle
			}
			ev.Sections = append(ev.Sections, SectionResult{SectionID: res.SectionID, Title: title})
			idx = len(ev.Sections) - 1
			sectionIdx[res.SectionID] = idx
		}
		sec := &ev.Sections[idx]
		sec.Total++
		sec.MaxMarks += res.MaxMarks
		sec.Score += res.MarksObtained
		if answered {
			sec.Answered++
		}
		if res.IsCorrect {
			sec.Correct++
		}

		ev.Score += res.MarksObtained
		ev.Questions = append(ev.Questions, res)
	}

	if in.TotalMarks > 0 {
		ev.Percentage = ev.Score / in.TotalMarks * 100
		ev.Passed = ev.Score >= in.PassingMarks
	}
	return ev
}

// FromStoredMarks 应急降级：题库不可用时直接累加已缓存的 marks_obtained
func FromStoredMarks(stored []model.UserAnswer, totalMarks, passingMarks float64) Evaluation {
	sorted := make([]model.UserAnswer, len(stored))
	copy(sorted, stored)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].QuestionID < sorted[j].QuestionID })

	ev := Evaluation{TotalMarks: totalMarks}
	general := SectionResult{Title: GeneralSectionTitle}
	for _, a := range sorted {
		correct := a.IsCorrect != nil && *a.IsCorrect
		ev.Questions = append(ev.Questions, QuestionResult{
			QuestionID:    a.QuestionID,
			Answer:        a.AnswerText,
			Answered:      a.AnswerText != "",
			IsCorrect:     correct,
			AutoScored:    a.IsCorrect != nil,
			MarksObtained: a.MarksObtained,
		})
		general.Total++
		if a.AnswerText != "" {
			general.Answered++
		}
		if correct {
			general.Correct++
		}
		general.Score += a.MarksObtained
		ev.Score += a.MarksObtained
	}
	general.MaxMarks = totalMarks
	ev.Sections = []SectionResult{general}
	if totalMarks > 0 {
		ev.Percentage = ev.Score / totalMarks * 100
		ev.Passed = ev.Score >= passingMarks
	}
	return ev
}

// DefaultTotals 返回快照用的总分与及格分
func DefaultTotals(test *model.Test, questions []model.Question, passingRatio float64) (total, passing float64) {
	total = test.TotalMarks
	if total <= 0 {
		for _, q := range questions {
			total += q.Marks
		}
	}
	passing = test.PassingMarks
	if passing <= 0 {
		passing = total * passingRatio
	}
	return total, passing
}
