// Package grading 实现答案归一化与客观题判分，纯函数、无 I/O。
package grading

import "assessment_backend/internal/model"

// Normalize 将客户端提交的值（选项 id 或选项文本）映射为规范的选项 id。
// 先按 id 精确匹配，再按文本精确匹配，都不命中时原样返回（按错误答案计分，不拒绝）。
func Normalize(options model.OptionList, value string) string {
	if len(options) == 0 || value == "" {
		return value
	}
	for _, opt := range options {
		if opt.ID == value {
			return value
		}
	}
	for _, opt := range options {
		if opt.Text == value {
			return opt.ID
		}
	}
	return value
}

// NormalizeFor 仅对选择题做归一化，其他题型保留原值
func NormalizeFor(q *model.Question, value string) string {
	if q == nil || !q.IsMCQ() {
		return value
	}
	return Normalize(q.Options, value)
}

// Check 判断单题是否正确以及得分。非选择题或缺少标准答案时 scored=false。
func Check(q *model.Question, canonical string) (correct bool, marks float64, scored bool) {
	if q == nil || !q.IsMCQ() || q.CorrectAnswer == "" {
		return false, 0, false
	}
	if canonical != "" && canonical == q.CorrectAnswer {
		return true, q.Marks, true
	}
	return false, 0, true
}
