// Package testutil 为仓储与服务测试提供内存 sqlite 库和基础数据
package testutil

import (
	"testing"

	"assessment_backend/internal/model"
	"assessment_backend/pkg/database"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB 每个测试独立的内存库。只保留一个连接，事务内不要再使用基础连接。
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

type Fixture struct {
	User      model.User
	Other     model.User
	Test      model.Test
	Sections  []model.Section
	Questions []model.Question
}

// Seed 创建两个候选人和一张三道选择题的试卷（总分 4，English 两题、Logical 一题）
func Seed(t testing.TB, db *gorm.DB) *Fixture {
	t.Helper()
	f := &Fixture{
		User:  model.User{Name: "Alice", Email: "alice@example.com", Password: "x", Role: model.Candidate},
		Other: model.User{Name: "Bob", Email: "bob@example.com", Password: "x", Role: model.Candidate},
		Test: model.Test{
			Title:                    "Capitals",
			DurationMinutes:          30,
			IsActive:                 true,
			IsPublished:              true,
			EnableTabSwitchDetection: true,
		},
	}
	require.NoError(t, db.Create(&f.User).Error)
	require.NoError(t, db.Create(&f.Other).Error)
	require.NoError(t, db.Create(&f.Test).Error)

	f.Sections = []model.Section{
		{TestID: f.Test.ID, Title: "English", Order: 1},
		{TestID: f.Test.ID, Title: "Logical", Order: 2},
	}
	require.NoError(t, db.Create(&f.Sections).Error)

	english, logical := f.Sections[0].ID, f.Sections[1].ID
	f.Questions = []model.Question{
		{
			SectionID:     &english,
			QuestionType:  model.QuestionMCQ,
			QuestionText:  "Capital of France?",
			Options:       model.OptionList{{ID: "i", Text: "Paris"}, {ID: "ii", Text: "Lyon"}},
			CorrectAnswer: "i",
			Marks:         1,
			IsActive:      true,
		},
		{
			SectionID:     &english,
			QuestionType:  model.QuestionMCQ,
			QuestionText:  "2 + 2 = ?",
			Options:       model.OptionList{{ID: "a", Text: "3"}, {ID: "b", Text: "4"}},
			CorrectAnswer: "b",
			Marks:         1,
			IsActive:      true,
		},
		{
			SectionID:     &logical,
			QuestionType:  model.QuestionMCQ,
			QuestionText:  "All cats are animals. Tom is a cat. Is Tom an animal?",
			Options:       model.OptionList{{ID: "x", Text: "Yes"}, {ID: "y", Text: "No"}},
			CorrectAnswer: "x",
			Marks:         2,
			IsActive:      true,
		},
	}
	require.NoError(t, db.Create(&f.Questions).Error)

	for i, q := range f.Questions {
		require.NoError(t, db.Create(&model.TestQuestion{TestID: f.Test.ID, QuestionID: q.ID, Order: i + 1}).Error)
	}
	return f
}

// QuestionIDs 按出题顺序
func (f *Fixture) QuestionIDs() []uint {
	ids := make([]uint, len(f.Questions))
	for i, q := range f.Questions {
		ids[i] = q.ID
	}
	return ids
}
