package model

// swagger:model Test
type Test struct {
	BaseModel
	Title                     string  `gorm:"size:255;not null" json:"title"`
	Description               string  `gorm:"size:1000" json:"description"`
	DurationMinutes           int     `gorm:"default:60" json:"durationMinutes"`
	TotalMarks                float64 `gorm:"default:0" json:"totalMarks"`   // 0 表示按题目分值求和
	PassingMarks              float64 `gorm:"default:0" json:"passingMarks"` // 0 表示按及格比例计算
	IsActive                  bool    `gorm:"not null" json:"isActive"`
	IsPublished               bool    `gorm:"default:false" json:"isPublished"`
	EnableTabSwitchDetection  bool    `gorm:"not null" json:"enableTabSwitchDetection"`
	MaxTabSwitchesAllowed     int     `gorm:"default:0" json:"maxTabSwitchesAllowed"`
	MaxFullscreenExitsAllowed int     `gorm:"default:0" json:"maxFullscreenExitsAllowed"`
}

func (Test) TableName() string {
	return "tests"
}

// Section 试卷分区（例如 English / Logical）
type Section struct {
	BaseModel
	TestID uint   `gorm:"index;type:bigint unsigned" json:"testId"`
	Title  string `gorm:"size:255;not null" json:"title"`
	Order  int    `gorm:"column:sort_order;default:0" json:"order"`
}

func (Section) TableName() string {
	return "sections"
}

// TestQuestion 试卷与题目的关联及顺序
type TestQuestion struct {
	BaseModel
	TestID     uint `gorm:"uniqueIndex:idx_test_question;type:bigint unsigned" json:"testId"`
	QuestionID uint `gorm:"uniqueIndex:idx_test_question;type:bigint unsigned" json:"questionId"`
	Order      int  `gorm:"column:sort_order;default:0" json:"order"`
}

func (TestQuestion) TableName() string {
	return "test_questions"
}
