package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
)

type QuestionType string

const (
	QuestionMCQ             QuestionType = "mcq"
	QuestionTextAnnotation  QuestionType = "text_annotation"
	QuestionImageAnnotation QuestionType = "image_annotation"
	QuestionVideoAnnotation QuestionType = "video_annotation"
)

// Option 选择题选项，id 在同一道题内唯一
type Option struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// OptionList 是题目选项的 JSON 列，读取时统一校验一次。
// 历史数据中存在纯字符串数组，此时 id 与 text 相同。
type OptionList []Option

var ErrInvalidOptions = errors.New("invalid question options")

func ParseOptions(raw []byte) (OptionList, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return OptionList{}, nil
	}

	var opts []Option
	if err := json.Unmarshal(raw, &opts); err != nil {
		var plain []string
		if err2 := json.Unmarshal(raw, &plain); err2 != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
		}
		opts = make([]Option, 0, len(plain))
		for _, p := range plain {
			opts = append(opts, Option{ID: p, Text: p})
		}
	}

	seen := make(map[string]struct{}, len(opts))
	for _, o := range opts {
		if o.ID == "" {
			return nil, fmt.Errorf("%w: empty option id", ErrInvalidOptions)
		}
		if _, dup := seen[o.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate option id %q", ErrInvalidOptions, o.ID)
		}
		seen[o.ID] = struct{}{}
	}
	return OptionList(opts), nil
}

func (o *OptionList) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*o = OptionList{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("%w: unsupported column type %T", ErrInvalidOptions, value)
	}
	parsed, err := ParseOptions(raw)
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

func (o OptionList) Value() (driver.Value, error) {
	if o == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]Option(o))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (OptionList) GormDataType() string {
	return "json"
}

// TextOf 返回选项 id 对应的文本，找不到时原样返回
func (o OptionList) TextOf(id string) string {
	for _, opt := range o {
		if opt.ID == id {
			return opt.Text
		}
	}
	return id
}

// swagger:model Question
type Question struct {
	BaseModel
	SectionID     *uint        `gorm:"index;type:bigint unsigned" json:"sectionId,omitempty"`
	QuestionType  QuestionType `gorm:"size:50;not null;default:'mcq'" json:"questionType"`
	QuestionText  string       `gorm:"type:text;not null" json:"questionText"`
	Options       OptionList   `json:"options"`
	CorrectAnswer string       `gorm:"size:500" json:"-"`
	Marks         float64      `gorm:"default:1" json:"marks"`
	IsActive      bool         `gorm:"not null" json:"isActive"`
}

func (Question) TableName() string {
	return "questions"
}

func (q *Question) IsMCQ() bool {
	return q.QuestionType == QuestionMCQ
}
