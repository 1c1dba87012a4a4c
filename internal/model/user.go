package model

type UserRole string

const (
	Candidate UserRole = "candidate"
	Admin     UserRole = "admin"
)

// User 由身份服务维护，本服务只读（登录校验、无鉴权紧急提交按邮箱查找）
// swagger:model User
type User struct {
	BaseModel
	Name     string   `gorm:"size:100;not null" json:"name"`
	Email    string   `gorm:"size:100;unique;not null" json:"email"`
	Password string   `gorm:"size:100;not null" json:"-"`
	Role     UserRole `gorm:"size:20;default:'candidate'" json:"role"`
	Disabled bool     `gorm:"default:false" json:"disabled"`
}

func (User) TableName() string {
	return "users"
}
