package database

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// User 管理模板的管理员账号。
type User struct {
	gorm.Model
	Username           string `gorm:"uniqueIndex;size:64"`
	PasswordHash       string `gorm:"size:255"`
	MustChangePassword bool   `gorm:"default:false"`
}

// Template 管理员维护的 CV 模板，客户端按 Slug 选择。
type Template struct {
	gorm.Model
	Slug             string `gorm:"uniqueIndex;size:64"`
	Name             string `gorm:"size:255"`
	Description      string `gorm:"size:1024"`
	Body             string `gorm:"type:text"` // html/template 源码
	PreviewImageURL  string `gorm:"size:1024"`
	PreviewObjectKey string `gorm:"size:512"`
	IsActive         bool   `gorm:"default:true"`
}

// CV 已保存的简历。
type CV struct {
	gorm.Model
	PublicID   string         `gorm:"uniqueIndex;size:36"`
	Title      string         `gorm:"size:255"`
	TemplateID string         `gorm:"size:64"`
	Content    datatypes.JSON `gorm:"type:jsonb"`
	Session    string         `gorm:"index;size:64"`
}

// CVRequest 记录一次付费下载，从发起到生成 PDF。
type CVRequest struct {
	ID            string         `gorm:"primaryKey;size:36"`
	Session       string         `gorm:"index;size:64"`
	TemplateID    string         `gorm:"size:64"`
	Status        string         `gorm:"index;size:32"`
	ExternalRef   string         `gorm:"index;size:128"`
	PhoneNumber   string         `gorm:"size:32"`
	Amount        int            `gorm:"not null"`
	Currency      string         `gorm:"size:8"`
	CVData        datatypes.JSON `gorm:"type:jsonb"`
	TransactionID string         `gorm:"index;size:32"`
	SenderPhone   string         `gorm:"size:32"`
	Channel       string         `gorm:"size:32"`
	PDFObjectKey  string         `gorm:"size:512"`
	PDFSource     string         `gorm:"size:32"`
	FailureReason string         `gorm:"size:1024"`
	PaidAt        *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
