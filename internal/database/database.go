package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"cvchapchap/internal/config"
	"cvchapchap/internal/preview"
)

// InitDatabase 打开 PostgreSQL 连接并设置连接池。
func InitDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrap db: %w", err)
	}

	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return db, nil
}

// Migrate 创建或更新全部数据表。
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&User{}, &Template{}, &CV{}, &CVRequest{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// TemplateStore 向预览渲染器提供已启用模板的正文。
type TemplateStore struct {
	db *gorm.DB
}

func NewTemplateStore(db *gorm.DB) *TemplateStore {
	return &TemplateStore{db: db}
}

func (s *TemplateStore) TemplateBody(ctx context.Context, slug string) (string, error) {
	var tpl Template
	err := s.db.WithContext(ctx).
		Select("body").
		Where("slug = ? AND is_active = ?", slug, true).
		First(&tpl).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", preview.ErrTemplateNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load template %q: %w", slug, err)
	}
	return tpl.Body, nil
}
