package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"gorm.io/gorm"

	"cvchapchap/internal/database"
	"cvchapchap/internal/pdf"
	"cvchapchap/internal/preview"
	"cvchapchap/internal/tasks"
)

// ObjectWriter 保存缩略图，*storage.Client 满足该接口。
type ObjectWriter interface {
	PutBytes(ctx context.Context, key string, data []byte, contentType string) error
}

// TemplatePreviewHandler 使用示例数据渲染模板并保存缩略图。
type TemplatePreviewHandler struct {
	db       *gorm.DB
	renderer *preview.Renderer
	browser  pdf.Renderer
	objects  ObjectWriter
	logger   *slog.Logger
}

func NewTemplatePreviewHandler(
	db *gorm.DB,
	renderer *preview.Renderer,
	browser pdf.Renderer,
	objects ObjectWriter,
	logger *slog.Logger,
) *TemplatePreviewHandler {
	return &TemplatePreviewHandler{
		db:       db,
		renderer: renderer,
		browser:  browser,
		objects:  objects,
		logger:   logger,
	}
}

const previewQuality = 80

// ThumbnailKey 返回模板缩略图的对象 key。
func ThumbnailKey(templateID uint) string {
	return fmt.Sprintf("thumbnails/template/%d/preview.jpg", templateID)
}

func (h *TemplatePreviewHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	log := h.logger

	var payload tasks.TemplatePreviewPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		log.Error("unmarshal template preview payload failed", slog.Any("error", err))
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	log = log.With(
		slog.Int("template_id", int(payload.TemplateID)),
		slog.String("correlation_id", payload.CorrelationID),
	)
	log.Info("starting template preview generation")

	var tmpl database.Template
	if err := h.db.WithContext(ctx).First(&tmpl, payload.TemplateID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warn("template not found, skipping task")
			return nil
		}
		log.Error("query template failed", slog.Any("error", err))
		return err
	}

	res := h.renderer.Render(ctx, preview.Input{Data: preview.SampleData(), TemplateID: tmpl.Slug})
	if res.Fallback {
		log.Warn("template rendered as fallback card", slog.Any("warnings", res.Warnings))
	}

	shot, err := h.browser.Screenshot(ctx, res.HTML, previewQuality)
	if err != nil {
		log.Error("capture template screenshot failed", slog.Any("error", err))
		return err
	}

	key := ThumbnailKey(tmpl.ID)
	if err := h.objects.PutBytes(ctx, key, shot, "image/jpeg"); err != nil {
		log.Error("upload template preview failed", slog.Any("error", err))
		return err
	}

	if err := h.db.WithContext(ctx).Model(&tmpl).Update("preview_object_key", key).Error; err != nil {
		log.Error("update template preview key failed", slog.Any("error", err))
		return err
	}

	log.Info("template preview generated")
	return nil
}
