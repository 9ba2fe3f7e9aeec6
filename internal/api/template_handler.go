package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"cvchapchap/internal/api/middleware"
	"cvchapchap/internal/database"
	"cvchapchap/internal/preview"
	"cvchapchap/internal/request"
	"cvchapchap/internal/tasks"
)

// URLSigner 为对象 key 生成预签名链接，*storage.Client 满足该接口。
type URLSigner interface {
	GeneratePresignedURL(ctx context.Context, objectKey string, duration time.Duration) (string, error)
}

// TemplateHandler 提供模板列表以及管理员增删改。
type TemplateHandler struct {
	db       *gorm.DB
	enqueuer request.Enqueuer
	signer   URLSigner
}

func NewTemplateHandler(db *gorm.DB, enqueuer request.Enqueuer, signer URLSigner) *TemplateHandler {
	return &TemplateHandler{db: db, enqueuer: enqueuer, signer: signer}
}

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,62}$`)

type templateRequest struct {
	Slug            string `json:"slug"`
	Name            string `json:"name" binding:"required,max=128"`
	Description     string `json:"description" binding:"max=1024"`
	Body            string `json:"body" binding:"required"`
	PreviewImageURL string `json:"previewImageUrl" binding:"max=1024"`
	IsActive        *bool  `json:"isActive"`
}

type templateListItem struct {
	ID              uint   `json:"id,omitempty"`
	Slug            string `json:"slug"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	PreviewImageURL string `json:"previewImageUrl,omitempty"`
	Builtin         bool   `json:"builtin"`
}

type templateDetail struct {
	templateListItem
	Body      string    `json:"body,omitempty"`
	IsActive  bool      `json:"isActive"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

var builtinNames = map[string]string{
	"classic": "Classic",
	"modern":  "Modern",
	"minimal": "Minimal",
}

// GET /api/templates
// 先返回已启用的数据库模板，再补充未被同名 slug 覆盖的内置模板。
func (h *TemplateHandler) ListTemplates(c *gin.Context) {
	ctx := c.Request.Context()
	var rows []database.Template
	if err := h.db.WithContext(ctx).Where("is_active = ?", true).Order("name ASC").Find(&rows).Error; err != nil {
		middleware.LoggerFromContext(c).Error("list templates failed", slog.Any("error", err))
		Internal(c, "failed to list templates")
		return
	}

	items := make([]templateListItem, 0, len(rows)+len(preview.BuiltinIDs))
	seen := make(map[string]bool, len(rows))
	for _, t := range rows {
		seen[t.Slug] = true
		items = append(items, h.listItem(ctx, t))
	}
	for _, id := range preview.BuiltinIDs {
		if !seen[id] {
			items = append(items, templateListItem{Slug: id, Name: builtinNames[id], Builtin: true})
		}
	}
	c.JSON(http.StatusOK, items)
}

// GET /api/templates/:id 支持数字 ID 或 slug。
func (h *TemplateHandler) GetTemplate(c *gin.Context) {
	key := c.Param("id")
	t, err := h.find(c.Request.Context(), key)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if name, ok := builtinNames[key]; ok {
			c.JSON(http.StatusOK, templateDetail{
				templateListItem: templateListItem{Slug: key, Name: name, Builtin: true},
				IsActive:         true,
			})
			return
		}
		NotFound(c, "template not found")
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.detail(c.Request.Context(), *t))
}

// POST /api/templates
func (h *TemplateHandler) CreateTemplate(c *gin.Context) {
	var req templateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	req.Slug = strings.ToLower(strings.TrimSpace(req.Slug))
	if !slugPattern.MatchString(req.Slug) {
		BadRequest(c, "slug must be 2-63 lower-case letters, digits or dashes")
		return
	}
	if err := preview.ParseCustom(req.Body); err != nil {
		BadRequest(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	var count int64
	if err := h.db.WithContext(ctx).Model(&database.Template{}).Where("slug = ?", req.Slug).Count(&count).Error; err != nil {
		respondError(c, err)
		return
	}
	if count > 0 {
		Conflict(c, "slug already taken")
		return
	}

	model := database.Template{
		Slug:            req.Slug,
		Name:            req.Name,
		Description:     req.Description,
		Body:            req.Body,
		PreviewImageURL: req.PreviewImageURL,
		IsActive:        true,
	}
	if err := h.db.WithContext(ctx).Create(&model).Error; err != nil {
		respondError(c, err)
		return
	}
	// gorm 创建时忽略零值，停用的模板需要再写一次。
	if req.IsActive != nil && !*req.IsActive {
		if err := h.db.WithContext(ctx).Model(&model).Update("is_active", false).Error; err != nil {
			respondError(c, err)
			return
		}
		model.IsActive = false
	}

	h.enqueuePreview(c, model.ID)
	c.JSON(http.StatusCreated, h.detail(ctx, model))
}

// PUT /api/templates/:id
func (h *TemplateHandler) UpdateTemplate(c *gin.Context) {
	var req templateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	if err := preview.ParseCustom(req.Body); err != nil {
		BadRequest(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	t, err := h.find(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	updates := map[string]any{
		"name":              req.Name,
		"description":       req.Description,
		"body":              req.Body,
		"preview_image_url": req.PreviewImageURL,
	}
	if req.IsActive != nil {
		updates["is_active"] = *req.IsActive
	}
	if err := h.db.WithContext(ctx).Model(t).Updates(updates).Error; err != nil {
		respondError(c, err)
		return
	}
	if err := h.db.WithContext(ctx).First(t, t.ID).Error; err != nil {
		respondError(c, err)
		return
	}

	h.enqueuePreview(c, t.ID)
	c.JSON(http.StatusOK, h.detail(ctx, *t))
}

// DELETE /api/templates/:id
func (h *TemplateHandler) DeleteTemplate(c *gin.Context) {
	ctx := c.Request.Context()
	t, err := h.find(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.db.WithContext(ctx).Delete(t).Error; err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *TemplateHandler) find(ctx context.Context, key string) (*database.Template, error) {
	var t database.Template
	q := h.db.WithContext(ctx)
	var err error
	if id, perr := strconv.ParseUint(key, 10, 64); perr == nil && id > 0 {
		err = q.First(&t, uint(id)).Error
	} else {
		err = q.Where("slug = ?", key).First(&t).Error
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (h *TemplateHandler) enqueuePreview(c *gin.Context, id uint) {
	if h.enqueuer == nil {
		return
	}
	log := middleware.LoggerFromContext(c)
	task, err := tasks.NewTemplatePreviewTask(id, middleware.GetCorrelationID(c))
	if err != nil {
		log.Error("build template preview task failed", slog.Any("error", err))
		return
	}
	if _, err := h.enqueuer.EnqueueContext(c.Request.Context(), task); err != nil {
		log.Warn("enqueue template preview failed", slog.Any("error", err))
	}
}

func (h *TemplateHandler) listItem(ctx context.Context, t database.Template) templateListItem {
	item := templateListItem{
		ID:              t.ID,
		Slug:            t.Slug,
		Name:            t.Name,
		Description:     t.Description,
		PreviewImageURL: t.PreviewImageURL,
	}
	if t.PreviewObjectKey != "" && h.signer != nil {
		if url, err := h.signer.GeneratePresignedURL(ctx, t.PreviewObjectKey, 24*time.Hour); err == nil {
			item.PreviewImageURL = url
		}
	}
	return item
}

func (h *TemplateHandler) detail(ctx context.Context, t database.Template) templateDetail {
	return templateDetail{
		templateListItem: h.listItem(ctx, t),
		Body:             t.Body,
		IsActive:         t.IsActive,
		UpdatedAt:        t.UpdatedAt,
	}
}
