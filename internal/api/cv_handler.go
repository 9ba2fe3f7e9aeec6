package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"cvchapchap/internal/api/middleware"
	"cvchapchap/internal/cv"
	"cvchapchap/internal/database"
	"cvchapchap/internal/preview"
	"cvchapchap/internal/request"
)

// CVHandler 保存具名简历，并渲染已保存和未保存数据的预览
type CVHandler struct {
	db       *gorm.DB
	renderer *preview.Renderer
	chain    *request.Chain
}

func NewCVHandler(db *gorm.DB, renderer *preview.Renderer, chain *request.Chain) *CVHandler {
	return &CVHandler{db: db, renderer: renderer, chain: chain}
}

type cvRequest struct {
	Title      string          `json:"title" binding:"max=255"`
	TemplateID string          `json:"templateId" binding:"max=64"`
	Session    string          `json:"session" binding:"max=64"`
	Data       json.RawMessage `json:"data"`
}

type cvResponse struct {
	ID         string        `json:"id"`
	Title      string        `json:"title"`
	TemplateID string        `json:"templateId"`
	Data       cv.CVFormData `json:"data"`
	CreatedAt  time.Time     `json:"createdAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
}

// decodeCVData 校验 raw 的结构并解码，空输入视为空白简历
func decodeCVData(raw json.RawMessage) (cv.CVFormData, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return cv.New(), nil
	}
	if err := cv.ValidateDraftJSON(raw); err != nil {
		return cv.CVFormData{}, err
	}
	var data cv.CVFormData
	if err := json.Unmarshal(raw, &data); err != nil {
		return cv.CVFormData{}, &cv.ValidationError{Field: "data", Message: err.Error()}
	}
	return data, nil
}

func toCVResponse(m database.CV) (cvResponse, error) {
	var data cv.CVFormData
	if len(m.Content) > 0 {
		if err := json.Unmarshal(m.Content, &data); err != nil {
			return cvResponse{}, err
		}
	} else {
		data = cv.New()
	}
	return cvResponse{
		ID:         m.PublicID,
		Title:      m.Title,
		TemplateID: m.TemplateID,
		Data:       data,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}, nil
}

// POST /api/cv
func (h *CVHandler) CreateCV(c *gin.Context) {
	var req cvRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	data, err := decodeCVData(req.Data)
	if err != nil {
		respondError(c, err)
		return
	}
	content, err := json.Marshal(data)
	if err != nil {
		respondError(c, err)
		return
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = data.PersonalInfo.FullName()
	}
	model := database.CV{
		PublicID:   uuid.NewString(),
		Title:      title,
		TemplateID: req.TemplateID,
		Session:    req.Session,
		Content:    datatypes.JSON(content),
	}
	if err := h.db.WithContext(c.Request.Context()).Create(&model).Error; err != nil {
		respondError(c, err)
		return
	}
	middleware.LoggerFromContext(c).Info("cv created", slog.String("cv_id", model.PublicID))
	h.reply(c, http.StatusCreated, model)
}

// GET /api/cv/:id
func (h *CVHandler) GetCV(c *gin.Context) {
	model, ok := h.load(c)
	if !ok {
		return
	}
	h.reply(c, http.StatusOK, *model)
}

// PUT /api/cv/:id
func (h *CVHandler) UpdateCV(c *gin.Context) {
	var req cvRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	model, ok := h.load(c)
	if !ok {
		return
	}

	updates := map[string]any{}
	if req.Data != nil {
		data, err := decodeCVData(req.Data)
		if err != nil {
			respondError(c, err)
			return
		}
		content, err := json.Marshal(data)
		if err != nil {
			respondError(c, err)
			return
		}
		updates["content"] = datatypes.JSON(content)
	}
	if t := strings.TrimSpace(req.Title); t != "" {
		updates["title"] = t
	}
	if req.TemplateID != "" {
		updates["template_id"] = req.TemplateID
	}
	if len(updates) == 0 {
		BadRequest(c, "nothing to update")
		return
	}

	ctx := c.Request.Context()
	if err := h.db.WithContext(ctx).Model(model).Updates(updates).Error; err != nil {
		respondError(c, err)
		return
	}
	if err := h.db.WithContext(ctx).First(model, model.ID).Error; err != nil {
		respondError(c, err)
		return
	}
	h.reply(c, http.StatusOK, *model)
}

// DELETE /api/cv/:id
func (h *CVHandler) DeleteCV(c *gin.Context) {
	model, ok := h.load(c)
	if !ok {
		return
	}
	if err := h.db.WithContext(c.Request.Context()).Delete(model).Error; err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// POST /api/cv/:id/preview 返回不经付费阶段的无水印预览 PDF
func (h *CVHandler) PreviewPDF(c *gin.Context) {
	model, ok := h.load(c)
	if !ok {
		return
	}
	resp, err := toCVResponse(*model)
	if err != nil {
		respondError(c, err)
		return
	}
	templateID := firstNonBlank(c.Query("template"), model.TemplateID)
	doc := h.chain.Preview(c.Request.Context(), resp.Data, templateID, model.Session)
	writePDF(c, request.Filename(resp.Data), doc.Source, doc.Data, "inline")
}

// GET /api/cv/:id/html-preview
func (h *CVHandler) HTMLPreview(c *gin.Context) {
	model, ok := h.load(c)
	if !ok {
		return
	}
	resp, err := toCVResponse(*model)
	if err != nil {
		respondError(c, err)
		return
	}
	res := h.renderer.Render(c.Request.Context(), preview.Input{
		Data:       resp.Data,
		TemplateID: firstNonBlank(c.Query("template"), model.TemplateID),
		Session:    model.Session,
	})
	writePreview(c, res)
}

type htmlPreviewRequest struct {
	Data       json.RawMessage `json:"data"`
	TemplateID string          `json:"templateId"`
	Session    string          `json:"session"`
}

// POST /api/cv/html-preview 渲染未保存的数据
func (h *CVHandler) HTMLPreviewUnsaved(c *gin.Context) {
	var req htmlPreviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	data, err := decodeCVData(req.Data)
	if err != nil {
		respondError(c, err)
		return
	}
	res := h.renderer.Render(c.Request.Context(), preview.Input{Data: data, TemplateID: req.TemplateID, Session: req.Session})
	writePreview(c, res)
}

func (h *CVHandler) load(c *gin.Context) (*database.CV, bool) {
	var model database.CV
	err := h.db.WithContext(c.Request.Context()).Where("public_id = ?", c.Param("id")).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		NotFound(c, "cv not found")
		return nil, false
	}
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return &model, true
}

func (h *CVHandler) reply(c *gin.Context, status int, model database.CV) {
	resp, err := toCVResponse(model)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(status, resp)
}

// writePreview 默认返回 text/html，请求时返回 JSON 结果
func writePreview(c *gin.Context, res preview.Result) {
	if c.Query("format") == "json" || c.NegotiateFormat(gin.MIMEHTML, gin.MIMEJSON) == gin.MIMEJSON {
		c.JSON(http.StatusOK, gin.H{
			"html":       res.HTML,
			"srcdoc":     res.SrcDoc(),
			"templateId": res.TemplateID,
			"title":      res.Title,
			"fallback":   res.Fallback,
			"warnings":   res.Warnings,
		})
		return
	}
	c.Header("X-Template-Id", res.TemplateID)
	if res.Fallback {
		c.Header("X-Preview-Fallback", "true")
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(res.HTML))
}

func writePDF(c *gin.Context, filename string, source request.Source, data []byte, disposition string) {
	c.Header("Content-Disposition", disposition+`; filename="`+filename+`"`)
	c.Header("X-PDF-Source", string(source))
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "application/pdf", data)
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
