package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"cvchapchap/internal/api/middleware"
	"cvchapchap/internal/cv"
	"cvchapchap/internal/draftstore"
	"cvchapchap/internal/metrics"
	"cvchapchap/internal/preview"
	"cvchapchap/internal/request"
)

const (
	warnNotSaved = "Your changes are kept for this visit but could not be saved."
	warnQuota    = "Your draft is large and was moved to extended storage."
	warnNotRead  = "Your saved draft could not be loaded yet. Changes are kept for this visit only."
)

// DraftProber 报告草稿存储可用性，*draftstore.Manager 实现了它
type DraftProber interface {
	Probe(ctx context.Context) draftstore.Availability
}

// SessionRequests 查找草稿会话的付费下载，*request.Service 实现了它
type SessionRequests interface {
	CurrentRequest(ctx context.Context, session string) (*request.Request, error)
}

// DraftHandler 通过 HTTP 暴露会话表单
type DraftHandler struct {
	forms    *cv.Registry
	prober   DraftProber
	renderer *preview.Renderer
	requests SessionRequests
}

func NewDraftHandler(forms *cv.Registry, prober DraftProber, renderer *preview.Renderer, requests SessionRequests) *DraftHandler {
	return &DraftHandler{forms: forms, prober: prober, renderer: renderer, requests: requests}
}

type draftResponse struct {
	Session    string        `json:"session"`
	Data       cv.CVFormData `json:"data"`
	Step       int           `json:"step"`
	TemplateID string        `json:"templateId"`
	UpdatedAt  time.Time     `json:"updatedAt"`
	ItemID     string        `json:"itemId,omitempty"`
	Warning    string        `json:"warning,omitempty"`
}

// POST /api/drafts
func (h *DraftHandler) CreateDraft(c *gin.Context) {
	form, err := h.forms.Create(c.Request.Context())
	if form == nil {
		respondError(c, err)
		return
	}
	resp := h.reply(c, form.Session(), form.Snapshot(), err)
	if resp.Warning == "" && h.prober != nil {
		resp.Warning = h.prober.Probe(c.Request.Context()).Warning
	}
	c.JSON(http.StatusCreated, resp)
}

// GET /api/drafts/:session
func (h *DraftHandler) GetDraft(c *gin.Context) {
	form, warn := h.open(c)
	if form == nil {
		return
	}
	c.JSON(http.StatusOK, h.reply(c, form.Session(), form.Snapshot(), warn))
}

// PUT /api/drafts/:session 替换整篇文档
func (h *DraftHandler) ReplaceDraft(c *gin.Context) {
	body, ok := rawJSONBody(c)
	if !ok {
		return
	}
	data, err := decodeCVData(body)
	if err != nil {
		respondError(c, err)
		return
	}
	form := h.openForEdit(c)
	if form == nil {
		return
	}
	d, err := form.Replace(c.Request.Context(), data)
	h.respond(c, form, d, "", err)
}

// DELETE /api/drafts/:session
func (h *DraftHandler) ResetDraft(c *gin.Context) {
	session := c.Param("session")
	d, err := h.forms.Reset(c.Request.Context(), session)
	if err != nil && !cv.IsPersistError(err) {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.reply(c, session, d, err))
}

// PUT /api/drafts/:session/fields/:section
func (h *DraftHandler) UpdateField(c *gin.Context) {
	body, ok := rawJSONBody(c)
	if !ok {
		return
	}
	form := h.openForEdit(c)
	if form == nil {
		return
	}
	d, err := form.UpdateField(c.Request.Context(), cv.Section(c.Param("section")), body)
	h.respond(c, form, d, "", err)
}

// POST /api/drafts/:session/sections/:section/items
func (h *DraftHandler) AddItem(c *gin.Context) {
	body, ok := rawJSONBody(c)
	if !ok {
		return
	}
	form := h.openForEdit(c)
	if form == nil {
		return
	}
	d, id, err := form.AddItem(c.Request.Context(), cv.Section(c.Param("section")), body)
	h.respond(c, form, d, id, err)
}

// DELETE /api/drafts/:session/sections/:section/items/:itemId
func (h *DraftHandler) RemoveItem(c *gin.Context) {
	form := h.openForEdit(c)
	if form == nil {
		return
	}
	d, err := form.RemoveItem(c.Request.Context(), cv.Section(c.Param("section")), c.Param("itemId"))
	h.respond(c, form, d, "", err)
}

type moveRequest struct {
	From *int `json:"from" binding:"required"`
	To   *int `json:"to" binding:"required"`
}

// POST /api/drafts/:session/sections/:section/move
func (h *DraftHandler) MoveItem(c *gin.Context) {
	var req moveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "from and to are required")
		return
	}
	form := h.openForEdit(c)
	if form == nil {
		return
	}
	d, err := form.MoveItem(c.Request.Context(), cv.Section(c.Param("section")), *req.From, *req.To)
	h.respond(c, form, d, "", err)
}

type stepRequest struct {
	Step *int `json:"step" binding:"required"`
}

// PUT /api/drafts/:session/step
func (h *DraftHandler) SetStep(c *gin.Context) {
	var req stepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "step is required")
		return
	}
	form := h.openForEdit(c)
	if form == nil {
		return
	}
	d, err := form.SetStep(c.Request.Context(), *req.Step)
	h.respond(c, form, d, "", err)
}

type draftTemplateRequest struct {
	TemplateID string `json:"templateId" binding:"required,max=64"`
}

// PUT /api/drafts/:session/template
func (h *DraftHandler) SetTemplate(c *gin.Context) {
	var req draftTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "templateId is required")
		return
	}
	form := h.openForEdit(c)
	if form == nil {
		return
	}
	d, err := form.SetTemplate(c.Request.Context(), req.TemplateID)
	h.respond(c, form, d, "", err)
}

// GET /api/drafts/:session/preview
func (h *DraftHandler) Preview(c *gin.Context) {
	form := h.openForEdit(c)
	if form == nil {
		return
	}
	if !form.Hydrated() {
		respondError(c, cv.ErrDraftNotLoaded)
		return
	}
	d := form.Snapshot()
	res := h.renderer.Render(c.Request.Context(), preview.Input{
		Data:       d.Data,
		TemplateID: firstNonBlank(c.Query("template"), d.TemplateID),
		Session:    form.Session(),
	})
	writePreview(c, res)
}

// GET /api/drafts/:session/request 返回会话最近的付费下载
func (h *DraftHandler) CurrentRequest(c *gin.Context) {
	if h.requests == nil {
		NotFound(c, "no request for this session")
		return
	}
	req, err := h.requests.CurrentRequest(c.Request.Context(), c.Param("session"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

// open 加载会话表单，form 为 nil 表示已写出响应。加载时存储
// 失败仍会返回可用的空白表单以及加载错误
func (h *DraftHandler) open(c *gin.Context) (*cv.Form, error) {
	session := c.Param("session")
	if session == "" || len(session) > 64 {
		BadRequest(c, "invalid session")
		return nil, nil
	}
	form, err := h.forms.Open(c.Request.Context(), session)
	if form == nil {
		respondError(c, err)
		return nil, nil
	}
	return form, err
}

// openForEdit 供后续修改或读取表单的处理函数使用，加载失败
// 在此记录日志，之后作为未保存修改的警告返回
func (h *DraftHandler) openForEdit(c *gin.Context) *cv.Form {
	form, err := h.open(c)
	if err != nil {
		middleware.LoggerFromContext(c).Warn("draft load failed", slog.String("session", c.Param("session")), slog.String("error", err.Error()))
	}
	return form
}

// respond 写出修改后的状态。校验失败是错误，存储
// 失败是附在已生效状态旁的警告
func (h *DraftHandler) respond(c *gin.Context, form *cv.Form, d cv.Draft, itemID string, err error) {
	if err != nil && !cv.IsPersistError(err) {
		respondError(c, err)
		return
	}
	metrics.ObserveDraftPersist(err)
	resp := h.reply(c, form.Session(), d, err)
	resp.ItemID = itemID
	c.JSON(http.StatusOK, resp)
}

func (h *DraftHandler) reply(c *gin.Context, session string, d cv.Draft, err error) draftResponse {
	return draftResponse{
		Session:    session,
		Data:       d.Data,
		Step:       d.Step,
		TemplateID: d.TemplateID,
		UpdatedAt:  d.UpdatedAt,
		Warning:    persistWarning(c, err),
	}
}

func persistWarning(c *gin.Context, err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, draftstore.ErrQuotaExceeded) {
		return warnQuota
	}
	if errors.Is(err, cv.ErrDraftNotLoaded) {
		return warnNotRead
	}
	middleware.LoggerFromContext(c).Warn("draft not persisted", slog.String("error", err.Error()))
	return warnNotSaved
}

// rawJSONBody 读取任意结构的 JSON 请求体
func rawJSONBody(c *gin.Context) (json.RawMessage, bool) {
	body, err := c.GetRawData()
	if err != nil {
		BadRequest(c, "unreadable body")
		return nil, false
	}
	if !json.Valid(body) {
		BadRequest(c, "body is not valid JSON")
		return nil, false
	}
	return body, true
}
