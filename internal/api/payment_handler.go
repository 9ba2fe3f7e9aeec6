package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/text/language"

	"cvchapchap/internal/api/middleware"
	"cvchapchap/internal/cv"
	"cvchapchap/internal/payment"
	"cvchapchap/internal/request"
)

const maxStatusWait = 60 * time.Second

// Payments 付费下载流程，*request.Service 实现了它
type Payments interface {
	InitiatePayment(ctx context.Context, in request.InitiateInput) (*request.Request, error)
	VerifyPayment(ctx context.Context, id, smsText string, lang language.Tag) (*request.Request, error)
	ConfirmFromProvider(ctx context.Context, id, transactionID string) (*request.Request, error)
	Status(ctx context.Context, id string) (*request.Request, error)
	WaitForTerminal(ctx context.Context, id string, interval time.Duration) (*request.Request, error)
	Download(ctx context.Context, id string) (*request.PDF, error)
	GenerateAndDownload(ctx context.Context, in request.GenerateInput) (*request.PDF, error)
}

type PaymentHandler struct {
	payments Payments
	forms    *cv.Registry
}

func NewPaymentHandler(payments Payments, forms *cv.Registry) *PaymentHandler {
	return &PaymentHandler{payments: payments, forms: forms}
}

func requestContext(c *gin.Context) context.Context {
	return request.WithCorrelationID(c.Request.Context(), middleware.GetCorrelationID(c))
}

type initiateRequest struct {
	Session     string          `json:"session" binding:"required,max=64"`
	CVData      json.RawMessage `json:"cvData"`
	TemplateID  string          `json:"templateId" binding:"max=64"`
	PhoneNumber string          `json:"phoneNumber" binding:"max=32"`
}

// POST /api/cv-pdf/anonymous/initiate-ussd
// 没有 cvData 时使用会话当前的草稿
func (h *PaymentHandler) InitiateUSSD(c *gin.Context) {
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	var data cv.CVFormData
	templateID := strings.TrimSpace(req.TemplateID)
	if len(req.CVData) > 0 && string(req.CVData) != "null" {
		decoded, err := decodeCVData(req.CVData)
		if err != nil {
			respondError(c, err)
			return
		}
		data = decoded
	} else {
		if h.forms == nil {
			BadRequest(c, "cvData is required")
			return
		}
		form, err := h.forms.Open(c.Request.Context(), req.Session)
		if form == nil || !form.Hydrated() {
			respondError(c, err)
			return
		}
		d := form.Snapshot()
		data = d.Data
		if templateID == "" {
			templateID = d.TemplateID
		}
	}

	out, err := h.payments.InitiatePayment(requestContext(c), request.InitiateInput{
		Session:     req.Session,
		Data:        data,
		TemplateID:  templateID,
		PhoneNumber: strings.TrimSpace(req.PhoneNumber),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	middleware.LoggerFromContext(c).Info("payment initiated", slog.String("request_id", out.ID))
	c.JSON(http.StatusCreated, out)
}

type verifyRequest struct {
	SMSText string `json:"smsText" binding:"required"`
	Lang    string `json:"lang"`
}

// POST /api/cv-pdf/:id/verify
func (h *PaymentHandler) Verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "smsText is required")
		return
	}
	lang := payment.MatchLanguage(req.Lang, c.GetHeader("Accept-Language"))
	out, err := h.payments.VerifyPayment(requestContext(c), c.Param("id"), req.SMSText, lang)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// GET /api/cv-pdf/:id/status
// ?wait=30s 阻塞直到请求完成或失败，最长一分钟
func (h *PaymentHandler) Status(c *gin.Context) {
	id := c.Param("id")
	wait := c.Query("wait")
	if wait == "" {
		out, err := h.payments.Status(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
		return
	}

	d, err := time.ParseDuration(wait)
	if err != nil || d <= 0 {
		BadRequest(c, "wait must be a positive duration")
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), min(d, maxStatusWait))
	defer cancel()
	out, err := h.payments.WaitForTerminal(ctx, id, time.Second)
	// 等待超时仍返回最新状态
	if err != nil && (out == nil || ctx.Err() == nil) {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// GET /api/cv-pdf/:id/download
func (h *PaymentHandler) Download(c *gin.Context) {
	doc, err := h.payments.Download(requestContext(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	writePDF(c, doc.Filename, doc.Source, doc.Data, "attachment")
}

type callbackRequest struct {
	TransactionID string `json:"transactionId" binding:"max=32"`
}

// POST /api/cv-pdf/:id/callback 由支付方调用
func (h *PaymentHandler) Callback(c *gin.Context) {
	var req callbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	out, err := h.payments.ConfirmFromProvider(requestContext(c), c.Param("id"), req.TransactionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type generateRequest struct {
	RequestID  string          `json:"requestId" binding:"required,max=36"`
	CVData     json.RawMessage `json:"cvData"`
	TemplateID string          `json:"templateId" binding:"max=64"`
}

// POST /api/generate-and-download
func (h *PaymentHandler) GenerateAndDownload(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}
	in := request.GenerateInput{RequestID: req.RequestID, TemplateID: strings.TrimSpace(req.TemplateID)}
	if len(req.CVData) > 0 && string(req.CVData) != "null" {
		data, err := decodeCVData(req.CVData)
		if err != nil {
			respondError(c, err)
			return
		}
		in.Data = &data
	}
	doc, err := h.payments.GenerateAndDownload(requestContext(c), in)
	if err != nil {
		respondError(c, err)
		return
	}
	writePDF(c, doc.Filename, doc.Source, doc.Data, "attachment")
}
