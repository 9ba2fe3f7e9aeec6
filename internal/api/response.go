package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"cvchapchap/internal/api/middleware"
	"cvchapchap/internal/cv"
	"cvchapchap/internal/draftstore"
	"cvchapchap/internal/errcode"
	"cvchapchap/internal/payment"
	"cvchapchap/internal/preview"
	"cvchapchap/internal/request"
	"cvchapchap/internal/retry"
)

func Error(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}

// ErrorCode 返回带业务码的错误响应。
func ErrorCode(c *gin.Context, status, code int, msg string) {
	c.JSON(status, gin.H{"error": msg, "code": code})
}

func AbortUnauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
}

func Unauthorized(c *gin.Context)           { Error(c, http.StatusUnauthorized, "unauthorized") }
func BadRequest(c *gin.Context, msg string) { ErrorCode(c, http.StatusBadRequest, errcode.ValidationFailed, msg) }
func Forbidden(c *gin.Context, msg string)  { Error(c, http.StatusForbidden, msg) }
func NotFound(c *gin.Context, msg string)   { ErrorCode(c, http.StatusNotFound, errcode.ResourceMissing, msg) }
func Conflict(c *gin.Context, msg string)   { Error(c, http.StatusConflict, msg) }
func Internal(c *gin.Context, msg string)   { ErrorCode(c, http.StatusInternalServerError, errcode.SystemError, msg) }

// TooManyRequests 以整秒设置 Retry-After。
func TooManyRequests(c *gin.Context, msg string, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int((retryAfter + time.Second - 1) / time.Second)
		c.Header("Retry-After", strconv.Itoa(secs))
	}
	ErrorCode(c, http.StatusTooManyRequests, errcode.RateLimited, msg)
}

// respondError 在 HTTP 边界转换领域错误。
// 未知错误记录日志后返回 500，不暴露细节。
func respondError(c *gin.Context, err error) {
	var (
		cvErr   *cv.ValidationError
		payErr  *payment.ValidationError
		httpErr *retry.HTTPError
		upErr   *request.UpstreamError
	)
	switch {
	case errors.As(err, &cvErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   cvErr.Error(),
			"code":    errcode.ValidationFailed,
			"field":   cvErr.Field,
			"details": cvErr.Details,
		})
	case errors.As(err, &payErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":  payErr.Message,
			"code":   errcode.PaymentRejected,
			"failed": payErr.Failed,
			"lang":   payErr.Lang.String(),
		})
	case errors.Is(err, request.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound),
		errors.Is(err, preview.ErrTemplateNotFound):
		NotFound(c, "not found")
	case errors.Is(err, request.ErrPaymentRequired):
		ErrorCode(c, http.StatusPaymentRequired, errcode.PaymentRequired, "payment has not been confirmed")
	case errors.Is(err, request.ErrInvalidTransition):
		ErrorCode(c, http.StatusConflict, errcode.InvalidTransition, err.Error())
	case errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests,
		retry.IsRateLimited(err):
		var wait time.Duration
		if httpErr != nil {
			wait = httpErr.RetryAfter
		}
		TooManyRequests(c, "upstream is rate limiting, try again shortly", wait)
	case errors.As(err, &upErr):
		ErrorCode(c, http.StatusBadGateway, errcode.UpstreamUnavailable, "payment service unavailable")
	case errors.Is(err, draftstore.ErrUnavailable), errors.Is(err, cv.ErrDraftNotLoaded):
		ErrorCode(c, http.StatusServiceUnavailable, errcode.StorageUnavailable, "draft storage unavailable")
	default:
		middleware.LoggerFromContext(c).Error("request failed", "error", err)
		Internal(c, "internal error")
	}
}
