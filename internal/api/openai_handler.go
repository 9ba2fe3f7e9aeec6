package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"cvchapchap/internal/api/middleware"
	"cvchapchap/internal/errcode"
	"cvchapchap/internal/retry"
)

const (
	openAIEndpoint     = "openai"
	maxSuggestionInput = 4000
	defaultSystemText  = "You help job seekers in Tanzania write clear, honest CV content. Answer with the text only."
)

// OpenAIOptions 内容建议代理的配置
type OpenAIOptions struct {
	BaseURL        string
	APIKey         string
	Model          string
	Timeout        time.Duration
	RequestsPerMin int
	Policy         retry.Policy
	Tracker        *retry.Tracker
	HTTPClient     *http.Client
}

// OpenAIHandler 代理建议请求，API key 不会到达浏览器
type OpenAIHandler struct {
	opts    OpenAIOptions
	http    *http.Client
	limiter redisRateCounter
	now     func() time.Time
}

// NewOpenAIHandler 接受 nil limiter，此时不做按客户端限流
func NewOpenAIHandler(opts OpenAIOptions, limiter redisRateCounter) *OpenAIHandler {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.openai.com/v1"
	}
	if opts.Model == "" {
		opts.Model = "gpt-4o-mini"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &OpenAIHandler{opts: opts, http: hc, limiter: limiter, now: time.Now}
}

type suggestionRequest struct {
	Prompt    string `json:"prompt" binding:"required"`
	System    string `json:"system"`
	Field     string `json:"field" binding:"max=64"`
	MaxTokens int    `json:"maxTokens" binding:"omitempty,min=1,max=1024"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Proxy 处理 POST /api/openai/proxy
func (h *OpenAIHandler) Proxy(c *gin.Context) {
	if h.opts.APIKey == "" {
		ErrorCode(c, http.StatusServiceUnavailable, errcode.UpstreamUnavailable, "suggestions are not configured")
		return
	}
	var req suggestionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "prompt is required")
		return
	}
	if len([]rune(req.Prompt)) > maxSuggestionInput {
		BadRequest(c, "prompt is too long")
		return
	}

	ctx := c.Request.Context()
	if ok, wait := fixedWindow(ctx, h.limiter, "rate:openai:"+c.ClientIP(), time.Minute, h.opts.RequestsPerMin, h.now()); !ok {
		TooManyRequests(c, "too many suggestion requests", wait)
		return
	}
	if left, cooling := h.opts.Tracker.CoolingDown(openAIEndpoint); cooling {
		TooManyRequests(c, "suggestions are cooling down", left)
		return
	}

	system := strings.TrimSpace(req.System)
	if system == "" {
		system = defaultSystemText
	}
	body := chatRequest{
		Model: h.opts.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: req.Prompt},
		},
		MaxTokens:   req.MaxTokens,
		Temperature: 0.4,
	}

	var out chatResponse
	err := retry.Do(ctx, h.opts.Policy, h.opts.Tracker, openAIEndpoint, func(ctx context.Context) error {
		return h.complete(ctx, body, &out)
	})
	if err != nil {
		middleware.LoggerFromContext(c).Warn("suggestion failed", slog.String("field", req.Field), slog.Any("error", err))
		if retry.IsRateLimited(err) {
			respondError(c, err)
			return
		}
		ErrorCode(c, http.StatusBadGateway, errcode.UpstreamUnavailable, "suggestion service unavailable")
		return
	}
	if len(out.Choices) == 0 {
		ErrorCode(c, http.StatusBadGateway, errcode.UpstreamUnavailable, "no suggestion returned")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"suggestion": strings.TrimSpace(out.Choices[0].Message.Content),
		"model":      out.Model,
		"field":      req.Field,
	})
}

func (h *OpenAIHandler) complete(ctx context.Context, in chatRequest, out *chatResponse) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.opts.BaseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.opts.APIKey)

	resp, err := h.http.Do(req)
	if err != nil {
		return fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read openai response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &retry.HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode openai response: %w", err)
	}
	return nil
}
