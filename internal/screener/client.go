// Package screener 对接负责收款和生成 PDF 的外部
// 简历筛选服务
package screener

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cvchapchap/internal/cv"
	"cvchapchap/internal/retry"
)

// 用于重试记录和指标的端点名称
const (
	EndpointInitiate = "initiate-ussd"
	EndpointVerify   = "verify"
	EndpointStatus   = "status"
	EndpointDownload = "download"
	EndpointGenerate = "generate-pdf"
	EndpointPreview  = "preview-pdf"
)

// ErrNotPDF PDF 端点返回 2xx 但内容不是 PDF
var ErrNotPDF = errors.New("screener: response is not a PDF")

const maxPDFBytes = 20 << 20

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	policy  retry.Policy
	tracker *retry.Tracker
}

type Options struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Policy  retry.Policy
	Tracker *retry.Tracker
	// HTTPClient 覆盖默认客户端，例如测试中
	HTTPClient *http.Client
}

func NewClient(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		apiKey:  strings.TrimSpace(opts.APIKey),
		http:    hc,
		policy:  opts.Policy,
		tracker: opts.Tracker,
	}
}

type InitiateRequest struct {
	CVData      cv.CVFormData `json:"cvData"`
	TemplateID  string        `json:"templateId"`
	PhoneNumber string        `json:"phoneNumber,omitempty"`
	Amount      int           `json:"amount"`
	Currency    string        `json:"currency"`
}

type InitiateResponse struct {
	Reference string `json:"requestId"`
	USSDCode  string `json:"ussdCode,omitempty"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
}

type VerifyRequest struct {
	SMSText       string `json:"smsText"`
	TransactionID string `json:"transactionId,omitempty"`
}

type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type PDFRequest struct {
	CVData     cv.CVFormData `json:"cvData"`
	TemplateID string        `json:"templateId"`
}

// InitiateUSSD 登记付费下载并返回支付方参考号
func (c *Client) InitiateUSSD(ctx context.Context, in InitiateRequest) (*InitiateResponse, error) {
	var out InitiateResponse
	err := c.call(ctx, EndpointInitiate, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPost, "/api/cv-pdf/anonymous/initiate-ussd", in, &out)
	})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.Reference) == "" {
		return nil, fmt.Errorf("screener: initiate response without request id")
	}
	return &out, nil
}

// Verify 转发已通过校验的收据
func (c *Client) Verify(ctx context.Context, reference string, in VerifyRequest) (*StatusResponse, error) {
	var out StatusResponse
	err := c.call(ctx, EndpointVerify, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPost, "/api/cv-pdf/"+url.PathEscape(reference)+"/verify", in, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Status 读取远端请求状态
func (c *Client) Status(ctx context.Context, reference string) (*StatusResponse, error) {
	var out StatusResponse
	err := c.call(ctx, EndpointStatus, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodGet, "/api/cv-pdf/"+url.PathEscape(reference)+"/status", nil, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GeneratePDF 直接生成 PDF 的接口
func (c *Client) GeneratePDF(ctx context.Context, in PDFRequest) ([]byte, error) {
	var pdf []byte
	err := c.call(ctx, EndpointGenerate, func(ctx context.Context) error {
		var err error
		pdf, err = c.doPDF(ctx, http.MethodPost, "/api/generate-pdf", in)
		return err
	})
	return pdf, err
}

// PreviewPDF 备用的预览接口
func (c *Client) PreviewPDF(ctx context.Context, in PDFRequest) ([]byte, error) {
	var pdf []byte
	err := c.call(ctx, EndpointPreview, func(ctx context.Context) error {
		var err error
		pdf, err = c.doPDF(ctx, http.MethodPost, "/api/cv/preview", in)
		return err
	})
	return pdf, err
}

// Download 获取已付费远端请求的 PDF
func (c *Client) Download(ctx context.Context, reference string) ([]byte, error) {
	var pdf []byte
	err := c.call(ctx, EndpointDownload, func(ctx context.Context) error {
		var err error
		pdf, err = c.doPDF(ctx, http.MethodGet, "/api/cv-pdf/"+url.PathEscape(reference)+"/download", nil)
		return err
	})
	return pdf, err
}

func (c *Client) call(ctx context.Context, endpoint string, op func(ctx context.Context) error) error {
	if c.baseURL == "" {
		return fmt.Errorf("screener: base url not configured")
	}
	if left, cooling := c.tracker.CoolingDown(endpoint); cooling {
		return &retry.HTTPError{
			StatusCode: http.StatusTooManyRequests,
			Body:       endpoint + " is cooling down",
			RetryAfter: left,
		}
	}
	return retry.Do(ctx, c.policy, c.tracker, endpoint, op)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	req, err := c.newRequest(ctx, method, path, in)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("screener %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode screener response: %w", err)
	}
	return nil
}

func (c *Client) doPDF(ctx context.Context, method, path string, in any) ([]byte, error) {
	req, err := c.newRequest(ctx, method, path, in)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/pdf")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("screener %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPDFBytes))
	if err != nil {
		return nil, fmt.Errorf("read screener pdf: %w", err)
	}
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		return nil, fmt.Errorf("%w (content-type %q)", ErrNotPDF, resp.Header.Get("Content-Type"))
	}
	return data, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
	herr := &retry.HTTPError{StatusCode: resp.StatusCode, Body: errorMessage(body)}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			herr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return herr
}

// errorMessage 从 JSON 错误体中取出 "error" 或 "message"
func errorMessage(body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return strings.TrimSpace(string(body))
}
