package request

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"cvchapchap/internal/cv"
	"cvchapchap/internal/pdf"
	"cvchapchap/internal/preview"
	"cvchapchap/internal/screener"
)

// Source 生成 PDF 的阶段名称
type Source string

const (
	SourceAPI          Source = "api"
	SourcePreview      Source = "preview"
	SourceLocalRender  Source = "local-render"
	SourceLocalMinimal Source = "local-minimal"
)

// Chain 生成 PDF，从外部服务逐级降级到本地合成
// Run 不会失败：最后一个阶段只需要数据本身
type Chain struct {
	remote   Remote
	renderer *preview.Renderer
	browser  pdf.Renderer
	logger   *slog.Logger
	// OnStage 观察每个尝试过的阶段
	OnStage func(stage Source, err error)
}

// NewChain 构建生成链，remote 和 browser 为 nil 时跳过对应阶段
func NewChain(remote Remote, renderer *preview.Renderer, browser pdf.Renderer, logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{remote: remote, renderer: renderer, browser: browser, logger: logger}
}

// Document 生成链的输出
type Document struct {
	Data   []byte
	Source Source
}

// Run 用 templateID 渲染 data 并生成 PDF
func (c *Chain) Run(ctx context.Context, data cv.CVFormData, templateID, session string) Document {
	return c.run(ctx, data, templateID, session, true, "")
}

// RunPaid 针对支付服务中参考号为 reference 的请求执行 Run，
// 生成之前先尝试获取支付服务自己保存的付费 PDF
func (c *Chain) RunPaid(ctx context.Context, data cv.CVFormData, templateID, session, reference string) Document {
	return c.run(ctx, data, templateID, session, true, reference)
}

// Preview 不含付费直连阶段的 Run，用于免费预览
func (c *Chain) Preview(ctx context.Context, data cv.CVFormData, templateID, session string) Document {
	return c.run(ctx, data, templateID, session, false, "")
}

func (c *Chain) run(ctx context.Context, data cv.CVFormData, templateID, session string, direct bool, reference string) Document {
	payload := cv.PrepareForDownload(data)
	req := screener.PDFRequest{CVData: payload, TemplateID: templateID}

	if c.remote != nil {
		if direct && reference != "" {
			if doc, ok := c.try(SourceAPI, func() ([]byte, error) { return c.remote.Download(ctx, reference) }); ok {
				return doc
			}
		}
		if direct {
			if doc, ok := c.try(SourceAPI, func() ([]byte, error) { return c.remote.GeneratePDF(ctx, req) }); ok {
				return doc
			}
		}
		if doc, ok := c.try(SourcePreview, func() ([]byte, error) { return c.remote.PreviewPDF(ctx, req) }); ok {
			return doc
		}
	}

	if c.browser != nil && c.renderer != nil && ctx.Err() == nil {
		res := c.renderer.Render(ctx, preview.Input{Data: payload, TemplateID: templateID, Session: session})
		if doc, ok := c.try(SourceLocalRender, func() ([]byte, error) { return c.browser.HTMLToPDF(ctx, res.HTML) }); ok {
			return doc
		}
	}

	title, lines := preview.PlainLines(payload)
	c.observe(SourceLocalMinimal, nil)
	return Document{Data: pdf.Minimal(title, lines), Source: SourceLocalMinimal}
}

func (c *Chain) try(stage Source, fn func() ([]byte, error)) (Document, bool) {
	data, err := fn()
	if err == nil && len(data) == 0 {
		err = screener.ErrNotPDF
	}
	c.observe(stage, err)
	if err != nil {
		c.logger.Warn("pdf stage failed", "stage", stage, "error", err)
		return Document{}, false
	}
	return Document{Data: data, Source: stage}, true
}

func (c *Chain) observe(stage Source, err error) {
	if c.OnStage != nil {
		c.OnStage(stage, err)
	}
}

var unsafeFilename = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Filename 下载文件名，例如 "Amina_Juma_CV.pdf"
func Filename(d cv.CVFormData) string {
	name := strings.Trim(unsafeFilename.ReplaceAllString(d.PersonalInfo.FullName(), "_"), "_")
	if name == "" {
		return "CV.pdf"
	}
	return name + "_CV.pdf"
}
