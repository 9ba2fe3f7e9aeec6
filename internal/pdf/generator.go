package pdf

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// Renderer 使用无头浏览器将 HTML 渲染为打印输出。
type Renderer interface {
	HTMLToPDF(ctx context.Context, html string) ([]byte, error)
	Screenshot(ctx context.Context, html string, quality int) ([]byte, error)
}

// RodRenderer 每次调用启动一个新的 Chromium。
type RodRenderer struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

func NewRodRenderer(logger *slog.Logger) *RodRenderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &RodRenderer{Timeout: 30 * time.Second, Logger: logger}
}

// withPage 将 html 加载到空白页后交给 fn。
func (r *RodRenderer) withPage(ctx context.Context, html string, fn func(page *rod.Page) error) error {
	launch := launcher.New().
		Headless(true).
		NoSandbox(true)

	if path, ok := launcher.LookPath(); ok {
		launch = launch.Bin(path)
	}

	browserURL, err := launch.Launch()
	if err != nil {
		return fmt.Errorf("launch chromium: %w", err)
	}
	defer launch.Cleanup()

	browser := rod.New().ControlURL(browserURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect browser: %w", err)
	}
	defer func() {
		_ = browser.Close()
	}()

	page, err := browser.Timeout(r.Timeout).Page(proto.TargetCreateTarget{})
	if err != nil {
		return fmt.Errorf("create page: %w", err)
	}
	defer func() {
		_ = page.Close()
	}()

	page = page.Timeout(r.Timeout)
	if err := page.SetDocumentContent(html); err != nil {
		return fmt.Errorf("set document content: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("wait load: %w", err)
	}
	r.waitFonts(page)

	return fn(page)
}

// waitFonts 等待网页字体加载，避免 PDF 使用回退字体。
func (r *RodRenderer) waitFonts(page *rod.Page) {
	if _, err := page.Timeout(5 * time.Second).Eval(`() => {
	  if (document && document.fonts && document.fonts.ready) {
	    return Promise.race([
	      document.fonts.ready.then(() => true),
	      new Promise((resolve) => setTimeout(() => resolve(true), 3000))
	    ]);
	  }
	  return true;
	}`); err != nil {
		r.Logger.Warn("document.fonts.ready wait failed, continue", slog.Any("error", err))
	}
}

// HTMLToPDF 将 html 渲染为 A4 PDF。
func (r *RodRenderer) HTMLToPDF(ctx context.Context, html string) ([]byte, error) {
	var out []byte
	err := r.withPage(ctx, html, func(page *rod.Page) error {
		if err := (proto.EmulationSetEmulatedMedia{Media: "print"}).Call(page); err != nil {
			return fmt.Errorf("set emulated media to print: %w", err)
		}
		data, err := exportPDF(page)
		out = data
		return err
	})
	return out, err
}

// Screenshot 截取简历页面为 JPEG，优先截取 #a4-container 元素。
func (r *RodRenderer) Screenshot(ctx context.Context, html string, quality int) ([]byte, error) {
	var out []byte
	err := r.withPage(ctx, html, func(page *rod.Page) error {
		data, err := capturePreparedScreenshot(page, quality)
		out = data
		return err
	})
	return out, err
}

func exportPDF(page *rod.Page) ([]byte, error) {
	params := &proto.PagePrintToPDF{
		PrintBackground:   true,
		PaperWidth:        float64Ptr(8.27),
		PaperHeight:       float64Ptr(11.69),
		MarginTop:         float64Ptr(0),
		MarginBottom:      float64Ptr(0),
		MarginLeft:        float64Ptr(0),
		MarginRight:       float64Ptr(0),
		PreferCSSPageSize: true,
	}
	reader, err := page.PDF(params)
	if err != nil {
		return nil, fmt.Errorf("export pdf: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read pdf bytes: %w", err)
	}
	return data, nil
}

func capturePreparedScreenshot(page *rod.Page, quality int) ([]byte, error) {
	element, err := page.Timeout(5 * time.Second).Element("#a4-container")
	if err == nil {
		if data, shotErr := element.Screenshot(proto.PageCaptureScreenshotFormatJpeg, quality); shotErr == nil {
			return data, nil
		}
	}

	req := &proto.PageCaptureScreenshot{
		Format:  proto.PageCaptureScreenshotFormatJpeg,
		Quality: intPtr(quality),
	}
	data, err := page.Screenshot(true, req)
	if err != nil {
		return nil, fmt.Errorf("page screenshot: %w", err)
	}
	return data, nil
}

func float64Ptr(value float64) *float64 {
	return &value
}

func intPtr(value int) *int {
	return &value
}
