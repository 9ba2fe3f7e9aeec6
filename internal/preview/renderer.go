// Package preview 按模板将简历草稿渲染为 HTML
//
// 对调用方而言渲染不会失败：查找、解析和执行错误（包括模板内的 panic）
// 都会降级为一张简单的联系人卡片
package preview

import (
	"bytes"
	"context"
	"embed"
	"encoding/base64"
	"errors"
	"fmt"
	"html"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"cvchapchap/internal/cv"
)

const DefaultTemplateID = "classic"

//go:embed templates/*.html.tmpl
var builtinFS embed.FS

// BuiltinIDs 编译进二进制的模板
var BuiltinIDs = []string{"classic", "modern", "minimal"}

// ErrTemplateNotFound TemplateSource 遇到未知 id 时返回
var ErrTemplateNotFound = errors.New("template not found")

// TemplateSource 按 id 查找管理员维护的模板内容
type TemplateSource interface {
	TemplateBody(ctx context.Context, id string) (string, error)
}

// PhotoSource 读取上传的头像，*storage.Client 实现了它
type PhotoSource interface {
	ReadObject(ctx context.Context, key string) ([]byte, error)
}

// Input 一次渲染请求
type Input struct {
	Data       cv.CVFormData
	TemplateID string
	// Session 限定允许内联的照片键范围
	Session string
}

// Result 渲染出的 HTML 及其生成方式
type Result struct {
	HTML       string   `json:"html"`
	TemplateID string   `json:"templateId"`
	Title      string   `json:"title"`
	Fallback   bool     `json:"fallback"`
	Warnings   []string `json:"warnings,omitempty"`
}

// SrcDoc 返回转义后可放入 iframe srcdoc 属性的文档
func (r Result) SrcDoc() string {
	return html.EscapeString(r.HTML)
}

var funcs = template.FuncMap{
	"join":  strings.Join,
	"upper": strings.ToUpper,
}

var (
	sectionsTmpl = template.Must(template.New("sections").Funcs(funcs).ParseFS(builtinFS, "templates/sections.html.tmpl"))
	fallbackTmpl = template.Must(template.New("fallback").Funcs(funcs).ParseFS(builtinFS, "templates/fallback.html.tmpl"))
)

type Renderer struct {
	templates TemplateSource
	photos    PhotoSource
	logger    *slog.Logger
}

// NewRenderer 接受 nil 数据源，此时只有内置模板可用，
// 并跳过照片
func NewRenderer(templates TemplateSource, photos PhotoSource, logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{templates: templates, photos: photos, logger: logger}
}

// Render 为 in 生成 HTML，不修改输入草稿
func (r *Renderer) Render(ctx context.Context, in Input) (res Result) {
	data := in.Data.Clone()
	view := buildView(data)

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("preview render panicked", "template_id", in.TemplateID, "panic", rec)
			res = r.fallback(view, in.TemplateID, fmt.Sprintf("render panic: %v", rec))
		}
	}()

	var warnings []string
	if uri, warn := r.inlinePhoto(ctx, in.Session, data.PersonalInfo); warn != "" {
		warnings = append(warnings, warn)
	} else {
		view.Photo = uri
	}

	id, tmpl, err := r.resolve(ctx, in.TemplateID)
	if err != nil {
		r.logger.Warn("preview template unavailable", "template_id", in.TemplateID, "error", err)
		return r.fallback(view, in.TemplateID, err.Error())
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, view); err != nil {
		r.logger.Warn("preview template failed", "template_id", id, "error", err)
		return r.fallback(view, id, err.Error())
	}
	return Result{
		HTML:       buf.String(),
		TemplateID: id,
		Title:      view.Title,
		Warnings:   warnings,
	}
}

// resolve 依次尝试数据库、内置模板和默认模板
func (r *Renderer) resolve(ctx context.Context, id string) (string, *template.Template, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = DefaultTemplateID
	}

	if r.templates != nil {
		body, err := r.templates.TemplateBody(ctx, id)
		switch {
		case err == nil:
			t, perr := parseCustom(id, body)
			if perr != nil {
				return id, nil, perr
			}
			return id, t, nil
		case !errors.Is(err, ErrTemplateNotFound):
			r.logger.Warn("template store lookup failed, trying built-ins", "template_id", id, "error", err)
		}
	}

	if t, ok := builtin(id); ok {
		return id, t, nil
	}
	t, _ := builtin(DefaultTemplateID)
	return DefaultTemplateID, t, nil
}

var builtins = func() map[string]*template.Template {
	out := make(map[string]*template.Template, len(BuiltinIDs))
	for _, id := range BuiltinIDs {
		base := template.Must(sectionsTmpl.Clone())
		body, err := builtinFS.ReadFile("templates/" + id + ".html.tmpl")
		if err != nil {
			panic(err)
		}
		out[id] = template.Must(base.New(id).Parse(string(body)))
	}
	return out
}()

func builtin(id string) (*template.Template, bool) {
	t, ok := builtins[id]
	return t, ok
}

// BuiltinSource 返回内置模板的 html/template 源码
func BuiltinSource(id string) (string, error) {
	if _, ok := builtins[id]; !ok {
		return "", ErrTemplateNotFound
	}
	body, err := builtinFS.ReadFile("templates/" + id + ".html.tmpl")
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// ParseCustom 校验管理员提交的模板内容，自定义模板可以调用
// {{template "sections" .}}
func ParseCustom(body string) error {
	_, err := parseCustom("custom", body)
	return err
}

func parseCustom(id, body string) (*template.Template, error) {
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("template %q has an empty body", id)
	}
	base, err := sectionsTmpl.Clone()
	if err != nil {
		return nil, err
	}
	t, err := base.New(id).Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse template %q: %w", id, err)
	}
	return t, nil
}

func (r *Renderer) fallback(view View, requested, reason string) Result {
	var buf bytes.Buffer
	if err := fallbackTmpl.ExecuteTemplate(&buf, "fallback.html.tmpl", view); err != nil {
		buf.Reset()
		buf.WriteString("<!DOCTYPE html><html><body><h1>")
		buf.WriteString(html.EscapeString(view.Name))
		buf.WriteString("</h1><p>")
		buf.WriteString(html.EscapeString(view.Title))
		buf.WriteString("</p></body></html>")
	}
	return Result{
		HTML:       buf.String(),
		TemplateID: requested,
		Title:      view.Title,
		Fallback:   true,
		Warnings:   []string{reason},
	}
}

// inlinePhoto 将上传的照片键转为 data URI。键无效、不属于该会话
// 或文件缺失时返回警告
func (r *Renderer) inlinePhoto(ctx context.Context, session string, info cv.PersonalInfo) (template.URL, string) {
	key := firstNonEmpty(info.Get("photoKey"), info.Get("photo"))
	if key == "" || r.photos == nil {
		return "", ""
	}
	if strings.HasPrefix(key, "data:image/") {
		return template.URL(key), ""
	}
	if !IsValidPhotoKey(session, key) {
		return "", "profile photo skipped: invalid object key"
	}
	data, err := r.photos.ReadObject(ctx, key)
	if err != nil {
		r.logger.Warn("profile photo not inlined", "object_key", key, "error", err)
		return "", "profile photo missing"
	}
	contentType := http.DetectContentType(data)
	if !strings.HasPrefix(contentType, "image/") {
		return "", "profile photo skipped: not an image"
	}
	return template.URL("data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)), ""
}

// PhotoPrefix 会话上传文件所在的前缀
func PhotoPrefix(session string) string {
	return "photos/" + session + "/"
}

// IsValidPhotoKey 只接受会话照片前缀下的图片键
func IsValidPhotoKey(session, key string) bool {
	if session == "" || key == "" || !utf8.ValidString(key) {
		return false
	}
	if !strings.HasPrefix(key, PhotoPrefix(session)) {
		return false
	}
	if strings.Contains(key, "..") || strings.Contains(key, "\\") || strings.Contains(key, "//") {
		return false
	}
	if len(key) > 200 {
		return false
	}
	lower := strings.ToLower(strings.TrimSpace(key))
	return strings.HasSuffix(lower, ".png") || strings.HasSuffix(lower, ".jpg") ||
		strings.HasSuffix(lower, ".jpeg") || strings.HasSuffix(lower, ".webp")
}
