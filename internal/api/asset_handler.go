package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/dutchcoders/go-clamd"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"cvchapchap/internal/preview"
	"cvchapchap/internal/storage"
)

const maxPhotoBytes = 5 << 20

var photoExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
}

// ErrInfected 表示扫描发现恶意文件。
var ErrInfected = errors.New("malicious file detected")

// Scanner 检查上传文件是否含有恶意内容。
type Scanner interface {
	Scan(ctx context.Context, r io.Reader) error
}

// ClamdScanner 将上传内容流式发送给 clamd。
type ClamdScanner struct {
	Addr string
}

func (s ClamdScanner) Scan(ctx context.Context, r io.Reader) error {
	abort := make(chan bool)
	defer close(abort)
	results, err := clamd.NewClamd(s.Addr).ScanStream(r, abort)
	if err != nil {
		return fmt.Errorf("clamd scan: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case result, ok := <-results:
			if !ok {
				return nil
			}
			switch result.Status {
			case clamd.RES_OK:
			case clamd.RES_FOUND:
				return fmt.Errorf("%w: %s", ErrInfected, result.Description)
			default:
				return fmt.Errorf("clamd scan: %s", result.Description)
			}
		}
	}
}

// PhotoStore 是头像使用的对象存储，*storage.Client 满足该接口。
type PhotoStore interface {
	PutBytes(ctx context.Context, key string, data []byte, contentType string) error
	ListObjects(ctx context.Context, prefix string, limit int) ([]storage.ObjectMeta, error)
	GeneratePresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	DeletePrefix(ctx context.Context, prefix string) error
}

// AssetHandler 处理草稿会话的头像上传。
type AssetHandler struct {
	Storage PhotoStore
	Scanner Scanner
	Logger  *slog.Logger
}

// NewAssetHandler 的 scanner 可为 nil，此时跳过病毒扫描。
func NewAssetHandler(store PhotoStore, scanner Scanner, logger *slog.Logger) *AssetHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AssetHandler{Storage: store, Scanner: scanner, Logger: logger}
}

// UploadPhoto 处理 POST /api/assets/photo。
// 返回的 key 写入 personalInfo.photoKey。
func (h *AssetHandler) UploadPhoto(c *gin.Context) {
	session := c.PostForm("session")
	if session == "" || len(session) > 64 {
		BadRequest(c, "missing session")
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		BadRequest(c, "missing file")
		return
	}
	if file.Size > maxPhotoBytes {
		BadRequest(c, "photo is larger than 5MB")
		return
	}

	f, err := file.Open()
	if err != nil {
		Internal(c, "failed to open file")
		return
	}
	data, err := io.ReadAll(io.LimitReader(f, maxPhotoBytes+1))
	f.Close()
	if err != nil {
		Internal(c, "failed to read file")
		return
	}
	if len(data) > maxPhotoBytes {
		BadRequest(c, "photo is larger than 5MB")
		return
	}

	contentType := http.DetectContentType(data)
	ext, ok := photoExtensions[contentType]
	if !ok {
		BadRequest(c, "photo must be a PNG, JPEG or WebP image")
		return
	}

	if h.Scanner != nil {
		if err := h.Scanner.Scan(c.Request.Context(), bytes.NewReader(data)); err != nil {
			if errors.Is(err, ErrInfected) {
				h.Logger.Warn("infected upload rejected", slog.String("session", session), slog.String("error", err.Error()))
				BadRequest(c, "malicious file detected")
				return
			}
			h.Logger.Error("scan file", slog.String("error", err.Error()))
			Internal(c, "failed to scan file")
			return
		}
	}

	objectKey := preview.PhotoPrefix(session) + uuid.NewString() + ext
	if err := h.Storage.PutBytes(c.Request.Context(), objectKey, data, contentType); err != nil {
		h.Logger.Error("upload file", slog.String("error", err.Error()))
		Internal(c, "failed to upload file")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"objectKey": objectKey, "contentType": contentType, "size": len(data)})
}

// ListPhotos 处理 GET /api/assets/photos?session=。
func (h *AssetHandler) ListPhotos(c *gin.Context) {
	session := c.Query("session")
	if session == "" {
		BadRequest(c, "missing session")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 || limit > 100 {
		limit = 20
	}

	objects, err := h.Storage.ListObjects(c.Request.Context(), preview.PhotoPrefix(session), limit)
	if err != nil {
		h.Logger.Error("list photos", slog.String("error", err.Error()))
		Internal(c, "failed to list photos")
		return
	}
	sort.Slice(objects, func(i, j int) bool {
		return objects[i].LastModified.After(objects[j].LastModified)
	})

	items := make([]gin.H, 0, len(objects))
	for _, obj := range objects {
		url, err := h.Storage.GeneratePresignedURL(c.Request.Context(), obj.Key, 10*time.Minute)
		if err != nil {
			h.Logger.Error("generate photo url", slog.String("objectKey", obj.Key), slog.String("error", err.Error()))
			continue
		}
		items = append(items, gin.H{
			"objectKey":    obj.Key,
			"previewUrl":   url,
			"size":         obj.Size,
			"lastModified": obj.LastModified,
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// GetPhotoURL 处理 GET /api/assets/photo-url?session=&key=。
func (h *AssetHandler) GetPhotoURL(c *gin.Context) {
	session, key := c.Query("session"), c.Query("key")
	if key == "" {
		BadRequest(c, "missing key")
		return
	}
	if !preview.IsValidPhotoKey(session, key) {
		Forbidden(c, "access denied")
		return
	}
	signedURL, err := h.Storage.GeneratePresignedURL(c.Request.Context(), key, 15*time.Minute)
	if err != nil {
		h.Logger.Error("generate presigned url", slog.String("error", err.Error()))
		Internal(c, "failed to generate url")
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": signedURL})
}

// DeletePhotos 处理 DELETE /api/assets/photos/:session。
func (h *AssetHandler) DeletePhotos(c *gin.Context) {
	session := c.Param("session")
	if session == "" {
		BadRequest(c, "missing session")
		return
	}
	if err := h.Storage.DeletePrefix(c.Request.Context(), preview.PhotoPrefix(session)); err != nil {
		h.Logger.Error("delete photos", slog.String("error", err.Error()))
		Internal(c, "failed to delete photos")
		return
	}
	c.Status(http.StatusNoContent)
}
