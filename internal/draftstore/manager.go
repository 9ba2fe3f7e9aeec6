// Package draftstore 草稿较小时存 Redis，较大时存 MinIO。
// Redis 键旁的位置标记记录最新副本在哪个后端
package draftstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"cvchapchap/internal/cv"
)

const DefaultInlineThreshold = 200 * 1024

// Location 会话位置标记的取值
type Location string

const (
	LocationKV   Location = "kv"
	LocationBlob Location = "blob"
)

var (
	// ErrUnavailable 两个后端都无法连接
	ErrUnavailable = errors.New("draft storage unavailable")
	// ErrReadFailed 位置标记指向的后端未能返回草稿
	ErrReadFailed = errors.New("draft read failed")
	// ErrQuotaExceeded Redis 因内存不足拒绝写入、草稿改存对象存储时，
	// 每个会话报告一次，草稿已保存
	ErrQuotaExceeded = errors.New("draft storage quota exceeded")
)

// Availability Probe 的检查结果
type Availability struct {
	KV      bool   `json:"kv"`
	Blob    bool   `json:"blob"`
	Warning string `json:"warning,omitempty"`
}

// Usable 判断是否至少有一个后端可用
func (a Availability) Usable() bool { return a.KV || a.Blob }

type Options struct {
	InlineThreshold int
	TTL             time.Duration
	Logger          *slog.Logger
}

// Manager 实现 cv.Store
type Manager struct {
	kv        KV
	blob      Blob
	threshold int
	ttl       time.Duration
	logger    *slog.Logger

	warnedMu sync.Mutex
	warned   map[string]struct{}
}

func NewManager(kv KV, blob Blob, opts Options) *Manager {
	if opts.InlineThreshold <= 0 {
		opts.InlineThreshold = DefaultInlineThreshold
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		kv:        kv,
		blob:      blob,
		threshold: opts.InlineThreshold,
		ttl:       opts.TTL,
		logger:    opts.Logger,
		warned:    make(map[string]struct{}),
	}
}

func kvKey(session string) string   { return "cv:draft:" + session }
func flagKey(session string) string { return "cv:draft:" + session + ":location" }
func blobKey(session string) string { return "drafts/" + session + ".json" }

// Save 按大小将草稿写入合适的后端
func (m *Manager) Save(ctx context.Context, session string, d cv.Draft) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode draft: %w", err)
	}

	var quotaHit bool
	if len(payload) < m.threshold {
		kvErr := m.kv.Set(ctx, kvKey(session), payload, m.ttl)
		if kvErr == nil {
			m.setFlag(ctx, session, LocationKV)
			if err := m.blob.Delete(ctx, blobKey(session)); err != nil {
				m.logger.Debug("stale draft blob not removed", "session", session, "error", err)
			}
			return nil
		}
		quotaHit = isQuotaError(kvErr)
		m.logger.Warn("small draft write failed, using object storage",
			slog.String("session", session),
			slog.Int("bytes", len(payload)),
			slog.Bool("quota", quotaHit),
			slog.Any("error", kvErr),
		)
	}

	if err := m.blob.Put(ctx, blobKey(session), payload); err != nil {
		return fmt.Errorf("save draft %s: %w", session, err)
	}
	m.setFlag(ctx, session, LocationBlob)
	if err := m.kv.Del(ctx, kvKey(session)); err != nil {
		m.logger.Debug("stale draft kv copy not removed", "session", session, "error", err)
	}

	if quotaHit && m.warnOnce(session) {
		return fmt.Errorf("%w: draft kept in object storage", ErrQuotaExceeded)
	}
	return nil
}

func (m *Manager) setFlag(ctx context.Context, session string, loc Location) {
	if err := m.kv.Set(ctx, flagKey(session), []byte(loc), m.ttl); err != nil {
		m.logger.Warn("draft location flag not written", "session", session, "location", loc, "error", err)
	}
}

func (m *Manager) warnOnce(session string) bool {
	m.warnedMu.Lock()
	defer m.warnedMu.Unlock()
	if _, ok := m.warned[session]; ok {
		return false
	}
	m.warned[session] = struct{}{}
	return true
}

// Load 返回会话的最新草稿，不存在或无法解码时返回 nil。
// 两个后端都无响应时才返回 ErrUnavailable，
// 草稿存在但标记的后端读取出错时返回 ErrReadFailed
func (m *Manager) Load(ctx context.Context, session string) (*cv.Draft, error) {
	flag, flagErr := m.kv.Get(ctx, flagKey(session))
	kvDown := flagErr != nil && !errors.Is(flagErr, ErrNotFound)

	var reads []func() ([]byte, error)
	readKV := func() ([]byte, error) { return m.kv.Get(ctx, kvKey(session)) }
	readBlob := func() ([]byte, error) { return m.blob.Get(ctx, blobKey(session)) }
	switch {
	case kvDown:
		reads = append(reads, readBlob)
	case flagErr == nil && Location(flag) == LocationKV:
		reads = append(reads, readKV)
	case flagErr == nil && Location(flag) == LocationBlob:
		reads = append(reads, readBlob)
	default:
		// 没有标记：尚未保存，或之前保存时未能写入标记
		reads = append(reads, readKV, readBlob)
	}

	flagged := flagErr == nil && len(reads) == 1
	for _, read := range reads {
		payload, err := read()
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			if kvDown {
				return nil, fmt.Errorf("%w: kv: %v; blob: %v", ErrUnavailable, flagErr, err)
			}
			if flagged {
				// 草稿存在但暂时无法读取
				return nil, fmt.Errorf("%w: %s: %v", ErrReadFailed, session, err)
			}
			m.logger.Warn("draft read failed, starting blank", "session", session, "error", err)
			continue
		}
		var d cv.Draft
		if err := json.Unmarshal(payload, &d); err != nil {
			m.logger.Warn("stored draft is unreadable, starting blank", "session", session, "error", err)
			return nil, nil
		}
		return &d, nil
	}
	return nil, nil
}

// Clear 从两个后端删除草稿及其标记，数据不存在不算错误
func (m *Manager) Clear(ctx context.Context, session string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := m.kv.Del(gctx, kvKey(session), flagKey(session)); err != nil {
			return fmt.Errorf("clear draft kv: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := m.blob.Delete(gctx, blobKey(session)); err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("clear draft blob: %w", err)
		}
		return nil
	})
	err := g.Wait()

	m.warnedMu.Lock()
	delete(m.warned, session)
	m.warnedMu.Unlock()
	return err
}

// Probe 并发检查两个后端，单个后端不可达只作为
// 警告，不作为错误
func (m *Manager) Probe(ctx context.Context) Availability {
	var a Availability
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.KV = m.kv.Ping(gctx) == nil
		return nil
	})
	g.Go(func() error {
		a.Blob = m.blob.Ping(gctx) == nil
		return nil
	})
	_ = g.Wait()

	switch {
	case !a.KV && !a.Blob:
		a.Warning = "Drafts cannot be saved right now. Keep this tab open until you download your CV."
	case !a.KV:
		a.Warning = "Draft saving is degraded; large drafts are still stored."
	case !a.Blob:
		a.Warning = "Very large drafts may not be saved."
	}
	return a
}
