package cv

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store 在请求之间持久化草稿，*draftstore.Manager 实现了它
type Store interface {
	Save(ctx context.Context, session string, d Draft) error
	Load(ctx context.Context, session string) (*Draft, error)
	Clear(ctx context.Context, session string) error
}

// Form 单个会话的内存草稿，内存状态为准：
// 写存储失败不会回滚修改
//
// 存储中的草稿读取失败时 form 处于未加载状态，修改只保留在内存，
// 不会覆盖已存储的副本，整篇 Replace 除外
type Form struct {
	mu       sync.Mutex
	session  string
	draft    Draft
	store    Store
	logger   *slog.Logger
	now      func() time.Time
	lastUsed time.Time
	hydrated bool
}

// Session 返回草稿会话 id
func (f *Form) Session() string { return f.session }

// Hydrated 判断 form 是否已持有存储中的草稿（或已确认没有）
func (f *Form) Hydrated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hydrated
}

// Snapshot 返回当前草稿的深拷贝
func (f *Form) Snapshot() Draft {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUsed = f.now()
	return f.draft.Clone()
}

// mutate 在副本上执行 fn，成功后才提交
// 提交后持久化草稿，存储失败以 *PersistError 返回
// 同时返回新状态
func (f *Form) mutate(ctx context.Context, op string, fn func(d *Draft) error) (Draft, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	work := f.draft.Clone()
	if err := fn(&work); err != nil {
		return f.draft.Clone(), err
	}
	work.UpdatedAt = f.now().UTC()
	f.draft = work
	f.lastUsed = f.now()

	out := f.draft.Clone()
	if f.store == nil {
		return out, nil
	}
	if !f.hydrated && op != opReplace {
		f.logger.Warn("draft not loaded, change kept in memory", "session", f.session, "op", op)
		return out, &PersistError{Session: f.session, Op: op, Err: ErrDraftNotLoaded}
	}
	if err := f.store.Save(ctx, f.session, out); err != nil {
		f.logger.Warn("draft persist failed", "session", f.session, "op", op, "error", err)
		return out, &PersistError{Session: f.session, Op: op, Err: err}
	}
	f.hydrated = true
	return out, nil
}

// adopt 用存储中读到的草稿替换未加载 form 的状态
func (f *Form) adopt(stored *Draft) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hydrated {
		return
	}
	if stored != nil {
		f.draft = stored.Clone()
	}
	f.hydrated = true
	f.lastUsed = f.now()
}

// UpdateField 替换顶层字段，value 可以是 json.RawMessage、[]byte 或可 JSON 编码的值
// 写入任一工作经历名称都会替换同一个列表
func (f *Form) UpdateField(ctx context.Context, section Section, value any) (Draft, error) {
	raw, err := toRaw(value)
	if err != nil {
		return f.Snapshot(), &ValidationError{Field: string(section), Message: err.Error()}
	}
	return f.mutate(ctx, "update_field", func(d *Draft) error {
		return d.Data.SetField(section, raw)
	})
}

// AddItem 向列表分区追加条目，返回新状态和条目 id
func (f *Form) AddItem(ctx context.Context, section Section, item any) (Draft, string, error) {
	raw, err := toRaw(item)
	if err != nil {
		return f.Snapshot(), "", &ValidationError{Field: string(section), Message: err.Error()}
	}
	var id string
	d, err := f.mutate(ctx, "add_item", func(d *Draft) error {
		var addErr error
		id, addErr = d.Data.AddItem(section, raw)
		return addErr
	})
	return d, id, err
}

// RemoveItem 从列表分区删除指定 id 的条目，未知 id 不改变草稿
func (f *Form) RemoveItem(ctx context.Context, section Section, id string) (Draft, error) {
	return f.mutate(ctx, "remove_item", func(d *Draft) error {
		_, err := d.Data.RemoveItem(section, id)
		return err
	})
}

// MoveItem 调整列表分区中条目的顺序
func (f *Form) MoveItem(ctx context.Context, section Section, from, to int) (Draft, error) {
	return f.mutate(ctx, "move_item", func(d *Draft) error {
		return d.Data.MoveItem(section, from, to)
	})
}

// SetStep 记录当前向导步骤
func (f *Form) SetStep(ctx context.Context, step int) (Draft, error) {
	return f.mutate(ctx, "set_step", func(d *Draft) error {
		if step < 0 {
			return &ValidationError{Field: "step", Message: "must not be negative"}
		}
		d.Step = step
		return nil
	})
}

// SetTemplate 记录所选模板 id
func (f *Form) SetTemplate(ctx context.Context, templateID string) (Draft, error) {
	return f.mutate(ctx, "set_template", func(d *Draft) error {
		d.TemplateID = templateID
		return nil
	})
}

// Replace 整体替换文档，例如客户端导入已保存的简历
func (f *Form) Replace(ctx context.Context, data CVFormData) (Draft, error) {
	return f.mutate(ctx, opReplace, func(d *Draft) error {
		d.Data = data.Clone()
		return nil
	})
}

// Reset 清空内存草稿并从存储中删除
func (f *Form) Reset(ctx context.Context) (Draft, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.draft = NewDraft()
	f.draft.UpdatedAt = f.now().UTC()
	f.lastUsed = f.now()
	out := f.draft.Clone()
	if f.store == nil {
		return out, nil
	}
	if err := f.store.Clear(ctx, f.session); err != nil {
		return out, &PersistError{Session: f.session, Op: "reset", Err: err}
	}
	f.hydrated = true
	return out, nil
}

const opReplace = "replace"

func toRaw(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case json.RawMessage:
		return t, nil
	case []byte:
		return json.RawMessage(t), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode value: %w", err)
		}
		return b, nil
	}
}

// Registry 按草稿会话维护 Form，首次使用时从存储加载
type Registry struct {
	mu     sync.Mutex
	forms  map[string]*Form
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func NewRegistry(store Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		forms:  make(map[string]*Form),
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Create 新建空白会话
func (r *Registry) Create(ctx context.Context) (*Form, error) {
	session := uuid.NewString()
	f := r.newForm(session, NewDraft(), true)
	r.mu.Lock()
	r.forms[session] = f
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.Save(ctx, session, f.Snapshot()); err != nil {
			return f, &PersistError{Session: session, Op: "create", Err: err}
		}
	}
	return f, nil
}

// Open 返回会话对应的 form，首次使用时从存储加载。草稿不存在
// 或无法解析时从空白开始；读取失败时返回未加载的 form 和 *PersistError，
// 下次 Open 会重新读取存储
func (r *Registry) Open(ctx context.Context, session string) (*Form, error) {
	r.mu.Lock()
	f, ok := r.forms[session]
	r.mu.Unlock()
	if ok && f.Hydrated() {
		return f, nil
	}

	var stored *Draft
	var loadErr error
	if r.store != nil {
		stored, loadErr = r.store.Load(ctx, session)
	}

	if ok {
		if loadErr != nil {
			return f, loadFailure(session, loadErr)
		}
		f.adopt(stored)
		return f, nil
	}

	draft := NewDraft()
	if loadErr == nil && stored != nil {
		draft = stored.Clone()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// 其他请求可能已经加载了同一会话
	if existing, ok := r.forms[session]; ok {
		if loadErr == nil {
			existing.adopt(stored)
		} else if !existing.Hydrated() {
			return existing, loadFailure(session, loadErr)
		}
		return existing, nil
	}
	f = r.newForm(session, draft, loadErr == nil)
	r.forms[session] = f
	if loadErr != nil {
		r.logger.Warn("draft load failed", "session", session, "error", loadErr)
		return f, loadFailure(session, loadErr)
	}
	return f, nil
}

// Reset 清空会话在内存和存储中的草稿
func (r *Registry) Reset(ctx context.Context, session string) (Draft, error) {
	f, err := r.Open(ctx, session)
	if f == nil {
		return NewDraft(), err
	}
	return f.Reset(ctx)
}

// Forget 丢弃内存中的 form，不影响存储
func (r *Registry) Forget(session string) {
	r.mu.Lock()
	delete(r.forms, session)
	r.mu.Unlock()
}

// Sweep 淘汰空闲超过 maxIdle 的 form，草稿仍保留在存储中
func (r *Registry) Sweep(maxIdle time.Duration) int {
	cutoff := r.now().Add(-maxIdle)
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, f := range r.forms {
		f.mu.Lock()
		idle := f.lastUsed.Before(cutoff)
		f.mu.Unlock()
		if idle {
			delete(r.forms, id)
			evicted++
		}
	}
	return evicted
}

// Len 返回当前内存中的 form 数量
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.forms)
}

func loadFailure(session string, err error) error {
	return &PersistError{Session: session, Op: "load", Err: fmt.Errorf("%w: %w", ErrDraftNotLoaded, err)}
}

func (r *Registry) newForm(session string, d Draft, hydrated bool) *Form {
	return &Form{
		session:  session,
		draft:    d,
		store:    r.store,
		logger:   r.logger,
		now:      r.now,
		lastUsed: r.now(),
		hydrated: hydrated,
	}
}
