package retry

import (
	"sync"
	"time"
)

// EndpointState 单个上游端点的重试记录
type EndpointState struct {
	Retries       int           `json:"retries"`
	Interval      time.Duration `json:"interval"`
	CooldownUntil time.Time     `json:"cooldownUntil,omitempty"`
}

// Tracker 按端点记录重试。端点重试用尽后按最后一次退避间隔冷却，
// 冷却结束前调用方可以直接跳过
// nil *Tracker 可用，不记录任何内容
type Tracker struct {
	mu    sync.Mutex
	state map[string]EndpointState
	now   func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{state: make(map[string]EndpointState), now: time.Now}
}

// Retrying 记录端点将在第 attempt 次尝试前等待 d
func (t *Tracker) Retrying(endpoint string, attempt int, d time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state[endpoint]
	s.Retries = attempt
	s.Interval = d
	t.state[endpoint] = s
}

// Success 重置端点状态
func (t *Tracker) Success(endpoint string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.state, endpoint)
}

// Exhausted 开始长度为 d 的冷却
func (t *Tracker) Exhausted(endpoint string, d time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state[endpoint]
	s.Interval = d
	s.CooldownUntil = t.now().Add(d)
	t.state[endpoint] = s
}

// CoolingDown 返回端点剩余冷却时间，可调用时返回 false
func (t *Tracker) CoolingDown(endpoint string) (time.Duration, bool) {
	if t == nil {
		return 0, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.state[endpoint]
	if !ok || s.CooldownUntil.IsZero() {
		return 0, false
	}
	left := s.CooldownUntil.Sub(t.now())
	if left <= 0 {
		return 0, false
	}
	return left, true
}

// Snapshot 复制所有端点的当前状态
func (t *Tracker) Snapshot() map[string]EndpointState {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]EndpointState, len(t.state))
	for k, v := range t.state {
		out[k] = v
	}
	return out
}
