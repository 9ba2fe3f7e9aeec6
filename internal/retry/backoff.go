// Package retry 对限流的上游调用做指数退避重试
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"
)

// Policy 描述退避曲线以及哪些错误值得重试
type Policy struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	// MaxRetries 首次调用之后的重试次数
	MaxRetries int
	// Jitter 每次等待在 ±Jitter 比例内浮动，为零时等待时间固定
	Jitter    float64
	Retryable func(error) bool
	// OnRetry 观察每次计划的重试
	OnRetry func(endpoint string, attempt int, wait time.Duration, err error)
	// Sleep 等待 d 或直到 ctx 结束，测试中会替换
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy 初始 2s，倍数 1.5，上限 30s，重试五次，仅限流错误
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 2 * time.Second,
		Multiplier:      1.5,
		MaxInterval:     30 * time.Second,
		MaxRetries:      5,
		Retryable:       IsRateLimited,
	}
}

// Intervals 列出每次都失败时 Do 的等待时间（不含抖动）
func (p Policy) Intervals() []time.Duration {
	out := make([]time.Duration, 0, p.MaxRetries)
	wait := p.InitialInterval
	for i := 0; i < p.MaxRetries; i++ {
		out = append(out, wait)
		wait = p.next(wait)
	}
	return out
}

func (p Policy) next(cur time.Duration) time.Duration {
	n := time.Duration(float64(cur) * p.Multiplier)
	if n < cur {
		n = cur
	}
	if p.MaxInterval > 0 && n > p.MaxInterval {
		n = p.MaxInterval
	}
	return n
}

func (p Policy) jittered(d time.Duration) time.Duration {
	if p.Jitter <= 0 {
		return d
	}
	delta := (rand.Float64()*2 - 1) * p.Jitter * float64(d)
	return d + time.Duration(delta)
}

// Do 执行 op，错误可重试时最多重试 MaxRetries 次
// 不可重试的错误立即返回，重试用尽时返回最后一次错误
// tracker 可以为 nil
func Do(ctx context.Context, p Policy, tracker *Tracker, endpoint string, op func(ctx context.Context) error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRateLimited
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	wait := p.InitialInterval
	if p.MaxInterval > 0 && wait > p.MaxInterval {
		wait = p.MaxInterval
	}
	var err error
	for attempt := 0; ; attempt++ {
		err = op(ctx)
		if err == nil {
			tracker.Success(endpoint)
			return nil
		}
		if !retryable(err) {
			return err
		}
		if attempt >= p.MaxRetries {
			tracker.Exhausted(endpoint, wait)
			return fmt.Errorf("%s: giving up after %d retries: %w", endpoint, p.MaxRetries, err)
		}

		d := p.jittered(wait)
		tracker.Retrying(endpoint, attempt+1, d)
		if p.OnRetry != nil {
			p.OnRetry(endpoint, attempt+1, d, err)
		}
		if serr := sleep(ctx, d); serr != nil {
			return serr
		}
		wait = p.next(wait)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// HTTPError 上游的非 2xx 响应
type HTTPError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200]
	}
	if body == "" {
		return fmt.Sprintf("upstream returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, body)
}

var rateLimitMarkers = []string{
	"rate limit",
	"rate-limit",
	"too many requests",
	"429",
}

// IsRateLimited 识别 HTTP 429 以及消息内容像限流的错误
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode == http.StatusTooManyRequests
	}
	msg := strings.ToLower(err.Error())
	for _, m := range rateLimitMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
